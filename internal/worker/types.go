package worker

import (
	"context"

	"townbrain/backend/features/source"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Sources is the slice of the source repository the ingest pipeline
// needs: the source to collect and the stats row to write back.
type Sources interface {
	Get(ctx context.Context, id string) (*source.Source, error)
	UpdateStats(ctx context.Context, id string, stats source.Stats) error
}

// JobTracker drives the job state machine from inside the pipeline.
type JobTracker interface {
	MarkRunning(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, processed, total int, message string) error
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
}
