package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"townbrain/backend/features/source"
	"townbrain/backend/internal/collector"
	"townbrain/backend/internal/index"
	"townbrain/backend/internal/middleware"
	"townbrain/backend/internal/text"
)

const (
	embedAttempts     = 3
	embedBackoff      = time.Second
	embedCallTimeout  = 60 * time.Second
	ingestCallTimeout = 30 * time.Minute
)

type IngestConfig struct {
	ChunkSizeWords    int
	ChunkOverlapWords int
	EmbedBackoff      time.Duration
}

// CollectorResolver maps a source type to its collector.
type CollectorResolver interface {
	For(sourceType string) (collector.Collector, error)
}

// IngestConsumer runs the full collect -> chunk -> embed -> index
// pipeline for one ingest.task message. All chunks are staged in memory
// before the index write, so a failed run never leaves a partial
// generation behind.
type IngestConsumer struct {
	collectors CollectorResolver
	embedder   Embedder
	store      index.Store
	sources    Sources
	jobs       JobTracker
	cfg        IngestConfig
}

func NewIngestConsumer(c CollectorResolver, e Embedder, s index.Store, src Sources, j JobTracker, cfg IngestConfig) *IngestConsumer {
	if cfg.ChunkSizeWords <= 0 {
		cfg.ChunkSizeWords = 500
	}
	if cfg.ChunkOverlapWords < 0 {
		cfg.ChunkOverlapWords = 50
	}
	if cfg.EmbedBackoff <= 0 {
		cfg.EmbedBackoff = embedBackoff
	}
	return &IngestConsumer{collectors: c, embedder: e, store: s, sources: src, jobs: j, cfg: cfg}
}

func (h *IngestConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var task ingestTask
	if err := json.Unmarshal(m.Body, &task); err != nil {
		// Poison pill: invalid JSON, don't retry
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}

	ctx := context.Background()
	if task.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, task.CorrelationID)
	}
	ctx, cancel := context.WithTimeout(ctx, ingestCallTimeout)
	defer cancel()

	if err := h.jobs.MarkRunning(ctx, task.JobID); err != nil {
		// Job gone or already terminal (watchdog, project delete). The
		// run is moot either way, so don't retry.
		slog.WarnContext(ctx, "job not runnable, dropping task", "job_id", task.JobID, "error", err)
		return nil
	}

	if err := h.run(ctx, m, task); err != nil {
		slog.ErrorContext(ctx, "ingestion failed", "job_id", task.JobID, "source_id", task.SourceID, "error", err)
		if failErr := h.jobs.MarkFailed(ctx, task.JobID, failureMessage(err)); failErr != nil {
			slog.ErrorContext(ctx, "failed to mark job failed", "job_id", task.JobID, "error", failErr)
		}
		// Failure is recorded on the job; an NSQ redelivery could not
		// re-enter the running state anyway.
		return nil
	}

	slog.InfoContext(ctx, "ingestion completed", "job_id", task.JobID, "source_id", task.SourceID)
	return nil
}

func (h *IngestConsumer) run(ctx context.Context, m *nsq.Message, task ingestTask) error {
	src, err := h.sources.Get(ctx, task.SourceID)
	if err != nil {
		return fmt.Errorf("loading source: %w", err)
	}

	c, err := h.collectors.For(src.Type)
	if err != nil {
		return err
	}

	progress := func(processed, total int, message string) {
		touch(m)
		if err := h.jobs.UpdateProgress(ctx, task.JobID, processed, total, message); err != nil {
			slog.WarnContext(ctx, "failed to update job progress", "job_id", task.JobID, "error", err)
		}
	}

	var segments []collector.Segment
	err = c.Collect(ctx, collector.Request{
		SourceID: src.ID,
		Type:     src.Type,
		URL:      src.URL,
		Name:     src.Name,
	}, func(seg collector.Segment) error {
		segments = append(segments, seg)
		return nil
	}, progress)
	if err != nil {
		return err
	}

	// Stage every chunk before touching the index.
	var (
		chunks    []index.Chunk
		wordCount int
		method    string
		position  int
	)
	for _, seg := range segments {
		normalized := text.Normalize(seg.Text)
		wordCount += text.WordCount(normalized)
		if method == "" && seg.Method != "" {
			method = seg.Method
		}

		for _, piece := range text.ChunkWords(normalized, h.cfg.ChunkSizeWords, h.cfg.ChunkOverlapWords) {
			vector, err := h.embedWithRetry(ctx, m, piece)
			if err != nil {
				return fmt.Errorf("embedding chunk %d: %w", position, err)
			}
			chunks = append(chunks, index.Chunk{
				ID:            uuid.New().String(),
				ProjectID:     task.ProjectID,
				SourceID:      src.ID,
				Text:          piece,
				Title:         seg.Title,
				URL:           seg.URL,
				SourceType:    src.Type,
				OffsetSeconds: seg.OffsetSeconds,
				Method:        seg.Method,
				Position:      position,
				Vector:        vector,
			})
			position++
		}
	}

	progress(len(segments), len(segments), fmt.Sprintf("Indexing %d chunks", len(chunks)))

	if err := h.store.Replace(ctx, task.ProjectID, src.ID, chunks); err != nil {
		return fmt.Errorf("replacing index chunks: %w", err)
	}

	stats := source.Stats{WordCount: wordCount, ChunkCount: len(chunks), CollectMethod: method}
	if err := h.sources.UpdateStats(ctx, src.ID, stats); err != nil {
		slog.WarnContext(ctx, "failed to update source stats", "source_id", src.ID, "error", err)
	}

	return h.jobs.MarkCompleted(ctx, task.JobID)
}

// embedWithRetry retries transient embedding failures with a doubling
// backoff before declaring the run dead.
func (h *IngestConsumer) embedWithRetry(ctx context.Context, m *nsq.Message, piece string) ([]float32, error) {
	backoff := h.cfg.EmbedBackoff
	var lastErr error
	for attempt := 1; attempt <= embedAttempts; attempt++ {
		embedCtx, cancel := context.WithTimeout(ctx, embedCallTimeout)
		vector, err := h.embedder.Embed(embedCtx, piece)
		cancel()
		if err == nil {
			return vector, nil
		}
		lastErr = err
		if attempt < embedAttempts {
			touch(m)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", embedAttempts, lastErr)
}

// touch extends the NSQ message timeout; messages built by tests carry
// no delegate.
func touch(m *nsq.Message) {
	if m != nil && m.Delegate != nil {
		m.Touch()
	}
}

// failureMessage converts pipeline errors into something a resident
// admin can act on.
func failureMessage(err error) string {
	var extraction *collector.ExtractionError
	switch {
	case errors.Is(err, collector.ErrNoCaptions):
		return "This video has no captions available. Only videos with captions can be ingested."
	case errors.As(err, &extraction):
		return extraction.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "Ingestion timed out"
	default:
		return err.Error()
	}
}
