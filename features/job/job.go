package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"townbrain/backend/features/source"
	"townbrain/backend/internal/config"
	"townbrain/backend/internal/middleware"
)

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job tracks one ingestion run for a source through the state machine
// pending -> running -> completed | failed. updated_at doubles as the
// stall detector's heartbeat.
type Job struct {
	ID             string     `json:"id"`
	SourceID       string     `json:"source_id"`
	ProjectID      string     `json:"project_id"`
	Status         string     `json:"status"`
	Progress       float32    `json:"progress"`
	ProcessedItems int        `json:"processed_items"`
	TotalItems     int        `json:"total_items"`
	Message        string     `json:"message"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at"`
}

// ActiveJobError reports that the source already has a non-terminal job.
type ActiveJobError struct {
	Existing *Job
}

func (e *ActiveJobError) Error() string {
	return fmt.Sprintf("source already has an active job %s", e.Existing.ID)
}

type Repository interface {
	Create(ctx context.Context, j *Job) error
	ActiveBySource(ctx context.Context, sourceID string) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	ListRecent(ctx context.Context, limit int) ([]Job, error)
	MarkRunning(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, processed, total int, message string) error
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	FailStale(ctx context.Context, timeout time.Duration) (int, error)
}

type Sources interface {
	Get(ctx context.Context, id string) (*source.Source, error)
	ListByProject(ctx context.Context, projectID string) ([]source.Source, error)
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Service struct {
	repo    Repository
	sources Sources
	pub     EventPublisher
}

func NewService(repo Repository, sources Sources, pub EventPublisher) *Service {
	return &Service{repo: repo, sources: sources, pub: pub}
}

// Enqueue creates a job for the source and hands it to the ingest
// worker. The partial unique index on jobs enforces one active job per
// source; a second request surfaces as *ActiveJobError.
func (s *Service) Enqueue(ctx context.Context, projectID, sourceID string) (*Job, error) {
	src, err := s.sources.Get(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if src.ProjectID != projectID {
		return nil, fmt.Errorf("source %s does not belong to project %s", sourceID, projectID)
	}

	j := &Job{SourceID: sourceID, ProjectID: projectID, Status: StatusPending}
	if err := s.repo.Create(ctx, j); err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.repo.ActiveBySource(ctx, sourceID)
			if lookupErr != nil {
				return nil, lookupErr
			}
			return nil, &ActiveJobError{Existing: existing}
		}
		return nil, err
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"job_id":         j.ID,
		"source_id":      sourceID,
		"project_id":     projectID,
		"correlation_id": middleware.GetCorrelationID(ctx),
	})
	if err := s.pub.Publish(config.TopicIngestTask, payload); err != nil {
		slog.ErrorContext(ctx, "failed to publish ingest.task event", "error", err, "job_id", j.ID)
		if failErr := s.repo.MarkFailed(ctx, j.ID, "failed to enqueue ingest task"); failErr != nil {
			slog.ErrorContext(ctx, "failed to mark job failed", "error", failErr, "job_id", j.ID)
		}
		return nil, err
	}
	slog.InfoContext(ctx, "published ingest.task event", "job_id", j.ID, "source_id", sourceID)

	return j, nil
}

// SyncAll enqueues every enabled source of the project, one by one in
// creation order. Sources that already have an active job are skipped
// rather than failing the whole request.
func (s *Service) SyncAll(ctx context.Context, projectID string) ([]Job, error) {
	sources, err := s.sources.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var jobs []Job
	for i := len(sources) - 1; i >= 0; i-- { // ListByProject is newest-first
		src := sources[i]
		if !src.Enabled {
			continue
		}
		j, err := s.Enqueue(ctx, projectID, src.ID)
		if err != nil {
			var active *ActiveJobError
			if errors.As(err, &active) {
				slog.InfoContext(ctx, "skipping source with active job", "source_id", src.ID, "job_id", active.Existing.ID)
				continue
			}
			return jobs, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ListRecent(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListRecent(ctx, limit)
}

// FailStale marks jobs with no heartbeat within the timeout as failed.
// Run periodically; recovers from worker crashes that would otherwise
// leave jobs running forever.
func (s *Service) FailStale(ctx context.Context, timeout time.Duration) error {
	n, err := s.repo.FailStale(ctx, timeout)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.WarnContext(ctx, "failed stalled jobs", "count", n, "timeout", timeout)
	}
	return nil
}
