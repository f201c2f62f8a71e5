package job

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const jobColumns = `id, source_id, project_id, status, progress, processed_items,
	total_items, message, error, created_at, updated_at, started_at, completed_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*Job, error) {
	j := &Job{}
	err := row.Scan(&j.ID, &j.SourceID, &j.ProjectID, &j.Status, &j.Progress,
		&j.ProcessedItems, &j.TotalItems, &j.Message, &j.Error,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (r *PostgresRepo) Create(ctx context.Context, j *Job) error {
	query := `INSERT INTO jobs (source_id, project_id, status) VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`
	return r.db.QueryRowContext(ctx, query, j.SourceID, j.ProjectID, j.Status).
		Scan(&j.ID, &j.CreatedAt, &j.UpdatedAt)
}

func (r *PostgresRepo) ActiveBySource(ctx context.Context, sourceID string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE source_id = $1 AND status IN ('pending', 'running')`
	return scanJob(r.db.QueryRowContext(ctx, query, sourceID))
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	return scanJob(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresRepo) ListRecent(ctx context.Context, limit int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC LIMIT $1`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (r *PostgresRepo) MarkRunning(ctx context.Context, id string) error {
	query := `UPDATE jobs SET status = 'running', started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// UpdateProgress touches updated_at even when the numbers are unchanged
// so the stall watchdog sees the heartbeat.
func (r *PostgresRepo) UpdateProgress(ctx context.Context, id string, processed, total int, message string) error {
	var progress float32
	if total > 0 {
		progress = float32(processed) / float32(total)
	}
	query := `UPDATE jobs SET progress = $1, processed_items = $2, total_items = $3,
		message = $4, updated_at = NOW() WHERE id = $5 AND status = 'running'`
	_, err := r.db.ExecContext(ctx, query, progress, processed, total, message, id)
	return err
}

func (r *PostgresRepo) MarkCompleted(ctx context.Context, id string) error {
	query := `UPDATE jobs SET status = 'completed', progress = 1, completed_at = NOW(),
		updated_at = NOW() WHERE id = $1 AND status = 'running'`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *PostgresRepo) MarkFailed(ctx context.Context, id, errMsg string) error {
	query := `UPDATE jobs SET status = 'failed', error = $1, completed_at = NOW(),
		updated_at = NOW() WHERE id = $2 AND status IN ('pending', 'running')`
	res, err := r.db.ExecContext(ctx, query, errMsg, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *PostgresRepo) FailStale(ctx context.Context, timeout time.Duration) (int, error) {
	query := `UPDATE jobs SET status = 'failed',
		error = 'job stalled: no progress within timeout',
		completed_at = NOW(), updated_at = NOW()
		WHERE status IN ('pending', 'running') AND updated_at < NOW() - make_interval(secs => $1)`
	res, err := r.db.ExecContext(ctx, query, timeout.Seconds())
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
