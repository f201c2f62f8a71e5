package source

import (
	"context"
	"database/sql"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const sourceColumns = `id, project_id, type, url, name, description, enabled,
	collect_method, content_hash, word_count, chunk_count, last_synced_at,
	created_at, updated_at`

func scanSource(row interface{ Scan(...interface{}) error }) (*Source, error) {
	s := &Source{}
	err := row.Scan(&s.ID, &s.ProjectID, &s.Type, &s.URL, &s.Name, &s.Description,
		&s.Enabled, &s.CollectMethod, &s.ContentHash, &s.WordCount, &s.ChunkCount,
		&s.LastSyncedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *PostgresRepo) Save(ctx context.Context, src *Source) error {
	query := `INSERT INTO sources (project_id, type, url, name, description, enabled, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`
	return r.db.QueryRowContext(ctx, query, src.ProjectID, src.Type, src.URL,
		src.Name, src.Description, src.Enabled, src.ContentHash).
		Scan(&src.ID, &src.CreatedAt, &src.UpdatedAt)
}

func (r *PostgresRepo) ExistsByHash(ctx context.Context, projectID, hash string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM sources WHERE project_id = $1 AND content_hash = $2 AND deleted_at IS NULL)`
	err := r.db.QueryRowContext(ctx, query, projectID, hash).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE id = $1 AND deleted_at IS NULL`
	return scanSource(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresRepo) ListByProject(ctx context.Context, projectID string) ([]Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE project_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *s)
	}
	return sources, rows.Err()
}

func (r *PostgresRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	query := `UPDATE sources SET enabled = $1, updated_at = NOW() WHERE id = $2 AND deleted_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, enabled, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *PostgresRepo) UpdateStats(ctx context.Context, id string, stats Stats) error {
	query := `UPDATE sources SET word_count = $1, chunk_count = $2, collect_method = $3,
		last_synced_at = NOW(), updated_at = NOW() WHERE id = $4`
	_, err := r.db.ExecContext(ctx, query, stats.WordCount, stats.ChunkCount, stats.CollectMethod, id)
	return err
}

func (r *PostgresRepo) SoftDelete(ctx context.Context, id string) error {
	query := `UPDATE sources SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
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
