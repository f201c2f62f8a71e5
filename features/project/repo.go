package project

import (
	"context"
	"database/sql"
	"fmt"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const projectColumns = `id, name, municipality, tagline, provider, model, api_key,
	temperature, max_tokens, system_prompt, enable_citations, show_thinking,
	created_at, updated_at`

func scanProject(row interface{ Scan(...interface{}) error }) (*Project, error) {
	p := &Project{}
	err := row.Scan(&p.ID, &p.Name, &p.Municipality, &p.Tagline, &p.Provider,
		&p.Model, &p.APIKey, &p.Temperature, &p.MaxTokens, &p.SystemPrompt,
		&p.EnableCitations, &p.ShowThinking, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.HasAPIKey = p.APIKey != ""
	return p, nil
}

func (r *PostgresRepo) Save(ctx context.Context, p *Project) error {
	query := `INSERT INTO projects (name, municipality, tagline, provider, model, api_key,
		temperature, max_tokens, system_prompt, enable_citations, show_thinking)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`
	return r.db.QueryRowContext(ctx, query, p.Name, p.Municipality, p.Tagline,
		p.Provider, p.Model, p.APIKey, p.Temperature, p.MaxTokens,
		p.SystemPrompt, p.EnableCitations, p.ShowThinking).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1 AND deleted_at IS NULL`
	return scanProject(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresRepo) List(ctx context.Context) ([]Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE deleted_at IS NULL ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

func (r *PostgresRepo) Update(ctx context.Context, id string, u Update) (*Project, error) {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{}
	add := func(col string, val interface{}) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if u.Name != nil {
		add("name", *u.Name)
	}
	if u.Municipality != nil {
		add("municipality", *u.Municipality)
	}
	if u.Tagline != nil {
		add("tagline", *u.Tagline)
	}
	if u.Provider != nil {
		add("provider", *u.Provider)
	}
	if u.Model != nil {
		add("model", *u.Model)
	}
	if u.APIKey != nil {
		add("api_key", *u.APIKey)
	}
	if u.Temperature != nil {
		add("temperature", *u.Temperature)
	}
	if u.MaxTokens != nil {
		add("max_tokens", *u.MaxTokens)
	}
	if u.SystemPrompt != nil {
		add("system_prompt", *u.SystemPrompt)
	}
	if u.EnableCitations != nil {
		add("enable_citations", *u.EnableCitations)
	}
	if u.ShowThinking != nil {
		add("show_thinking", *u.ShowThinking)
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE projects SET %s WHERE id = $%d AND deleted_at IS NULL RETURNING `+projectColumns,
		joinSets(sets), len(args))
	return scanProject(r.db.QueryRowContext(ctx, query, args...))
}

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}

// Delete soft-deletes the project and its sources together so a
// half-deleted project is never observable.
func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `UPDATE projects SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sources SET deleted_at = NOW() WHERE project_id = $1 AND deleted_at IS NULL`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE project_id = $1`, id); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *PostgresRepo) SourceCounts(ctx context.Context, id string) (int, int, error) {
	var total, enabled int
	query := `SELECT COUNT(*), COUNT(*) FILTER (WHERE enabled) FROM sources WHERE project_id = $1 AND deleted_at IS NULL`
	err := r.db.QueryRowContext(ctx, query, id).Scan(&total, &enabled)
	return total, enabled, err
}
