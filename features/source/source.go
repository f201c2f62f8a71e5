package source

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"townbrain/backend/internal/collector"
	"townbrain/backend/internal/index"
)

var ErrDuplicate = errors.New("duplicate source")

// Source is one ingestible reference: a playlist, a site, a feed, a PDF.
// Stats fields are written by the ingest worker after each sync.
type Source struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id"`
	Type          string     `json:"type"`
	URL           string     `json:"url"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	Enabled       bool       `json:"enabled"`
	CollectMethod string     `json:"collect_method"`
	ContentHash   string     `json:"-"`
	WordCount     int        `json:"word_count"`
	ChunkCount    int        `json:"chunk_count"`
	LastSyncedAt  *time.Time `json:"last_synced_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type Stats struct {
	WordCount     int
	ChunkCount    int
	CollectMethod string
}

var validTypes = map[string]bool{
	collector.TypeVideoPlaylist: true,
	collector.TypeVideo:         true,
	collector.TypeWebsite:       true,
	collector.TypePDFURL:        true,
	collector.TypePDFUpload:     true,
	collector.TypeRSS:           true,
}

type Repository interface {
	Save(ctx context.Context, src *Source) error
	ExistsByHash(ctx context.Context, projectID, hash string) (bool, error)
	Get(ctx context.Context, id string) (*Source, error)
	ListByProject(ctx context.Context, projectID string) ([]Source, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	UpdateStats(ctx context.Context, id string, stats Stats) error
	SoftDelete(ctx context.Context, id string) error
}

type Service struct {
	repo  Repository
	store index.Store
}

func NewService(repo Repository, store index.Store) *Service {
	return &Service{repo: repo, store: store}
}

func (s *Service) Create(ctx context.Context, src *Source) error {
	if !validTypes[src.Type] {
		return fmt.Errorf("unsupported source type %q", src.Type)
	}
	if src.URL == "" {
		return fmt.Errorf("url is required")
	}
	if src.Name == "" {
		src.Name = src.URL
	}

	hash := sha256.Sum256([]byte(src.URL))
	src.ContentHash = fmt.Sprintf("%x", hash)

	exists, err := s.repo.ExistsByHash(ctx, src.ProjectID, src.ContentHash)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicate
	}

	src.Enabled = true
	return s.repo.Save(ctx, src)
}

// Upload registers an already-saved PDF file. The path stands in for the
// URL and the hash comes from the file body, so re-uploading the same
// document is rejected even under a different filename.
func (s *Service) Upload(ctx context.Context, projectID, path, bodyHash, name string) (*Source, error) {
	exists, err := s.repo.ExistsByHash(ctx, projectID, bodyHash)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrDuplicate
	}

	src := &Source{
		ProjectID:   projectID,
		Type:        collector.TypePDFUpload,
		URL:         path,
		Name:        name,
		ContentHash: bodyHash,
		Enabled:     true,
	}
	if err := s.repo.Save(ctx, src); err != nil {
		return nil, err
	}
	return src, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Source, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ListByProject(ctx context.Context, projectID string) ([]Source, error) {
	return s.repo.ListByProject(ctx, projectID)
}

func (s *Service) SetEnabled(ctx context.Context, projectID, id string, enabled bool) error {
	if _, err := s.owned(ctx, projectID, id); err != nil {
		return err
	}
	return s.repo.SetEnabled(ctx, id, enabled)
}

// Delete removes the source's chunks from the index first so a crash
// between the two steps leaves only an orphaned DB row, not orphaned
// search results.
func (s *Service) Delete(ctx context.Context, projectID, id string) error {
	src, err := s.owned(ctx, projectID, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSource(ctx, src.ProjectID, src.ID); err != nil {
		return err
	}
	return s.repo.SoftDelete(ctx, id)
}

// owned loads the source and rejects ids that live in another project,
// so a path like /projects/A/sources/{sourceOfB} cannot touch B's data.
func (s *Service) owned(ctx context.Context, projectID, id string) (*Source, error) {
	src, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if src.ProjectID != projectID {
		return nil, fmt.Errorf("source %s does not belong to project %s", id, projectID)
	}
	return src, nil
}

// Documents lists indexed chunks for the viewer, optionally scoped to
// one source.
func (s *Service) Documents(ctx context.Context, projectID, sourceID string, limit, offset int) ([]index.Chunk, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.List(ctx, projectID, sourceID, limit, offset)
}
