package project

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"townbrain/backend/internal/index"
)

// Project is one community assistant: a municipality, a provider
// configuration and a knowledge base. The API key is write-only; it
// never leaves the server in a response body.
type Project struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Municipality    string     `json:"municipality"`
	Tagline         string     `json:"tagline"`
	Provider        string     `json:"provider"`
	Model           string     `json:"model"`
	APIKey          string     `json:"-"`
	Temperature     float32    `json:"temperature"`
	MaxTokens       int        `json:"max_tokens"`
	SystemPrompt    string     `json:"system_prompt"`
	EnableCitations bool       `json:"enable_citations"`
	ShowThinking    bool       `json:"show_thinking"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	HasAPIKey       bool       `json:"has_api_key"`
	LastSyncedAt    *time.Time `json:"-"`
}

// Update carries a partial update; nil fields are left untouched.
type Update struct {
	Name            *string  `json:"name"`
	Municipality    *string  `json:"municipality"`
	Tagline         *string  `json:"tagline"`
	Provider        *string  `json:"provider"`
	Model           *string  `json:"model"`
	APIKey          *string  `json:"api_key"`
	Temperature     *float32 `json:"temperature"`
	MaxTokens       *int     `json:"max_tokens"`
	SystemPrompt    *string  `json:"system_prompt"`
	EnableCitations *bool    `json:"enable_citations"`
	ShowThinking    *bool    `json:"show_thinking"`
}

type Health struct {
	Ready  bool     `json:"ready"`
	Issues []string `json:"issues"`
}

type Stats struct {
	ProjectName    string `json:"project_name"`
	Municipality   string `json:"municipality"`
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	TotalDocuments int    `json:"total_documents"`
	TotalSources   int    `json:"total_sources"`
	ActiveSources  int    `json:"active_sources"`
}

var validProviders = map[string]bool{
	"ollama": true, "openai": true, "anthropic": true, "gemini": true,
}

type Repository interface {
	Save(ctx context.Context, p *Project) error
	Get(ctx context.Context, id string) (*Project, error)
	List(ctx context.Context) ([]Project, error)
	Update(ctx context.Context, id string, u Update) (*Project, error)
	Delete(ctx context.Context, id string) error
	SourceCounts(ctx context.Context, id string) (total, enabled int, err error)
}

type Service struct {
	repo  Repository
	store index.Store
}

func NewService(repo Repository, store index.Store) *Service {
	return &Service{repo: repo, store: store}
}

func (s *Service) Create(ctx context.Context, p *Project) error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.Municipality == "" {
		return fmt.Errorf("municipality is required")
	}
	if p.Provider == "" {
		p.Provider = "ollama"
	}
	if !validProviders[p.Provider] {
		return fmt.Errorf("unknown provider %q", p.Provider)
	}
	if p.Model == "" {
		p.Model = "llama3.1:8b"
	}
	if p.Tagline == "" {
		p.Tagline = "Your local AI assistant"
	}
	if p.Temperature == 0 {
		p.Temperature = 0.7
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = 2000
	}
	return s.repo.Save(ctx, p)
}

func (s *Service) Get(ctx context.Context, id string) (*Project, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]Project, error) {
	return s.repo.List(ctx)
}

func (s *Service) Update(ctx context.Context, id string, u Update) (*Project, error) {
	if u.Provider != nil && !validProviders[*u.Provider] {
		return nil, fmt.Errorf("unknown provider %q", *u.Provider)
	}
	return s.repo.Update(ctx, id, u)
}

// Delete removes the project, its sources and jobs in one transaction,
// then clears its chunks from the index.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteProject(ctx, id); err != nil {
		slog.ErrorContext(ctx, "failed to clear project chunks", "project_id", id, "error", err)
		return fmt.Errorf("clearing index: %w", err)
	}
	return nil
}

// Health reports whether the project can answer questions yet.
func (s *Service) Health(ctx context.Context, id string) (*Health, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	h := &Health{Issues: []string{}}

	if p.Provider != "ollama" && p.APIKey == "" {
		h.Issues = append(h.Issues, fmt.Sprintf("No API key configured for provider %q", p.Provider))
	}

	_, enabled, err := s.repo.SourceCounts(ctx, id)
	if err != nil {
		return nil, err
	}
	if enabled == 0 {
		h.Issues = append(h.Issues, "No enabled sources")
	}

	count, err := s.store.Count(ctx, id)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		h.Issues = append(h.Issues, "Knowledge base is empty, sync a source first")
	}

	h.Ready = len(h.Issues) == 0
	return h, nil
}

func (s *Service) Stats(ctx context.Context, id string) (*Stats, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	total, enabled, err := s.repo.SourceCounts(ctx, id)
	if err != nil {
		return nil, err
	}

	docs, err := s.store.Count(ctx, id)
	if err != nil {
		return nil, err
	}

	return &Stats{
		ProjectName:    p.Name,
		Municipality:   p.Municipality,
		Provider:       p.Provider,
		Model:          p.Model,
		TotalDocuments: docs,
		TotalSources:   total,
		ActiveSources:  enabled,
	}, nil
}
