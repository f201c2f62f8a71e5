package project

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"townbrain/backend/internal/index"
)

type memRepo struct {
	byID    map[string]*Project
	total   int
	enabled int
	seq     int
}

func newMemRepo() *memRepo {
	return &memRepo{byID: map[string]*Project{}}
}

func (r *memRepo) Save(ctx context.Context, p *Project) error {
	r.seq++
	p.ID = "p" + string(rune('0'+r.seq))
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	r.byID[p.ID] = &cp
	return nil
}

func (r *memRepo) Get(ctx context.Context, id string) (*Project, error) {
	p, ok := r.byID[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *p
	return &cp, nil
}

func (r *memRepo) List(ctx context.Context) ([]Project, error) {
	var out []Project
	for _, p := range r.byID {
		out = append(out, *p)
	}
	return out, nil
}

func (r *memRepo) Update(ctx context.Context, id string, u Update) (*Project, error) {
	p, ok := r.byID[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.Provider != nil {
		p.Provider = *u.Provider
	}
	if u.APIKey != nil {
		p.APIKey = *u.APIKey
	}
	p.HasAPIKey = p.APIKey != ""
	cp := *p
	return &cp, nil
}

func (r *memRepo) Delete(ctx context.Context, id string) error {
	if _, ok := r.byID[id]; !ok {
		return sql.ErrNoRows
	}
	delete(r.byID, id)
	return nil
}

func (r *memRepo) SourceCounts(ctx context.Context, id string) (int, int, error) {
	return r.total, r.enabled, nil
}

func newHandler(repo Repository, store index.Store) *Handler {
	return NewHandler(NewService(repo, store))
}

func createBody() string {
	return `{"name":"Brookline AI","municipality":"Brookline, MA","provider":"anthropic","model":"claude-sonnet","api_key":"sk-ant-secret"}`
}

func TestCreateProject(t *testing.T) {
	h := newHandler(newMemRepo(), index.NewMemoryStore())

	w := httptest.NewRecorder()
	h.Create(w, httptest.NewRequest(http.MethodPost, "/api/projects", strings.NewReader(createBody())))

	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Data map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Brookline AI", resp.Data["name"])
	assert.Equal(t, true, resp.Data["has_api_key"])

	// The key itself must never appear in a response.
	assert.NotContains(t, w.Body.String(), "sk-ant-secret")
	_, leaked := resp.Data["api_key"]
	assert.False(t, leaked)
}

func TestCreateProject_Defaults(t *testing.T) {
	h := newHandler(newMemRepo(), index.NewMemoryStore())

	w := httptest.NewRecorder()
	h.Create(w, httptest.NewRequest(http.MethodPost, "/api/projects",
		strings.NewReader(`{"name":"Minimal","municipality":"Somewhere"}`)))

	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Data Project `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ollama", resp.Data.Provider)
	assert.Equal(t, "llama3.1:8b", resp.Data.Model)
	assert.InDelta(t, 0.7, resp.Data.Temperature, 0.001)
	assert.Equal(t, 2000, resp.Data.MaxTokens)
	assert.True(t, resp.Data.EnableCitations)
}

func TestCreateProject_Validation(t *testing.T) {
	h := newHandler(newMemRepo(), index.NewMemoryStore())

	cases := map[string]string{
		"MissingName":         `{"municipality":"Somewhere"}`,
		"MissingMunicipality": `{"name":"X"}`,
		"UnknownProvider":     `{"name":"X","municipality":"Y","provider":"grok"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.Create(w, httptest.NewRequest(http.MethodPost, "/api/projects", strings.NewReader(body)))
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "VALIDATION_ERROR")
		})
	}
}

func TestGetProject_NotFound(t *testing.T) {
	h := newHandler(newMemRepo(), index.NewMemoryStore())

	r := httptest.NewRequest(http.MethodGet, "/api/projects/missing", nil)
	r.SetPathValue("id", "missing")
	w := httptest.NewRecorder()
	h.Get(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestUpdateProject_UnknownProviderRejected(t *testing.T) {
	repo := newMemRepo()
	repo.byID["p1"] = &Project{ID: "p1", Name: "X", Municipality: "Y", Provider: "ollama"}
	h := newHandler(repo, index.NewMemoryStore())

	r := httptest.NewRequest(http.MethodPut, "/api/projects/p1", strings.NewReader(`{"provider":"grok"}`))
	r.SetPathValue("id", "p1")
	w := httptest.NewRecorder()
	h.Update(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteProject_ClearsIndex(t *testing.T) {
	repo := newMemRepo()
	repo.byID["p1"] = &Project{ID: "p1", Name: "X", Municipality: "Y", Provider: "ollama"}

	store := index.NewMemoryStore()
	require.NoError(t, store.Replace(context.Background(), "p1", "s1", []index.Chunk{
		{ID: "c1", ProjectID: "p1", SourceID: "s1", Text: "t", Vector: []float32{1}},
	}))

	h := newHandler(repo, store)

	r := httptest.NewRequest(http.MethodDelete, "/api/projects/p1", nil)
	r.SetPathValue("id", "p1")
	w := httptest.NewRecorder()
	h.Delete(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	count, err := store.Count(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestProjectHealth(t *testing.T) {
	repo := newMemRepo()
	repo.byID["p1"] = &Project{ID: "p1", Name: "X", Municipality: "Y", Provider: "anthropic"}
	store := index.NewMemoryStore()
	h := newHandler(repo, store)

	t.Run("NotReadyListsEveryIssue", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/projects/p1/health", nil)
		r.SetPathValue("id", "p1")
		w := httptest.NewRecorder()
		h.Health(w, r)

		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Data Health `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.False(t, resp.Data.Ready)
		require.Len(t, resp.Data.Issues, 3) // no key, no sources, empty index
	})

	t.Run("Ready", func(t *testing.T) {
		repo.byID["p1"].APIKey = "sk-123"
		repo.total, repo.enabled = 2, 1
		require.NoError(t, store.Replace(context.Background(), "p1", "s1", []index.Chunk{
			{ID: "c1", ProjectID: "p1", SourceID: "s1", Text: "t", Vector: []float32{1}},
		}))

		r := httptest.NewRequest(http.MethodGet, "/api/projects/p1/health", nil)
		r.SetPathValue("id", "p1")
		w := httptest.NewRecorder()
		h.Health(w, r)

		var resp struct {
			Data Health `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Data.Ready)
		assert.Empty(t, resp.Data.Issues)
	})
}

func TestProjectStats(t *testing.T) {
	repo := newMemRepo()
	repo.byID["p1"] = &Project{ID: "p1", Name: "Brookline AI", Municipality: "Brookline, MA", Provider: "ollama", Model: "llama3.1:8b"}
	repo.total, repo.enabled = 3, 2

	store := index.NewMemoryStore()
	require.NoError(t, store.Replace(context.Background(), "p1", "s1", []index.Chunk{
		{ID: "c1", ProjectID: "p1", SourceID: "s1", Text: "a", Vector: []float32{1}},
		{ID: "c2", ProjectID: "p1", SourceID: "s1", Text: "b", Vector: []float32{1}},
	}))

	h := newHandler(repo, store)

	r := httptest.NewRequest(http.MethodGet, "/api/projects/p1/stats", nil)
	r.SetPathValue("id", "p1")
	w := httptest.NewRecorder()
	h.Stats(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data Stats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Brookline AI", resp.Data.ProjectName)
	assert.Equal(t, 2, resp.Data.TotalDocuments)
	assert.Equal(t, 3, resp.Data.TotalSources)
	assert.Equal(t, 2, resp.Data.ActiveSources)
}
