package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"townbrain/backend/features/project"
	"townbrain/backend/internal/rag"
)

type fakeProjects struct {
	p *project.Project
}

func (f *fakeProjects) Get(ctx context.Context, id string) (*project.Project, error) {
	if f.p == nil || f.p.ID != id {
		return nil, sql.ErrNoRows
	}
	return f.p, nil
}

type fakeEngine struct {
	answer  *rag.Answer
	lastP   rag.Project
	lastQ   rag.Question
	askedCh bool
}

func (f *fakeEngine) Ask(ctx context.Context, p rag.Project, q rag.Question) (*rag.Answer, error) {
	f.lastP = p
	f.lastQ = q
	f.askedCh = true
	return f.answer, nil
}

func brookline() *project.Project {
	return &project.Project{
		ID:           "p1",
		Name:         "Brookline AI",
		Municipality: "Brookline, MA",
		Provider:     "ollama",
		Model:        "llama3.1:8b",
		APIKey:       "sk-secret",
	}
}

func TestChat_ReturnsAnswerWithSources(t *testing.T) {
	engine := &fakeEngine{answer: &rag.Answer{
		Answer:      "Trash day is Tuesday.",
		ContextUsed: true,
		Sources: []rag.Citation{{
			Title: "Trash & Recycling", URL: "https://example.gov/trash", SourceType: "website", RelevanceScore: 0.92,
		}},
	}}
	h := NewHandler(&fakeProjects{p: brookline()}, engine)

	body := `{"project_id":"p1","message":"When is trash day?","conversation_history":[{"role":"user","content":"hi"}]}`
	w := httptest.NewRecorder()
	h.Chat(w, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, w.Code)

	var resp rag.Answer
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Trash day is Tuesday.", resp.Answer)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "https://example.gov/trash", resp.Sources[0].URL)

	// Project config, including the stored key, flows to the engine.
	assert.Equal(t, "sk-secret", engine.lastP.APIKey)
	assert.Equal(t, "Brookline, MA", engine.lastP.Municipality)
	require.Len(t, engine.lastQ.History, 1)
}

func TestChat_DegradedProviderStillAnswers200(t *testing.T) {
	engine := &fakeEngine{answer: &rag.Answer{
		Answer:    "The AI model is not available. Please make sure Ollama is running (ollama serve).",
		ErrorCode: "ollama_not_running",
	}}
	h := NewHandler(&fakeProjects{p: brookline()}, engine)

	body := `{"project_id":"p1","message":"hello"}`
	w := httptest.NewRecorder()
	h.Chat(w, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ollama_not_running", resp["error"])
}

func TestChat_Validation(t *testing.T) {
	h := NewHandler(&fakeProjects{}, &fakeEngine{})

	cases := map[string]string{
		"MissingProject": `{"message":"hi"}`,
		"MissingMessage": `{"project_id":"p1"}`,
		"BadJSON":        `{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.Chat(w, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body)))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestChat_UnknownProject404(t *testing.T) {
	engine := &fakeEngine{}
	h := NewHandler(&fakeProjects{}, engine)

	body := `{"project_id":"nope","message":"hi"}`
	w := httptest.NewRecorder()
	h.Chat(w, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body)))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, engine.askedCh)
}
