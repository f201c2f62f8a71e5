package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"townbrain/backend/features/project"
	"townbrain/backend/internal/adapter/provider"
	"townbrain/backend/internal/middleware"
	"townbrain/backend/internal/rag"
)

type Projects interface {
	Get(ctx context.Context, id string) (*project.Project, error)
}

type Engine interface {
	Ask(ctx context.Context, p rag.Project, q rag.Question) (*rag.Answer, error)
}

type Handler struct {
	projects Projects
	engine   Engine
}

func NewHandler(projects Projects, engine Engine) *Handler {
	return &Handler{projects: projects, engine: engine}
}

// Chat answers a resident's question grounded in the project's sources.
// Provider outages come back as a degraded 200, not a 5xx, so the
// client always has an answer to render.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID string             `json:"project_id"`
		Message   string             `json:"message"`
		History   []provider.Message `json:"conversation_history"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	if req.ProjectID == "" || req.Message == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "project_id and message are required", http.StatusBadRequest)
		return
	}

	p, err := h.projects.Get(r.Context(), req.ProjectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.writeError(r.Context(), w, "NOT_FOUND", "Project not found", http.StatusNotFound)
			return
		}
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	answer, err := h.engine.Ask(r.Context(), rag.Project{
		ID:              p.ID,
		Name:            p.Name,
		Municipality:    p.Municipality,
		Provider:        p.Provider,
		Model:           p.Model,
		APIKey:          p.APIKey,
		Temperature:     p.Temperature,
		MaxTokens:       p.MaxTokens,
		SystemPrompt:    p.SystemPrompt,
		EnableCitations: p.EnableCitations,
		ShowThinking:    p.ShowThinking,
	}, rag.Question{
		Text:    req.Message,
		History: req.History,
	})
	if err != nil {
		slog.Error("chat failed", "error", err, "project_id", req.ProjectID)
		h.writeError(r.Context(), w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(answer); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
