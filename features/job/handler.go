package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"townbrain/backend/internal/middleware"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Ingest starts an ingestion run for one source. A source with a job
// already in flight answers 409 carrying that job's id.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	j, err := h.service.Enqueue(r.Context(), r.PathValue("id"), r.PathValue("sourceId"))
	if err != nil {
		var active *ActiveJobError
		switch {
		case errors.As(err, &active):
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			resp := map[string]interface{}{
				"error": map[string]string{
					"code":    "JOB_ALREADY_ACTIVE",
					"message": "An ingestion job is already running for this source",
				},
				"data":          map[string]string{"job_id": active.Existing.ID},
				"correlationId": middleware.GetCorrelationID(r.Context()),
			}
			if err := json.NewEncoder(w).Encode(resp); err != nil {
				slog.Error("failed to encode response", "error", err)
			}
		case errors.Is(err, sql.ErrNoRows):
			h.writeError(r.Context(), w, "NOT_FOUND", "Source not found", http.StatusNotFound)
		case strings.Contains(err.Error(), "does not belong"):
			h.writeError(r.Context(), w, "NOT_FOUND", "Source not found in this project", http.StatusNotFound)
		default:
			slog.Error("operation failed", "error", err)
			h.writeError(r.Context(), w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": j}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// SyncAll starts ingestion for every enabled source of the project.
func (h *Handler) SyncAll(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.service.SyncAll(r.Context(), r.PathValue("id"))
	if err != nil {
		slog.Error("sync-all failed", "error", err)
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []Job{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"data": jobs,
		"meta": map[string]int{"count": len(jobs)},
	}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	j, err := h.service.Get(r.Context(), r.PathValue("jobId"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.writeError(r.Context(), w, "NOT_FOUND", "Job not found", http.StatusNotFound)
			return
		}
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": j}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) ListAdmin(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = parsed
		}
	}

	jobs, err := h.service.ListRecent(r.Context(), limit)
	if err != nil {
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []Job{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"data": jobs,
		"meta": map[string]int{"count": len(jobs)},
	}); err != nil {
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
