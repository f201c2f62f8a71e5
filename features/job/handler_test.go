package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"townbrain/backend/features/source"
)

func newIngestRequest(t *testing.T, projectID, sourceID string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/api/projects/"+projectID+"/sources/"+sourceID+"/ingest", nil)
	r.SetPathValue("id", projectID)
	r.SetPathValue("sourceId", sourceID)
	return r
}

func TestIngestHandler_Accepted(t *testing.T) {
	svc := NewService(&stubRepo{}, &stubSources{byID: map[string]*source.Source{"s1": src("s1", "p1", true)}}, &stubPublisher{})
	h := NewHandler(svc)

	w := httptest.NewRecorder()
	h.Ingest(w, newIngestRequest(t, "p1", "s1"))

	assert.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		Data Job `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "job-1", resp.Data.ID)
	assert.Equal(t, StatusPending, resp.Data.Status)
}

func TestIngestHandler_ConflictCarriesExistingJobID(t *testing.T) {
	repo := &stubRepo{
		createErr: &pq.Error{Code: uniqueViolation},
		active:    &Job{ID: "job-active", SourceID: "s1", Status: StatusRunning},
	}
	svc := NewService(repo, &stubSources{byID: map[string]*source.Source{"s1": src("s1", "p1", true)}}, &stubPublisher{})
	h := NewHandler(svc)

	w := httptest.NewRecorder()
	h.Ingest(w, newIngestRequest(t, "p1", "s1"))

	assert.Equal(t, http.StatusConflict, w.Code)

	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
		Data struct {
			JobID string `json:"job_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "JOB_ALREADY_ACTIVE", resp.Error.Code)
	assert.Equal(t, "job-active", resp.Data.JobID)
}

func TestGetHandler_NotFound(t *testing.T) {
	svc := NewService(&notFoundRepo{}, &stubSources{}, &stubPublisher{})
	h := NewHandler(svc)

	r := httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil)
	r.SetPathValue("jobId", "missing")
	w := httptest.NewRecorder()
	h.Get(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetHandler_ReturnsJob(t *testing.T) {
	now := time.Now()
	svc := NewService(&getRepo{job: &Job{
		ID: "j1", SourceID: "s1", ProjectID: "p1",
		Status: StatusRunning, ProcessedItems: 3, TotalItems: 10,
		Message: "crawling page 3 of 10", CreatedAt: now, UpdatedAt: now,
	}}, &stubSources{}, &stubPublisher{})
	h := NewHandler(svc)

	r := httptest.NewRequest(http.MethodGet, "/api/jobs/j1", nil)
	r.SetPathValue("jobId", "j1")
	w := httptest.NewRecorder()
	h.Get(w, r)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data Job `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusRunning, resp.Data.Status)
	assert.Equal(t, 3, resp.Data.ProcessedItems)
	assert.Equal(t, 10, resp.Data.TotalItems)
}

type notFoundRepo struct{ Repository }

func (r *notFoundRepo) Get(ctx context.Context, id string) (*Job, error) {
	return nil, fmt.Errorf("load job %s: %w", id, sql.ErrNoRows)
}

type getRepo struct {
	Repository
	job *Job
}

func (r *getRepo) Get(ctx context.Context, id string) (*Job, error) { return r.job, nil }
