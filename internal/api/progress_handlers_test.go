package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	storageMemory "github.com/JakeFAU/review-miner/internal/storage/memory"
	"github.com/JakeFAU/review-miner/internal/store"
)

func seededRuns(t *testing.T) *storageMemory.TaskRunStore {
	t.Helper()

	ctx := context.Background()
	repo := storageMemory.NewTaskRunStore()
	base := time.Unix(1_700_000_000, 0).UTC()
	require.NoError(t, repo.UpsertTaskStart(ctx, store.TaskRun{TaskID: "run-a", StartedAt: base}))
	require.NoError(t, repo.UpsertTaskStart(ctx, store.TaskRun{TaskID: "run-b", StartedAt: base.Add(time.Minute)}))
	code := 503
	msg := "proxy exhausted"
	require.NoError(t, repo.CompleteTask(ctx, "run-a", base.Add(2*time.Minute), store.RunFailed, &code, &msg))
	require.NoError(t, repo.AddFetchStats(ctx, "run-b", "2xx", 3, 12, base.Add(time.Minute)))
	require.NoError(t, repo.AddFetchStats(ctx, "run-b", "5xx", 1, 0, base.Add(time.Minute)))
	return repo
}

func withTaskIDParam(r *http.Request, taskID string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("task_id", taskID)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestProgressHandlerListRuns(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(seededRuns(t), zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/api/runs?status=failed&limit=10", nil)
	rec := httptest.NewRecorder()

	handler.ListRuns(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []runDTO `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	require.Equal(t, "run-a", body.Runs[0].TaskID)
	require.Equal(t, "FAILED", body.Runs[0].Status)
	require.NotNil(t, body.Runs[0].MaxErrorCode)
	require.Equal(t, 503, *body.Runs[0].MaxErrorCode)
}

func TestProgressHandlerListRunsRejectsFilters(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(seededRuns(t), zap.NewNop())
	for _, target := range []string{"/api/runs?status=paused", "/api/runs?limit=-1", "/api/runs?offset=x"} {
		rec := httptest.NewRecorder()
		handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestProgressHandlerGetRun(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(seededRuns(t), zap.NewNop())

	rec := httptest.NewRecorder()
	handler.GetRun(rec, withTaskIDParam(httptest.NewRequest(http.MethodGet, "/api/runs/run-b", nil), "run-b"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"IN_PROGRESS"`)

	rec = httptest.NewRecorder()
	handler.GetRun(rec, withTaskIDParam(httptest.NewRequest(http.MethodGet, "/api/runs/nope", nil), "nope"))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProgressHandlerListRunStats(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(seededRuns(t), zap.NewNop())
	rec := httptest.NewRecorder()
	handler.ListRunStats(rec, withTaskIDParam(httptest.NewRequest(http.MethodGet, "/api/runs/run-b/stats", nil), "run-b"))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Stats []statsDTO `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Stats, 2)
	require.Equal(t, "2xx", body.Stats[0].StatusClass)
	require.EqualValues(t, 12, body.Stats[0].Items)
}

func TestProgressHandlerUnavailable(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(nil, nil)
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProgressHandlerRepoError(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(failingRuns{}, zap.NewNop())
	rec := httptest.NewRecorder()
	handler.GetRun(rec, withTaskIDParam(httptest.NewRequest(http.MethodGet, "/api/runs/x", nil), "x"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

type failingRuns struct {
	store.TaskRunRepository
}

func (failingRuns) GetTaskRun(context.Context, string) (store.TaskRun, error) {
	return store.TaskRun{}, errors.New("db down")
}
