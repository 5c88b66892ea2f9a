package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-miner/internal/store"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	progressTimeout = 3 * time.Second
)

// ProgressHandler exposes read-only task run endpoints.
type ProgressHandler struct {
	repo    store.TaskRunRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewProgressHandler wires the repository and logger.
func NewProgressHandler(repo store.TaskRunRepository, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		repo:    repo,
		timeout: progressTimeout,
		logger:  logger,
	}
}

// ListRuns handles GET /api/runs?status=&limit=&offset=. It returns
// {"runs": [...]} on success, 400 for invalid filters, 503 when no repository
// is configured, or 500 if the repository call fails.
func (h *ProgressHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "task run repository unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.TaskRunStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, parseErr := parseStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &parsed
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.repo.ListTaskRuns(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list task runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list task runs")
		return
	}
	out := make([]runDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// GetRun handles GET /api/runs/{task_id}. 404 when the repository reports
// store.ErrNotFound.
func (h *ProgressHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "task run repository unavailable")
		return
	}
	taskID, err := parseTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetTaskRun(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task run not found")
			return
		}
		h.logger.Error("get task run failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load task run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

// ListRunStats handles GET /api/runs/{task_id}/stats.
func (h *ProgressHandler) ListRunStats(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "task run repository unavailable")
		return
	}
	taskID, err := parseTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	stats, err := h.repo.ListFetchStats(ctx, taskID)
	if err != nil {
		h.logger.Error("list fetch stats failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list fetch stats")
		return
	}
	out := make([]statsDTO, 0, len(stats))
	for _, st := range stats {
		out = append(out, statsDTO{
			StatusClass: st.StatusClass,
			Requests:    st.Requests,
			Items:       st.Items,
			LastUpdate:  st.LastUpdate,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": out})
}

func parseTaskID(r *http.Request) (string, error) {
	taskID := strings.TrimSpace(chi.URLParam(r, "task_id"))
	if taskID == "" {
		return "", errors.New("task_id is required")
	}
	return taskID, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (store.TaskRunStatus, error) {
	switch strings.ToLower(input) {
	case "in_progress", "running":
		return store.RunInProgress, nil
	case "completed", "success":
		return store.RunCompleted, nil
	case "failed", "error":
		return store.RunFailed, nil
	default:
		return "", errors.New("invalid status")
	}
}

func toRunDTO(run store.TaskRun) runDTO {
	return runDTO{
		TaskID:       run.TaskID,
		SubTaskID:    run.SubTaskID,
		ScraperName:  run.ScraperName,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
		Status:       string(run.Status),
		MaxErrorCode: run.MaxErrorCode,
		Error:        run.ErrorMessage,
		Requests:     run.Requests,
		Items:        run.Items,
		Failed:       run.Failed,
	}
}

type runDTO struct {
	TaskID       string     `json:"task_id"`
	SubTaskID    string     `json:"sub_task_id,omitempty"`
	ScraperName  string     `json:"scraper_name,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Status       string     `json:"status"`
	MaxErrorCode *int       `json:"max_error_code,omitempty"`
	Error        *string    `json:"error,omitempty"`
	Requests     int64      `json:"requests"`
	Items        int64      `json:"items"`
	Failed       int64      `json:"failed"`
}

type statsDTO struct {
	StatusClass string    `json:"status_class"`
	Requests    int64     `json:"requests"`
	Items       int64     `json:"items"`
	LastUpdate  time.Time `json:"last_update"`
}
