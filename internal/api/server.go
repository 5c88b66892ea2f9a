package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-miner/internal/crawler"
	"github.com/JakeFAU/review-miner/internal/id"
	"github.com/JakeFAU/review-miner/internal/metrics"
	"github.com/JakeFAU/review-miner/internal/store"
	"github.com/JakeFAU/review-miner/internal/taxonomy"
)

const (
	defaultRequestTimeout = 60 * time.Second
	enqueueTimeout        = 5 * time.Second
	maxSeedURLs           = 100
)

// Enqueuer accepts queued tasks. *dispatcher.Dispatcher satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, item crawler.QueueItem) error
}

// ErrorLister reads recorded error records back by task.
type ErrorLister interface {
	ListErrors(ctx context.Context, taskID string) ([]taxonomy.ErrorRecord, error)
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Options carries optional collaborators and toggles.
type Options struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
	Errors         ErrorLister
	Runs           store.TaskRunRepository
	Readiness      map[string]ReadinessCheck
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router   chi.Router
	tasks    crawler.TaskStore
	records  crawler.RecordStore
	enqueuer Enqueuer
	idGen    crawler.IDGenerator
	clock    crawler.Clock
	opts     Options
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	tasks crawler.TaskStore,
	records crawler.RecordStore,
	enqueuer Enqueuer,
	idGen crawler.IDGenerator,
	clock crawler.Clock,
	opts Options,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		tasks:    tasks,
		records:  records,
		enqueuer: enqueuer,
		idGen:    idGen,
		clock:    clock,
		opts:     opts,
		logger:   logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/v1/tasks", func(r chi.Router) {
			r.Post("/", s.submitTask)
			r.Route("/{task_id}", func(r chi.Router) {
				r.Get("/status", s.getTaskStatus)
				r.Get("/result", s.getTaskResult)
				r.Get("/errors", s.getTaskErrors)
			})
		})
		runs := NewProgressHandler(opts.Runs, s.logger)
		r.Route("/api/runs", func(r chi.Router) {
			r.Get("/", runs.ListRuns)
			r.Get("/{task_id}", runs.GetRun)
			r.Get("/{task_id}/stats", runs.ListRunStats)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failures := map[string]string{}
	for name, check := range s.opts.Readiness {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitTaskRequest struct {
	TaskID    string   `json:"task_id"`
	SubTaskID string   `json:"sub_task_id"`
	Kind      string   `json:"kind"`
	URLs      []string `json:"urls"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	task, err := s.toTask(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := s.clock.Now()
	if err := s.tasks.CreateTask(r.Context(), crawler.TaskRecord{
		Task:        task,
		Status:      crawler.TaskStatusQueued,
		SubmittedAt: now,
	}); err != nil {
		if errors.Is(err, store.ErrTaskExists) {
			writeError(w, http.StatusConflict, "task already exists")
			return
		}
		s.logger.Error("create task failed", zap.String("task_id", task.TaskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store task")
		return
	}

	queueCtx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	item := crawler.QueueItem{Task: task, Attempt: 1, Submitted: now.Unix()}
	if err := s.enqueuer.Enqueue(queueCtx, item); err != nil {
		s.logger.Error("enqueue task failed", zap.String("task_id", task.TaskID), zap.Error(err))
		s.abandon(r.Context(), task.TaskID, err)
		writeError(w, http.StatusServiceUnavailable, "task queue unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": task.TaskID})
}

// abandon closes out a task that was stored but never queued.
func (s *Server) abandon(ctx context.Context, taskID string, cause error) {
	result := crawler.Result{TaskID: taskID, Status: crawler.TaskStatusAborted}
	errText := fmt.Sprintf("enqueue: %v", cause)
	if err := s.tasks.CompleteTask(ctx, taskID, result, "", errText, s.clock.Now()); err != nil {
		s.logger.Warn("abandon task failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (s *Server) toTask(req submitTaskRequest) (crawler.Task, error) {
	kind, err := crawler.ParseKind(req.Kind)
	if err != nil {
		return crawler.Task{}, err
	}
	if len(req.URLs) > maxSeedURLs {
		return crawler.Task{}, fmt.Errorf("at most %d urls per task", maxSeedURLs)
	}
	taskID := strings.TrimSpace(req.TaskID)
	if taskID != "" {
		if err := id.Validate(taskID); err != nil {
			return crawler.Task{}, err
		}
	} else {
		taskID, err = s.idGen.NewID()
		if err != nil {
			return crawler.Task{}, fmt.Errorf("generate task id: %w", err)
		}
	}
	task := crawler.Task{
		TaskID:    taskID,
		SubTaskID: strings.TrimSpace(req.SubTaskID),
		Kind:      kind,
		SeedURLs:  req.URLs,
	}
	if err := task.Validate(); err != nil {
		return crawler.Task{}, err
	}
	return task, nil
}

func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (crawler.TaskRecord, bool) {
	taskID := chi.URLParam(r, "task_id")
	rec, err := s.tasks.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return crawler.TaskRecord{}, false
		}
		s.logger.Error("get task failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return crawler.TaskRecord{}, false
	}
	return rec, true
}

func (s *Server) getTaskStatus(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": rec})
}

type taskResult struct {
	Task    crawler.TaskRecord     `json:"task"`
	Records []crawler.OutputRecord `json:"records"`
}

func (s *Server) getTaskResult(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if !rec.Status.Terminal() {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "task not finished", "status": rec.Status})
		return
	}
	records := []crawler.OutputRecord{}
	if rec.RecordsURI != "" {
		got, err := s.records.GetRecords(r.Context(), rec.Task.TaskID)
		if err != nil {
			s.logger.Error("get records failed", zap.String("task_id", rec.Task.TaskID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load records")
			return
		}
		records = got
	}
	writeJSON(w, http.StatusOK, taskResult{Task: rec, Records: records})
}

func (s *Server) getTaskErrors(w http.ResponseWriter, r *http.Request) {
	if s.opts.Errors == nil {
		writeError(w, http.StatusNotImplemented, "error records are not readable from the configured sink")
		return
	}
	rec, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	errs, err := s.opts.Errors.ListErrors(r.Context(), rec.Task.TaskID)
	if err != nil {
		s.logger.Error("list errors failed", zap.String("task_id", rec.Task.TaskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list errors")
		return
	}
	if errs == nil {
		errs = []taxonomy.ErrorRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": errs})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
