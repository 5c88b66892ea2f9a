package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/review-miner/internal/store"
)

// TaskRunStore is an in-memory store.TaskRunRepository.
type TaskRunStore struct {
	mu    sync.RWMutex
	runs  map[string]store.TaskRun
	stats map[string]map[string]*store.FetchStats
}

// NewTaskRunStore constructs a TaskRunStore.
func NewTaskRunStore() *TaskRunStore {
	return &TaskRunStore{
		runs:  make(map[string]store.TaskRun),
		stats: make(map[string]map[string]*store.FetchStats),
	}
}

// UpsertTaskStart records run as IN_PROGRESS. A repeated start keeps the
// original start time and counters.
func (s *TaskRunStore) UpsertTaskStart(_ context.Context, run store.TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.runs[run.TaskID]; ok {
		existing.Status = store.RunInProgress
		existing.FinishedAt = nil
		s.runs[run.TaskID] = existing
		return nil
	}
	run.Status = store.RunInProgress
	s.runs[run.TaskID] = run
	return nil
}

// CompleteTask stamps the terminal status of a run.
func (s *TaskRunStore) CompleteTask(
	_ context.Context,
	taskID string,
	finishedAt time.Time,
	status store.TaskRunStatus,
	maxErrorCode *int,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[taskID]
	if !ok {
		return fmt.Errorf("task run %q: %w", taskID, store.ErrNotFound)
	}
	run.FinishedAt = &finishedAt
	run.Status = status
	run.MaxErrorCode = maxErrorCode
	run.ErrorMessage = errMsg
	s.runs[taskID] = run
	return nil
}

// AddFetchStats applies deltas to the class aggregate and the run counters.
func (s *TaskRunStore) AddFetchStats(
	_ context.Context,
	taskID, statusClass string,
	deltaRequests, deltaItems int64,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byClass := s.stats[taskID]
	if byClass == nil {
		byClass = make(map[string]*store.FetchStats)
		s.stats[taskID] = byClass
	}
	st := byClass[statusClass]
	if st == nil {
		st = &store.FetchStats{TaskID: taskID, StatusClass: statusClass}
		byClass[statusClass] = st
	}
	st.Requests += deltaRequests
	st.Items += deltaItems
	if at.After(st.LastUpdate) {
		st.LastUpdate = at
	}

	if run, ok := s.runs[taskID]; ok {
		run.Requests += deltaRequests
		run.Items += deltaItems
		if failedClass(statusClass) {
			run.Failed += deltaRequests
		}
		s.runs[taskID] = run
	}
	return nil
}

func failedClass(class string) bool {
	switch class {
	case "4xx", "5xx", "failed":
		return true
	default:
		return false
	}
}

// GetTaskRun loads a run.
func (s *TaskRunStore) GetTaskRun(_ context.Context, taskID string) (store.TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[taskID]
	if !ok {
		return store.TaskRun{}, fmt.Errorf("task run %q: %w", taskID, store.ErrNotFound)
	}
	return run, nil
}

// ListTaskRuns returns runs newest first.
func (s *TaskRunStore) ListTaskRuns(
	_ context.Context,
	status *store.TaskRunStatus,
	limit, offset int,
) ([]store.TaskRun, error) {
	s.mu.RLock()
	runs := make([]store.TaskRun, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		runs = append(runs, run)
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].TaskID < runs[j].TaskID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if offset >= len(runs) {
		return []store.TaskRun{}, nil
	}
	runs = runs[offset:]
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}

// ListFetchStats returns the per-class aggregates of a task ordered by class.
func (s *TaskRunStore) ListFetchStats(_ context.Context, taskID string) ([]store.FetchStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.FetchStats, 0, len(s.stats[taskID]))
	for _, st := range s.stats[taskID] {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StatusClass < out[j].StatusClass })
	return out, nil
}
