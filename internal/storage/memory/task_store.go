package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/review-miner/internal/crawler"
	"github.com/JakeFAU/review-miner/internal/store"
)

// ErrTaskExists is returned when a task id is submitted twice.
var ErrTaskExists = store.ErrTaskExists

// TaskStore provides an in-memory crawler.TaskStore.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]crawler.TaskRecord
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]crawler.TaskRecord)}
}

// CreateTask stores a new task record.
func (s *TaskStore) CreateTask(_ context.Context, rec crawler.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[rec.Task.TaskID]; exists {
		return fmt.Errorf("task %q: %w", rec.Task.TaskID, ErrTaskExists)
	}
	if rec.Status == "" {
		rec.Status = crawler.TaskStatusQueued
	}
	s.tasks[rec.Task.TaskID] = rec
	return nil
}

// MarkRunning moves a task to running.
func (s *TaskStore) MarkRunning(_ context.Context, taskID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %q: %w", taskID, store.ErrNotFound)
	}
	rec.Status = crawler.TaskStatusRunning
	if rec.StartedAt == nil {
		rec.StartedAt = pointerTime(startedAt)
	}
	s.tasks[taskID] = rec
	return nil
}

// CompleteTask stamps the terminal status and summary of a task.
func (s *TaskStore) CompleteTask(
	_ context.Context,
	taskID string,
	result crawler.Result,
	recordsURI string,
	errText string,
	finishedAt time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %q: %w", taskID, store.ErrNotFound)
	}
	rec.Status = result.Status
	rec.FinishedAt = pointerTime(finishedAt)
	rec.ErrorText = errText
	rec.MaxErrorCode = result.MaxErrorCode
	rec.ErrorCount = result.ErrorCount
	rec.RecordCount = len(result.Records)
	rec.RecordsURI = recordsURI
	summary := result.Summary
	rec.Summary = &summary
	s.tasks[taskID] = rec
	return nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(_ context.Context, taskID string) (crawler.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tasks[taskID]
	if !ok {
		return crawler.TaskRecord{}, fmt.Errorf("task %q: %w", taskID, store.ErrNotFound)
	}
	return rec, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t.UTC()
	return &ts
}
