package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested task or task run does not exist.
var ErrNotFound = errors.New("not found")

// ErrTaskExists is returned when a task id is submitted twice.
var ErrTaskExists = errors.New("task already exists")

// TaskRunStatus mirrors the task_runs.status column.
type TaskRunStatus string

// Persisted task run statuses.
const (
	RunInProgress TaskRunStatus = "IN_PROGRESS"
	RunCompleted  TaskRunStatus = "COMPLETED"
	RunFailed     TaskRunStatus = "FAILED"
)

// TaskRun is one row of task_runs.
type TaskRun struct {
	TaskID      string
	SubTaskID   string
	ScraperName string
	StartedAt   time.Time
	// FinishedAt stays nil while the run is in progress.
	FinishedAt *time.Time
	Status     TaskRunStatus
	// MaxErrorCode is the most severe reason code seen, nil when error free.
	MaxErrorCode *int
	ErrorMessage *string
	Requests     int64
	Items        int64
	Failed       int64
}

// FetchStats aggregates fetch outcomes of one task per status class.
type FetchStats struct {
	TaskID      string
	StatusClass string
	Requests    int64
	Items       int64
	LastUpdate  time.Time
}

// TaskRunRepository persists task lifecycles and fetch aggregates.
type TaskRunRepository interface {
	// UpsertTaskStart records run as IN_PROGRESS; repeated starts are idempotent.
	UpsertTaskStart(ctx context.Context, run TaskRun) error
	// CompleteTask stamps the terminal status of a run.
	CompleteTask(
		ctx context.Context,
		taskID string,
		finishedAt time.Time,
		status TaskRunStatus,
		maxErrorCode *int,
		errMsg *string,
	) error
	// AddFetchStats applies request and item deltas for one status class.
	AddFetchStats(ctx context.Context, taskID, statusClass string, deltaRequests, deltaItems int64, at time.Time) error
	// GetTaskRun loads a run or returns ErrNotFound.
	GetTaskRun(ctx context.Context, taskID string) (TaskRun, error)
	// ListTaskRuns pages through runs, newest first, optionally filtered by status.
	ListTaskRuns(ctx context.Context, status *TaskRunStatus, limit, offset int) ([]TaskRun, error)
	// ListFetchStats returns the per-class aggregates of a task.
	ListFetchStats(ctx context.Context, taskID string) ([]FetchStats, error)
}
