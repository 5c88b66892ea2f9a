package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/review-miner/internal/store"
)

// TaskRunStore implements store.TaskRunRepository over the task run and
// fetch stats tables.
type TaskRunStore struct {
	pool  Pool
	tasks string
	stats string
}

// NewTaskRunStore connects a pool from cfg.
func NewTaskRunStore(ctx context.Context, cfg Config) (*TaskRunStore, error) {
	pool, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s, err := NewTaskRunStoreWithPool(pool, cfg.TaskTable, cfg.StatsTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewTaskRunStoreWithPool constructs a store from an existing pool.
func NewTaskRunStoreWithPool(pool Pool, taskTable, statsTable string) (*TaskRunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	tasks, err := tableName(taskTable, DefaultTaskTable)
	if err != nil {
		return nil, err
	}
	stats, err := tableName(statsTable, DefaultStatsTable)
	if err != nil {
		return nil, err
	}
	return &TaskRunStore{pool: pool, tasks: tasks, stats: stats}, nil
}

// Close releases the underlying pool.
func (s *TaskRunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertTaskStart inserts the run as IN_PROGRESS. A repeated start keeps the
// original start time.
func (s *TaskRunStore) UpsertTaskStart(ctx context.Context, run store.TaskRun) error {
	query := fmt.Sprintf(`
INSERT INTO %s (task_id, sub_task_id, scraper_name, started_at, status)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (task_id) DO UPDATE
SET status = EXCLUDED.status, finished_at = NULL`, s.tasks)

	_, err := s.pool.Exec(ctx, query,
		run.TaskID,
		nullable(run.SubTaskID),
		nullable(run.ScraperName),
		run.StartedAt,
		string(store.RunInProgress),
	)
	if err != nil {
		return fmt.Errorf("upsert task start: %w", err)
	}
	return nil
}

// CompleteTask stamps the terminal status of a run.
func (s *TaskRunStore) CompleteTask(
	ctx context.Context,
	taskID string,
	finishedAt time.Time,
	status store.TaskRunStatus,
	maxErrorCode *int,
	errMsg *string,
) error {
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $1, status = $2, max_error_code = $3, error_message = $4
WHERE task_id = $5`, s.tasks)

	tag, err := s.pool.Exec(ctx, query, finishedAt, string(status), maxErrorCode, errMsg, taskID)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task run %q: %w", taskID, store.ErrNotFound)
	}
	return nil
}

// AddFetchStats upserts the class aggregate and bumps the run counters.
func (s *TaskRunStore) AddFetchStats(
	ctx context.Context,
	taskID, statusClass string,
	deltaRequests, deltaItems int64,
	at time.Time,
) error {
	statsQuery := fmt.Sprintf(`
INSERT INTO %[1]s (task_id, status_class, requests, items, last_update)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (task_id, status_class) DO UPDATE
SET requests = %[1]s.requests + EXCLUDED.requests,
	items = %[1]s.items + EXCLUDED.items,
	last_update = GREATEST(%[1]s.last_update, EXCLUDED.last_update)`, s.stats)

	if _, err := s.pool.Exec(ctx, statsQuery, taskID, statusClass, deltaRequests, deltaItems, at); err != nil {
		return fmt.Errorf("upsert fetch stats: %w", err)
	}

	var failed int64
	if failedClass(statusClass) {
		failed = deltaRequests
	}
	runQuery := fmt.Sprintf(`
UPDATE %s
SET requests = requests + $1, items = items + $2, failed = failed + $3
WHERE task_id = $4`, s.tasks)
	if _, err := s.pool.Exec(ctx, runQuery, deltaRequests, deltaItems, failed, taskID); err != nil {
		return fmt.Errorf("update task counters: %w", err)
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

func (s *TaskRunStore) selectRuns() string {
	return fmt.Sprintf(`
SELECT task_id, sub_task_id, scraper_name, started_at, finished_at, status,
	max_error_code, error_message, requests, items, failed
FROM %s`, s.tasks)
}

// GetTaskRun loads a run or returns store.ErrNotFound.
func (s *TaskRunStore) GetTaskRun(ctx context.Context, taskID string) (store.TaskRun, error) {
	row := s.pool.QueryRow(ctx, s.selectRuns()+"\nWHERE task_id = $1", taskID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.TaskRun{}, fmt.Errorf("task run %q: %w", taskID, store.ErrNotFound)
		}
		return store.TaskRun{}, fmt.Errorf("get task run: %w", err)
	}
	return run, nil
}

// ListTaskRuns pages through runs newest first. limit <= 0 means no limit.
func (s *TaskRunStore) ListTaskRuns(
	ctx context.Context,
	status *store.TaskRunStatus,
	limit, offset int,
) ([]store.TaskRun, error) {
	var statusArg *string
	if status != nil {
		v := string(*status)
		statusArg = &v
	}
	var limitArg *int64
	if limit > 0 {
		v := int64(limit)
		limitArg = &v
	}
	query := s.selectRuns() + `
WHERE ($1::text IS NULL OR status = $1)
ORDER BY started_at DESC, task_id
LIMIT $2 OFFSET $3`

	rows, err := s.pool.Query(ctx, query, statusArg, limitArg, offset)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	runs := []store.TaskRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task runs: %w", err)
	}
	return runs, nil
}

// ListFetchStats returns the per-class aggregates of a task ordered by class.
func (s *TaskRunStore) ListFetchStats(ctx context.Context, taskID string) ([]store.FetchStats, error) {
	query := fmt.Sprintf(`
SELECT task_id, status_class, requests, items, last_update
FROM %s
WHERE task_id = $1
ORDER BY status_class`, s.stats)

	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("list fetch stats: %w", err)
	}
	defer rows.Close()

	out := []store.FetchStats{}
	for rows.Next() {
		var st store.FetchStats
		if err := rows.Scan(&st.TaskID, &st.StatusClass, &st.Requests, &st.Items, &st.LastUpdate); err != nil {
			return nil, fmt.Errorf("scan fetch stats: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fetch stats: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (store.TaskRun, error) {
	var run store.TaskRun
	var subTaskID, scraper *string
	var status string
	err := row.Scan(
		&run.TaskID,
		&subTaskID,
		&scraper,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.MaxErrorCode,
		&run.ErrorMessage,
		&run.Requests,
		&run.Items,
		&run.Failed,
	)
	if err != nil {
		return store.TaskRun{}, err
	}
	run.SubTaskID = deref(subTaskID)
	run.ScraperName = deref(scraper)
	run.Status = store.TaskRunStatus(status)
	return run, nil
}
