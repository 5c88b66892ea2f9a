package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-miner/internal/progress"
	"github.com/JakeFAU/review-miner/internal/store"
)

type completeCall struct {
	taskID  string
	status  store.TaskRunStatus
	maxCode *int
	note    *string
}

type statsCall struct {
	taskID, class   string
	requests, items int64
}

type fakeTaskRunRepo struct {
	starts    []store.TaskRun
	completes []completeCall
	stats     []statsCall
	err       error
}

func (f *fakeTaskRunRepo) UpsertTaskStart(_ context.Context, run store.TaskRun) error {
	if f.err != nil {
		return f.err
	}
	f.starts = append(f.starts, run)
	return nil
}

func (f *fakeTaskRunRepo) CompleteTask(
	_ context.Context, taskID string, _ time.Time, status store.TaskRunStatus, maxCode *int, note *string,
) error {
	f.completes = append(f.completes, completeCall{taskID, status, maxCode, note})
	return nil
}

func (f *fakeTaskRunRepo) AddFetchStats(_ context.Context, taskID, class string, requests, items int64, _ time.Time) error {
	f.stats = append(f.stats, statsCall{taskID, class, requests, items})
	return nil
}

func (f *fakeTaskRunRepo) GetTaskRun(context.Context, string) (store.TaskRun, error) {
	return store.TaskRun{}, store.ErrNotFound
}

func (f *fakeTaskRunRepo) ListTaskRuns(context.Context, *store.TaskRunStatus, int, int) ([]store.TaskRun, error) {
	return nil, nil
}

func (f *fakeTaskRunRepo) ListFetchStats(context.Context, string) ([]store.FetchStats, error) {
	return nil, nil
}

func TestStoreSinkPersistsLifecycle(t *testing.T) {
	t.Parallel()

	repo := &fakeTaskRunRepo{}
	sink := NewStoreSink(repo, "pdp", nil)
	now := time.Now()
	batch := []progress.Event{
		{TaskID: "t1", SubTaskID: "c1", Stage: progress.StageTaskStart, TS: now},
		{TaskID: "t1", Stage: progress.StageFetchDone, URL: "u1", StatusClass: progress.Status2xx, Items: 2, TS: now},
		{TaskID: "t1", Stage: progress.StageFetchDone, URL: "u2", StatusClass: progress.Status2xx, Items: 1, TS: now},
		{TaskID: "t1", Stage: progress.StageFetchDone, URL: "u3", StatusClass: progress.Status4xx, TS: now},
		{TaskID: "t1", Stage: progress.StageTaskDone, MaxErrorCode: 301, TS: now.Add(time.Second)},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Len(t, repo.starts, 1)
	require.Equal(t, "pdp", repo.starts[0].ScraperName)
	require.Equal(t, "c1", repo.starts[0].SubTaskID)
	require.Equal(t, store.RunInProgress, repo.starts[0].Status)

	require.Equal(t, []statsCall{
		{"t1", "2xx", 2, 3},
		{"t1", "4xx", 1, 0},
	}, repo.stats)

	require.Len(t, repo.completes, 1)
	require.Equal(t, store.RunCompleted, repo.completes[0].status)
	require.Equal(t, 301, *repo.completes[0].maxCode)
	require.Nil(t, repo.completes[0].note)
}

func TestStoreSinkTaskError(t *testing.T) {
	t.Parallel()

	repo := &fakeTaskRunRepo{}
	sink := NewStoreSink(repo, "listing", nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{TaskID: "t2", Stage: progress.StageTaskError, Note: "all branches aborted", TS: time.Now()},
	})
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, repo.completes[0].status)
	require.Nil(t, repo.completes[0].maxCode)
	require.Equal(t, "all branches aborted", *repo.completes[0].note)
}

func TestStoreSinkSurfacesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeTaskRunRepo{err: errors.New("db down")}
	sink := NewStoreSink(repo, "pdp", nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{TaskID: "t3", Stage: progress.StageTaskStart, TS: time.Now()},
	})
	require.ErrorContains(t, err, "db down")
}
