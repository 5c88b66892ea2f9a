// Package worker runs queued crawl tasks through the machine and persists
// their results.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-miner/internal/crawler"
	"github.com/JakeFAU/review-miner/internal/metrics"
)

// Runner executes one task. *crawler.Machine satisfies it.
type Runner interface {
	Run(ctx context.Context, task crawler.Task) crawler.Result
}

// Config controls Worker behavior.
type Config struct {
	// Topic receives one completion event per task. Empty disables publishing.
	Topic string
	// TaskTimeout bounds a single task run. Zero means no bound.
	TaskTimeout time.Duration
}

// CompletionEvent is published when a task reaches a terminal state.
type CompletionEvent struct {
	TaskID       string             `json:"task_id"`
	SubTaskID    string             `json:"sub_task_id,omitempty"`
	Kind         crawler.EntityKind `json:"kind"`
	Status       crawler.TaskStatus `json:"status"`
	RecordCount  int                `json:"record_count"`
	RecordsURI   string             `json:"records_uri,omitempty"`
	MaxErrorCode int                `json:"max_error_code"`
	ErrorCount   int                `json:"error_count"`
	ErrorText    string             `json:"error_text,omitempty"`
	FinishedAt   time.Time          `json:"finished_at"`
}

// Attributes exposes routing attributes for subscription filters.
func (e CompletionEvent) Attributes() map[string]string {
	return map[string]string{
		"task_id": e.TaskID,
		"status":  string(e.Status),
		"kind":    string(e.Kind),
	}
}

// Worker consumes queue items one at a time.
type Worker struct {
	queue     crawler.Queue
	tasks     crawler.TaskStore
	records   crawler.RecordStore
	publisher crawler.Publisher
	runner    Runner
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. publisher may be nil.
func New(
	queue crawler.Queue,
	tasks crawler.TaskStore,
	records crawler.RecordStore,
	publisher crawler.Publisher,
	runner Runner,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		tasks:     tasks,
		records:   records,
		publisher: publisher,
		runner:    runner,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until ctx ends or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued task", zap.String("task_id", item.Task.TaskID))
		w.Process(ctx, item)
	}
}

// Process runs one task end to end: mark running, crawl, store records,
// complete and publish.
func (w *Worker) Process(ctx context.Context, item crawler.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	task := item.Task
	logger := w.logger.With(zap.String("task_id", task.TaskID), zap.String("kind", string(task.Kind)))

	if err := w.tasks.MarkRunning(ctx, task.TaskID, w.clock.Now()); err != nil {
		logger.Error("mark task running failed", zap.Error(err))
		aborted := crawler.Result{TaskID: task.TaskID, Status: crawler.TaskStatusAborted}
		w.finish(ctx, logger, task, aborted, "", fmt.Sprintf("mark running: %v", err))
		return
	}

	runCtx := ctx
	if w.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.cfg.TaskTimeout)
		defer cancel()
	}
	result := w.runner.Run(runCtx, task)

	errText := ""
	uri, err := w.records.PutRecords(ctx, task.TaskID, result.Records)
	if err != nil {
		logger.Error("store records failed", zap.Error(err))
		errText = fmt.Sprintf("store records: %v", err)
	}

	w.finish(ctx, logger, task, result, uri, errText)
}

// finish stamps the terminal status of task and publishes its completion.
func (w *Worker) finish(
	ctx context.Context,
	logger *zap.Logger,
	task crawler.Task,
	result crawler.Result,
	uri, errText string,
) {
	finishedAt := w.clock.Now()
	if err := w.tasks.CompleteTask(ctx, task.TaskID, result, uri, errText, finishedAt); err != nil {
		logger.Error("complete task failed", zap.Error(err))
		return
	}

	event := CompletionEvent{
		TaskID:       task.TaskID,
		SubTaskID:    task.SubTaskID,
		Kind:         task.Kind,
		Status:       result.Status,
		RecordCount:  len(result.Records),
		RecordsURI:   uri,
		MaxErrorCode: result.MaxErrorCode,
		ErrorCount:   result.ErrorCount,
		ErrorText:    errText,
		FinishedAt:   finishedAt,
	}
	if err := w.publish(ctx, event); err != nil {
		logger.Warn("publish completion failed", zap.Error(err))
	}
	logger.Info("task processed",
		zap.String("status", string(result.Status)),
		zap.Int("records", len(result.Records)),
		zap.Int("errors", result.ErrorCount),
		zap.Int("max_error_code", result.MaxErrorCode),
	)
}

func (w *Worker) publish(ctx context.Context, event CompletionEvent) error {
	if w.cfg.Topic == "" || w.publisher == nil {
		return nil
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		return fmt.Errorf("publish completion: %w", err)
	}
	return nil
}
