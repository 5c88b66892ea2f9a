// Package dispatcher fans queued tasks out to a pool of workers.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-miner/internal/crawler"
	"github.com/JakeFAU/review-miner/internal/worker"
)

// tryEnqueuer is implemented by queues that can refuse work instead of
// blocking the caller.
type tryEnqueuer interface {
	TryEnqueue(item crawler.QueueItem) error
}

// Dispatcher owns the queue and the workers draining it.
type Dispatcher struct {
	queue   crawler.Queue
	workers []*worker.Worker
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(queue crawler.Queue, workers []*worker.Worker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{queue: queue, workers: workers, logger: logger.Named("dispatcher")}
}

// Run starts every worker and blocks until all of them return, which happens
// when ctx ends or the queue closes.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("starting workers", zap.Int("workers", len(d.workers)))
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
	d.logger.Info("workers stopped")
}

// Enqueue hands item to the queue. Queues supporting TryEnqueue reject the item
// immediately when full so API callers are never parked.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if q, ok := d.queue.(tryEnqueuer); ok {
		if err := q.TryEnqueue(item); err != nil {
			return fmt.Errorf("queue enqueue: %w", err)
		}
		return nil
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Workers reports the pool size.
func (d *Dispatcher) Workers() int {
	return len(d.workers)
}
