// Package memory provides the in-process task queue feeding the dispatcher.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/review-miner/internal/crawler"
)

var (
	// ErrClosed is returned once the queue has been closed.
	ErrClosed = crawler.ErrQueueClosed
	// ErrFull is returned by TryEnqueue when no slot is free.
	ErrFull = errors.New("queue full")
)

// Queue is a bounded FIFO of tasks.
type Queue struct {
	ch   chan crawler.QueueItem
	done chan struct{}
	once sync.Once

	// mu guards closed against concurrent sends.
	mu     sync.RWMutex
	closed bool
}

// NewQueue returns a queue holding at most capacity waiting tasks.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		ch:   make(chan crawler.QueueItem, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue blocks until the item is accepted, the queue closes or ctx ends.
func (q *Queue) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue task %s: %w", item.Task.TaskID, ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- item:
		return nil
	}
}

// TryEnqueue accepts the item only if a slot is free.
func (q *Queue) TryEnqueue(item crawler.QueueItem) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrFull
	}
}

// Dequeue returns the oldest item. After Close it drains what is left and then
// returns ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	select {
	case <-ctx.Done():
		return crawler.QueueItem{}, fmt.Errorf("dequeue: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return crawler.QueueItem{}, ErrClosed
		}
		return item, nil
	}
}

// Len reports the number of waiting items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting items. Safe to call more than once.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.done)
		q.mu.Lock()
		defer q.mu.Unlock()
		q.closed = true
		close(q.ch)
	})
}
