package crawler

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/review-miner/internal/proxy"
)

// Fetcher executes one dispatch. It never returns an error: every request
// resolves to a response or a typed network failure.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) FetchOutcome
}

// Router builds proxied request URLs.
type Router interface {
	Route(target, provider string) (proxy.Request, error)
}

// Limiter paces dispatches. Wait blocks until url may be fetched.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// TaskStore persists task lifecycle state.
type TaskStore interface {
	CreateTask(ctx context.Context, rec TaskRecord) error
	MarkRunning(ctx context.Context, taskID string, startedAt time.Time) error
	CompleteTask(ctx context.Context, taskID string, result Result, recordsURI, errText string, finishedAt time.Time) error
	GetTask(ctx context.Context, taskID string) (TaskRecord, error)
}

// RecordStore persists the output records of a task.
type RecordStore interface {
	PutRecords(ctx context.Context, taskID string, records []OutputRecord) (string, error)
	GetRecords(ctx context.Context, taskID string) ([]OutputRecord, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// ErrQueueClosed is returned by a Queue that no longer yields items.
var ErrQueueClosed = errors.New("queue closed")

// Queue provides enqueue/dequeue semantics for crawl tasks.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs.
type IDGenerator interface {
	NewID() (string, error)
}
