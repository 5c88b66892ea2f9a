package crawler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/review-miner/internal/signals"
	"github.com/JakeFAU/review-miner/internal/taxonomy"
)

// EntityKind selects the extraction callback and the pagination or
// expansion policy of a task.
type EntityKind string

// Supported entity kinds.
const (
	KindListing       EntityKind = "listing"
	KindProductDetail EntityKind = "product_detail"
	KindReview        EntityKind = "review"
)

// ErrUnknownKind is returned when an entity kind is not recognized.
var ErrUnknownKind = errors.New("unknown entity kind")

// ParseKind converts a user supplied kind into an EntityKind.
func ParseKind(s string) (EntityKind, error) {
	switch k := EntityKind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindListing, KindProductDetail, KindReview:
		return k, nil
	case "detail", "product":
		return KindProductDetail, nil
	case "reviews":
		return KindReview, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Paginates reports whether pages of this kind follow next-page links.
func (k EntityKind) Paginates() bool {
	return k == KindListing || k == KindReview
}

// Task is one unit of crawl work. It is immutable once submitted.
type Task struct {
	TaskID    string     `json:"task_id"`
	SubTaskID string     `json:"sub_task_id,omitempty"`
	Kind      EntityKind `json:"kind"`
	SeedURLs  []string   `json:"seed_urls"`
}

// Validate checks that the task can be run.
func (t Task) Validate() error {
	if strings.TrimSpace(t.TaskID) == "" {
		return errors.New("task id is required")
	}
	if _, err := ParseKind(string(t.Kind)); err != nil {
		return err
	}
	if len(t.SeedURLs) == 0 {
		return errors.New("at least one seed url is required")
	}
	for _, raw := range t.SeedURLs {
		if strings.TrimSpace(raw) == "" {
			return errors.New("seed urls must not be blank")
		}
	}
	return nil
}

// TaskStatus is the lifecycle state of a task. Branches reuse the two
// terminal values.
type TaskStatus string

// Task status values.
const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusAborted   TaskStatus = "aborted"
)

// Terminal reports whether no further transitions can happen.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusAborted
}

// FetchRequest is one dispatch handed to the fetch substrate.
type FetchRequest struct {
	TaskID string
	// URL is the proxied URL actually requested.
	URL string
	// TargetURL is the page the proxy is asked to fetch.
	TargetURL string
	Provider  string
}

// Success is a fetch that produced an HTTP response of any status.
type Success struct {
	StatusCode int
	FinalURL   string
	Body       []byte
}

// NetworkFailure is a fetch that produced no HTTP response.
type NetworkFailure struct {
	Kind taxonomy.FailureKind
	Err  error
}

// Error implements error.
func (f *NetworkFailure) Error() string {
	if f.Err == nil {
		return string(f.Kind) + " failure"
	}
	return fmt.Sprintf("%s failure: %v", f.Kind, f.Err)
}

// Unwrap exposes the transport error.
func (f *NetworkFailure) Unwrap() error { return f.Err }

// FetchOutcome is exactly one of Success or Failure.
type FetchOutcome struct {
	Success  *Success
	Failure  *NetworkFailure
	Duration time.Duration
}

// Succeeded reports whether an HTTP response arrived.
func (o FetchOutcome) Succeeded() bool {
	return o.Success != nil
}

// Respond builds a successful outcome.
func Respond(status int, finalURL string, body []byte) FetchOutcome {
	return FetchOutcome{Success: &Success{StatusCode: status, FinalURL: finalURL, Body: body}}
}

// Fail builds a network failure outcome.
func Fail(kind taxonomy.FailureKind, err error) FetchOutcome {
	return FetchOutcome{Failure: &NetworkFailure{Kind: kind, Err: err}}
}

// Record types emitted by a crawl.
const (
	RecordPage = "page"
	RecordItem = "item"
)

// OutputRecord is one field map produced from a parsed page.
type OutputRecord struct {
	TaskID      string         `json:"task_id"`
	SubTaskID   string         `json:"sub_task_id,omitempty"`
	Kind        EntityKind     `json:"kind"`
	Type        string         `json:"type"`
	Branch      string         `json:"branch"`
	RequestURL  string         `json:"request_url"`
	ResponseURL string         `json:"response_url"`
	PageNumber  int            `json:"page_number"`
	VariantOf   string         `json:"variant_of,omitempty"`
	EntityID    string         `json:"entity_id,omitempty"`
	Fields      map[string]any `json:"fields"`
}

// BranchOutcome describes how one branch terminated.
type BranchOutcome struct {
	Branch     string     `json:"branch"`
	RequestURL string     `json:"request_url"`
	EntityID   string     `json:"entity_id,omitempty"`
	PageNumber int        `json:"page_number"`
	VariantOf  string     `json:"variant_of,omitempty"`
	Status     TaskStatus `json:"status"`
	Provider   string     `json:"provider,omitempty"`
	Dispatches int        `json:"dispatches"`
	// Reason names the recorded failure that aborted the branch.
	Reason string `json:"reason,omitempty"`
}

// Result is the terminal output of one task run.
type Result struct {
	TaskID   string          `json:"task_id"`
	Status   TaskStatus      `json:"status"`
	Records  []OutputRecord  `json:"records"`
	Branches []BranchOutcome `json:"branches"`
	Summary  signals.Summary `json:"summary"`
	// MaxErrorCode is the code of the most severe recorded reason, 0 when none.
	MaxErrorCode int `json:"max_error_code"`
	ErrorCount   int `json:"error_count"`
}

// TaskRecord is the persisted view of a submitted task.
type TaskRecord struct {
	Task         Task             `json:"task"`
	Status       TaskStatus       `json:"status"`
	SubmittedAt  time.Time        `json:"submitted_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	ErrorText    string           `json:"error_text,omitempty"`
	MaxErrorCode int              `json:"max_error_code"`
	ErrorCount   int              `json:"error_count"`
	RecordCount  int              `json:"record_count"`
	RecordsURI   string           `json:"records_uri,omitempty"`
	Summary      *signals.Summary `json:"summary,omitempty"`
}

// QueueItem wraps a task ready to run.
type QueueItem struct {
	Task      Task
	Attempt   int
	Submitted int64
}
