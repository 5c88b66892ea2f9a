package taxonomy

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-miner/internal/clock"
	"github.com/JakeFAU/review-miner/internal/hash"
)

// ErrorRecord is one immutable failure event.
type ErrorRecord struct {
	ErrorID       string    `json:"error_id"`
	Category      Category  `json:"error_type"`
	ReasonCode    int       `json:"error_code"`
	ReasonName    string    `json:"error_reason"`
	TaskID        string    `json:"task_id"`
	SubTaskID     string    `json:"sub_task_id,omitempty"`
	ScraperName   string    `json:"scraper_name,omitempty"`
	RequestURL    string    `json:"request_url"`
	ProxyURL      string    `json:"proxy_url,omitempty"`
	StatusCode    *int      `json:"status_code,omitempty"`
	ResponseURL   string    `json:"response_url,omitempty"`
	ExceptionText *string   `json:"exception,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Sink appends error records. Implementations must write each record as one
// unit so concurrent appends never interleave.
type Sink interface {
	Append(ctx context.Context, rec ErrorRecord) error
}

// Hasher derives error ids.
type Hasher interface {
	Sum(parts ...string) string
}

// Clock supplies record timestamps.
type Clock interface {
	Now() time.Time
}

// Scope identifies the task a Recorder records for.
type Scope struct {
	TaskID      string
	SubTaskID   string
	ScraperName string
}

// Entry describes one failure to record.
type Entry struct {
	Classification
	RequestURL  string
	ProxyURL    string
	ResponseURL string
	StatusCode  *int
	Err         error
	Message     string
}

// FieldSource exposes extracted fields by name.
type FieldSource interface {
	Field(name string) (any, bool)
}

// Recorder turns failures into ErrorRecords for one task and tracks the most
// severe reason seen. Record never fails the caller.
type Recorder struct {
	scope    Scope
	sink     Sink
	hasher   Hasher
	clock    Clock
	logger   *zap.Logger
	ranking  SeverityRanking
	observer func(ErrorRecord)

	mu           sync.Mutex
	mostSevere   Reason
	hasSevere    bool
	count        int
	sinkFailures int
}

// RecorderOption customizes a Recorder.
type RecorderOption func(*Recorder)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) RecorderOption {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithHasher overrides the error id hasher.
func WithHasher(h Hasher) RecorderOption {
	return func(r *Recorder) {
		if h != nil {
			r.hasher = h
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(c Clock) RecorderOption {
	return func(r *Recorder) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithSeverity overrides the severity ranking.
func WithSeverity(rank SeverityRanking) RecorderOption {
	return func(r *Recorder) {
		if rank != nil {
			r.ranking = rank
		}
	}
}

// WithObserver registers a callback invoked after every recorded failure.
func WithObserver(fn func(ErrorRecord)) RecorderOption {
	return func(r *Recorder) {
		r.observer = fn
	}
}

// NewRecorder builds a Recorder writing to sink.
func NewRecorder(scope Scope, sink Sink, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		scope:   scope,
		sink:    sink,
		hasher:  defaultHasher(),
		clock:   clock.New(),
		logger:  zap.NewNop(),
		ranking: LowestCodeFirst,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("task_id", scope.TaskID))
	return r
}

// ErrorID returns the deterministic id for a (request URL, reason) pair.
func (r *Recorder) ErrorID(requestURL string, reason Reason) string {
	return r.hasher.Sum(requestURL, reason.String())
}

// Record appends one ErrorRecord for e and returns it. Sink failures are
// logged and counted, never returned.
func (r *Recorder) Record(ctx context.Context, e Entry) ErrorRecord {
	if e.Category == "" {
		e.Category = e.Reason.Category()
	}
	rec := ErrorRecord{
		ErrorID:     r.ErrorID(e.RequestURL, e.Reason),
		Category:    e.Category,
		ReasonCode:  e.Reason.Code(),
		ReasonName:  e.Reason.String(),
		TaskID:      r.scope.TaskID,
		SubTaskID:   r.scope.SubTaskID,
		ScraperName: r.scope.ScraperName,
		RequestURL:  e.RequestURL,
		ProxyURL:    e.ProxyURL,
		StatusCode:  e.StatusCode,
		ResponseURL: e.ResponseURL,
		Timestamp:   r.clock.Now().UTC(),
	}
	switch {
	case e.Err != nil:
		text := e.Err.Error()
		rec.ExceptionText = &text
	case e.Message != "":
		text := e.Message
		rec.ExceptionText = &text
	}

	r.mu.Lock()
	r.count++
	if !r.hasSevere || r.ranking(e.Reason, r.mostSevere) {
		r.mostSevere = e.Reason
		r.hasSevere = true
	}
	r.mu.Unlock()

	if err := r.append(ctx, rec); err != nil {
		r.mu.Lock()
		r.sinkFailures++
		r.mu.Unlock()
		r.logger.Error("failed to append error record",
			zap.String("error_id", rec.ErrorID),
			zap.String("reason", rec.ReasonName),
			zap.Error(err))
	} else {
		r.logger.Info("error recorded",
			zap.String("category", string(rec.Category)),
			zap.String("reason", rec.ReasonName),
			zap.String("request_url", rec.RequestURL))
	}
	if r.observer != nil {
		r.observer(rec)
	}
	return rec
}

func (r *Recorder) append(ctx context.Context, rec ErrorRecord) (err error) {
	if r.sink == nil {
		return errors.New("no error sink configured")
	}
	defer func() {
		if p := recover(); p != nil {
			err = errors.New("error sink panicked")
		}
	}()
	// Records describing a cancelled fetch must still land.
	return r.sink.Append(context.WithoutCancel(ctx), rec)
}

// ValidateRequired returns the named field from src. A missing field is
// recorded as (Parsing, MissingAttribute) and reported with ok=false.
func (r *Recorder) ValidateRequired(ctx context.Context, src FieldSource, field, requestURL, proxyURL string) (any, bool) {
	if v, ok := src.Field(field); ok {
		return v, true
	}
	r.Record(ctx, Entry{
		Classification: Of(ReasonMissingAttribute),
		RequestURL:     requestURL,
		ProxyURL:       proxyURL,
		Message:        "Missing attribute: " + field,
	})
	return nil, false
}

// MostSevere returns the most severe reason recorded so far.
func (r *Recorder) MostSevere() (Reason, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mostSevere, r.hasSevere
}

// Count returns how many records were produced.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// SinkFailures returns how many records the sink rejected.
func (r *Recorder) SinkFailures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sinkFailures
}

func defaultHasher() Hasher {
	h, _ := hash.New(hash.MD5) //nolint:errcheck // built-in algorithm
	return h
}
