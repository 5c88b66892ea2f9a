// Package signals aggregates per-task crawl telemetry.
//
// An Aggregator belongs to exactly one task. It only observes: nothing the
// crawl decides depends on its counters.
package signals

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/review-miner/internal/clock"
	"github.com/JakeFAU/review-miner/internal/progress"
)

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

// Counters are the raw per-task tallies.
type Counters struct {
	RequestsScheduled       int `json:"requests_scheduled"`
	RequestsDropped         int `json:"requests_dropped"`
	RequestsReachedDispatch int `json:"requests_reached_dispatch"`
	RequestsLeftDispatch    int `json:"requests_left_dispatch"`
	ResponsesWithItems      int `json:"responses_200_with_items"`
	ResponsesNoItems        int `json:"responses_200_no_items"`
	ResponsesNon200         int `json:"responses_non_200"`
	ItemsScraped            int `json:"items_scraped"`
	ItemsDropped            int `json:"items_dropped"`
	SuccessfulRequests      int `json:"successful_requests"`
	FailedRequests          int `json:"failed_requests"`
}

// URLStatus is the last known outcome of one URL.
type URLStatus struct {
	URL    string `json:"url"`
	Status string `json:"status"`
	Items  int    `json:"items"`
}

// Summary is the final telemetry of one task.
type Summary struct {
	TaskID     string    `json:"task_id"`
	SubTaskID  string    `json:"sub_task_id,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Duration   float64   `json:"duration_seconds"`
	TotalURLs  int       `json:"total_urls"`
	// SuccessfulNoItems lists URLs answered with 200 that yielded no items.
	SuccessfulNoItems []string    `json:"successful_no_items"`
	FailedRequests    int         `json:"failed_requests"`
	Counters          Counters    `json:"counters"`
	URLs              []URLStatus `json:"urls"`
}

// Status values for URLs that never produced an HTTP response.
const (
	StatusNetworkFailure = "network_failure"
	StatusRoutingFailure = "routing_failure"
	StatusDropped        = "dropped"
)

// Aggregator accumulates Counters for one task. It is safe for concurrent use
// by the variant sub-crawls of that task.
type Aggregator struct {
	taskID    string
	subTaskID string
	clock     Clock
	emitter   progress.Emitter

	mu       sync.Mutex
	started  time.Time
	counters Counters
	urls     map[string]*URLStatus
	order    []string
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(a *Aggregator) {
		if c != nil {
			a.clock = c
		}
	}
}

// WithEmitter forwards lifecycle events to e.
func WithEmitter(e progress.Emitter) Option {
	return func(a *Aggregator) {
		if e != nil {
			a.emitter = e
		}
	}
}

// New returns an Aggregator for one task.
func New(taskID, subTaskID string, opts ...Option) *Aggregator {
	a := &Aggregator{
		taskID:    taskID,
		subTaskID: subTaskID,
		clock:     clock.New(),
		emitter:   progress.Discard{},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.reset()
	return a
}

func (a *Aggregator) reset() {
	a.started = a.clock.Now()
	a.counters = Counters{}
	a.urls = make(map[string]*URLStatus)
	a.order = nil
}

// Start resets all counters and marks the task start.
func (a *Aggregator) Start() {
	a.mu.Lock()
	a.reset()
	ts := a.started
	a.mu.Unlock()
	a.emit(progress.Event{Stage: progress.StageTaskStart, TS: ts})
}

// RequestScheduled counts a request entering the crawl.
func (a *Aggregator) RequestScheduled(string) {
	a.mu.Lock()
	a.counters.RequestsScheduled++
	a.mu.Unlock()
}

// RequestDropped counts a request that will not be dispatched. A URL that
// already has an outcome keeps it.
func (a *Aggregator) RequestDropped(url, reason string) {
	a.mu.Lock()
	a.counters.RequestsDropped++
	if _, known := a.urls[url]; !known {
		a.setStatus(url, StatusDropped, 0)
	}
	a.mu.Unlock()
	a.emit(progress.Event{Stage: progress.StageFetchDone, URL: url, StatusClass: progress.StatusFailed, Note: reason})
}

// ReachedDispatch counts a request handed to the fetch layer.
func (a *Aggregator) ReachedDispatch(url, provider string) {
	a.mu.Lock()
	a.counters.RequestsReachedDispatch++
	a.mu.Unlock()
	a.emit(progress.Event{Stage: progress.StageFetchStart, URL: url, Provider: provider})
}

// LeftDispatch counts a request returning from the fetch layer. status is 0
// when no HTTP response arrived. A failed attempt is not a failed request
// until DispatchFailed says so, since a fallback may still succeed.
func (a *Aggregator) LeftDispatch(url, provider string, status int, bytes int64, dur time.Duration) {
	a.mu.Lock()
	a.counters.RequestsLeftDispatch++
	if status == 0 {
		a.setStatus(url, StatusNetworkFailure, 0)
	}
	a.mu.Unlock()
	a.emit(progress.Event{
		Stage:       progress.StageFetchDone,
		URL:         url,
		Provider:    provider,
		StatusCode:  status,
		StatusClass: progress.ClassifyStatus(status),
		Bytes:       bytes,
		Dur:         dur,
	})
}

// DispatchFailed counts url as failed once every dispatch attempt for it
// has ended without an HTTP response.
func (a *Aggregator) DispatchFailed(url string) {
	a.mu.Lock()
	a.counters.FailedRequests++
	a.setStatus(url, StatusNetworkFailure, 0)
	a.mu.Unlock()
}

// RoutingFailed records a URL whose request could not be routed.
func (a *Aggregator) RoutingFailed(url string) {
	a.mu.Lock()
	a.counters.FailedRequests++
	a.setStatus(url, StatusRoutingFailure, 0)
	a.mu.Unlock()
}

// ResponseReceived records an HTTP response for url with the number of items
// extracted from it.
func (a *Aggregator) ResponseReceived(url string, status, items int) {
	a.mu.Lock()
	switch {
	case status != 200:
		a.counters.ResponsesNon200++
		a.counters.FailedRequests++
	case items > 0:
		a.counters.ResponsesWithItems++
		a.counters.SuccessfulRequests++
	default:
		a.counters.ResponsesNoItems++
		a.counters.SuccessfulRequests++
	}
	a.setStatus(url, strconv.Itoa(status), items)
	a.mu.Unlock()
}

// ItemsScraped counts n records produced from url.
func (a *Aggregator) ItemsScraped(url string, n int) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	a.counters.ItemsScraped += n
	a.mu.Unlock()
	a.emit(progress.Event{Stage: progress.StageItem, URL: url, Items: n})
}

// ItemsDropped counts n records discarded from url.
func (a *Aggregator) ItemsDropped(_ string, n int) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	a.counters.ItemsDropped += n
	a.mu.Unlock()
}

// Snapshot returns the current counters.
func (a *Aggregator) Snapshot() Counters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counters
}

// Finish builds the task Summary and emits the terminal event. completed
// selects TASK_DONE over TASK_ERROR. maxErrorCode is 0 when the task had no
// recorded failures.
func (a *Aggregator) Finish(completed bool, maxErrorCode int, note string) Summary {
	a.mu.Lock()
	now := a.clock.Now()
	s := Summary{
		TaskID:            a.taskID,
		SubTaskID:         a.subTaskID,
		StartedAt:         a.started,
		FinishedAt:        now,
		Duration:          now.Sub(a.started).Seconds(),
		TotalURLs:         len(a.order),
		SuccessfulNoItems: []string{},
		FailedRequests:    a.counters.FailedRequests,
		Counters:          a.counters,
		URLs:              make([]URLStatus, 0, len(a.order)),
	}
	for _, u := range a.order {
		st := *a.urls[u]
		s.URLs = append(s.URLs, st)
		if st.Status == "200" && st.Items == 0 {
			s.SuccessfulNoItems = append(s.SuccessfulNoItems, u)
		}
	}
	a.mu.Unlock()
	sort.Strings(s.SuccessfulNoItems)

	stage := progress.StageTaskDone
	if !completed {
		stage = progress.StageTaskError
	}
	a.emit(progress.Event{
		Stage:        stage,
		TS:           now,
		Items:        s.Counters.ItemsScraped,
		Dur:          now.Sub(s.StartedAt),
		MaxErrorCode: maxErrorCode,
		Note:         note,
	})
	return s
}

// setStatus must be called with mu held.
func (a *Aggregator) setStatus(url, status string, items int) {
	st, ok := a.urls[url]
	if !ok {
		st = &URLStatus{URL: url}
		a.urls[url] = st
		a.order = append(a.order, url)
	}
	st.Status = status
	st.Items = items
}

func (a *Aggregator) emit(evt progress.Event) {
	evt.TaskID = a.taskID
	evt.SubTaskID = a.subTaskID
	if evt.TS.IsZero() {
		evt.TS = a.clock.Now()
	}
	a.emitter.Emit(evt)
}
