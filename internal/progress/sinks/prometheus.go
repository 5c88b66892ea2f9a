package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/review-miner/internal/progress"
)

// PrometheusSink turns progress events into task and fetch collectors.
type PrometheusSink struct {
	tasksStarted  prometheus.Counter
	tasksFinished *prometheus.CounterVec
	tasksRunning  prometheus.Gauge
	taskRuntime   *prometheus.HistogramVec

	fetches       *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	items         prometheus.Counter

	mu      sync.Mutex
	running map[string]struct{}
}

// NewPrometheusSink registers the sink's collectors on reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reviewminer_progress_tasks_started_total",
			Help: "Crawl tasks started.",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reviewminer_progress_tasks_finished_total",
			Help: "Crawl tasks finished by result.",
		}, []string{"result"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reviewminer_progress_tasks_running",
			Help: "Crawl tasks currently running.",
		}),
		taskRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reviewminer_progress_task_runtime_seconds",
			Help:    "Wall time per finished task.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reviewminer_progress_fetches_total",
			Help: "Fetch completions by provider and status class.",
		}, []string{"provider", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reviewminer_progress_fetch_bytes_total",
			Help: "Response bytes by provider.",
		}, []string{"provider"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reviewminer_progress_fetch_duration_seconds",
			Help:    "Fetch latency by provider.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),
		items: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reviewminer_progress_items_total",
			Help: "Records produced by crawled pages.",
		}),
		running: make(map[string]struct{}),
	}
	for _, c := range []prometheus.Collector{
		s.tasksStarted, s.tasksFinished, s.tasksRunning, s.taskRuntime,
		s.fetches, s.fetchBytes, s.fetchDuration, s.items,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume implements progress.Sink.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageTaskStart:
			s.tasksStarted.Inc()
			if s.track(evt.TaskID, true) {
				s.tasksRunning.Inc()
			}
		case progress.StageTaskDone, progress.StageTaskError:
			result := "completed"
			if evt.Stage == progress.StageTaskError {
				result = "aborted"
			}
			s.tasksFinished.WithLabelValues(result).Inc()
			if evt.Dur > 0 {
				s.taskRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
			}
			if s.track(evt.TaskID, false) {
				s.tasksRunning.Dec()
			}
		case progress.StageFetchDone:
			provider := evt.Provider
			if provider == "" {
				provider = "unknown"
			}
			s.fetches.WithLabelValues(provider, string(evt.StatusClass)).Inc()
			if evt.Bytes > 0 {
				s.fetchBytes.WithLabelValues(provider).Add(float64(evt.Bytes))
			}
			if evt.Dur > 0 {
				s.fetchDuration.WithLabelValues(provider).Observe(evt.Dur.Seconds())
			}
		case progress.StageItem:
			s.items.Add(float64(evt.Items))
		}
	}
	return nil
}

// track flips the running state of a task and reports whether it changed.
func (s *PrometheusSink) track(taskID string, start bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[taskID]
	switch {
	case start && !ok:
		s.running[taskID] = struct{}{}
		return true
	case !start && ok:
		delete(s.running, taskID)
		return true
	}
	return false
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
