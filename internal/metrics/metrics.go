// Package metrics exposes Prometheus collectors for the review-miner service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal                 *prometheus.CounterVec
	errorsTotal                *prometheus.CounterVec
	dispatchesTotal            *prometheus.CounterVec
	fallbacksTotal             prometheus.Counter
	variantsTotal              *prometheus.CounterVec
	errorSinkFailuresTotal     prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors on the default registry. Repeated calls are
// no-ops; the Observe helpers call it themselves.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "reviewminer_tasks_total",
			Help: "Crawl tasks finished, labeled by terminal status.",
		}, []string{"status"})

		errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "reviewminer_errors_total",
			Help: "Error records produced, labeled by category and reason.",
		}, []string{"category", "reason"})

		dispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "reviewminer_dispatches_total",
			Help: "Proxied fetch attempts, labeled by provider and outcome.",
		}, []string{"provider", "outcome"})

		fallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "reviewminer_fallbacks_total",
			Help: "Dispatches retried through the fallback provider.",
		})

		variantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "reviewminer_variants_total",
			Help: "Variant ids discovered on detail pages, labeled by decision.",
		}, []string{"decision"})

		errorSinkFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "reviewminer_error_sink_failures_total",
			Help: "Error records the configured sink failed to persist.",
		})

		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"})

		httpRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"})

		activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "reviewminer_active_workers",
			Help: "Workers currently running a task.",
		})

		rateLimitDelaysSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reviewminer_rate_limit_delays_seconds",
			Help:    "Time spent waiting on per-host rate limits.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"host"})
	})
}

// SanitizeHost extracts a lowercase hostname from rawURL, or "unknown".
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask counts a finished task.
func ObserveTask(status string) {
	Init()
	tasksTotal.WithLabelValues(status).Inc()
}

// ObserveError counts one error record.
func ObserveError(category, reason string) {
	Init()
	errorsTotal.WithLabelValues(category, reason).Inc()
}

// ObserveErrorSinkFailure counts a record the sink rejected.
func ObserveErrorSinkFailure() {
	Init()
	errorSinkFailuresTotal.Inc()
}

// ObserveDispatch counts a fetch attempt. outcome is "ok", "network_error" or
// "routing_error".
func ObserveDispatch(provider, outcome string) {
	Init()
	dispatchesTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveFallback counts a switch to the fallback provider.
func ObserveFallback() {
	Init()
	fallbacksTotal.Inc()
}

// ObserveVariant counts a variant decision: "dispatched", "seen" or "over_limit".
func ObserveVariant(decision string) {
	Init()
	variantsTotal.WithLabelValues(decision).Inc()
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records a rate limit wait for host.
func ObserveRateLimitDelay(host string, d time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(d.Seconds())
}
