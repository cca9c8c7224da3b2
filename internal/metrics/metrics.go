// Package metrics exposes Prometheus collectors for the crawl pipeline.
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

// Job outcomes recorded by ObserveJob.
const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeWatchdog = "watchdog"
	OutcomeRequeued = "requeued"
)

var (
	pagefleetPagesTotal          *prometheus.CounterVec
	pagefleetJobsTotal           *prometheus.CounterVec
	pagefleetBrowserStartsTotal  *prometheus.CounterVec
	pagefleetWireCallsTotal      *prometheus.CounterVec
	pagefleetQueueDepth          *prometheus.GaugeVec
	pagefleetActiveWorkers       prometheus.Gauge
	pagefleetBatchesWrittenTotal *prometheus.CounterVec
	pagefleetJobDurationSeconds  prometheus.Histogram
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagefleetPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagefleet_pages_total",
				Help: "Total number of pages visited, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		pagefleetJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagefleet_jobs_total",
				Help: "Total number of jobs handled by workers, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		pagefleetBrowserStartsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagefleet_browser_starts_total",
				Help: "Browser session starts, labeled by restart reason.",
			},
			[]string{"reason"},
		)

		pagefleetWireCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagefleet_wire_calls_total",
				Help: "Rendering engine commands sent, labeled by command and result.",
			},
			[]string{"command", "result"},
		)

		pagefleetQueueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pagefleet_queue_depth",
				Help: "Items buffered in the request and result queues.",
			},
			[]string{"queue"},
		)

		pagefleetActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagefleet_active_workers",
				Help: "Number of workers that have not stopped.",
			},
		)

		pagefleetBatchesWrittenTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagefleet_batches_written_total",
				Help: "Result batches handed to sinks, labeled by sink and result.",
			},
			[]string{"sink", "result"},
		)

		pagefleetJobDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pagefleet_job_duration_seconds",
				Help:    "Histogram of per-job extraction time.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 180, 600},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage records one visited page with its status label or code.
func ObservePage(site string, status string) {
	Init()
	pagefleetPagesTotal.WithLabelValues(SanitizeSite(site), status).Inc()
}

// ObserveJob increments the job counter for the given outcome.
func ObserveJob(outcome string, duration time.Duration) {
	Init()
	pagefleetJobsTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		pagefleetJobDurationSeconds.Observe(duration.Seconds())
	}
}

// ObserveBrowserStart records a browser (re)start for the given reason.
func ObserveBrowserStart(reason string) {
	Init()
	pagefleetBrowserStartsTotal.WithLabelValues(reason).Inc()
}

// ObserveWireCall records one engine command round trip.
func ObserveWireCall(command string, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	pagefleetWireCallsTotal.WithLabelValues(command, result).Inc()
}

// SetQueueDepth publishes the current occupancy of a named queue.
func SetQueueDepth(queue string, depth int) {
	Init()
	pagefleetQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	pagefleetActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	pagefleetActiveWorkers.Dec()
}

// ObserveBatchWritten records a sink write attempt.
func ObserveBatchWritten(sink string, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	pagefleetBatchesWrittenTotal.WithLabelValues(sink, result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
