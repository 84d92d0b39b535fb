// Package metrics exposes Prometheus collectors for the automation service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browsermill_jobs_total",
			Help: "Total number of jobs reaching a state, labeled by state.",
		},
		[]string{"state"},
	)

	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browsermill_attempts_total",
			Help: "Total number of execution attempts, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	liveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsermill_sessions_live",
			Help: "Number of live browser sessions, idle and busy.",
		},
	)

	acquireWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "browsermill_session_acquire_wait_seconds",
			Help:    "Histogram of waits for a free browser session.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsermill_queue_depth",
			Help: "Number of jobs queued and ready to run.",
		},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "browsermill_active_workers",
			Help: "Number of workers currently executing a job.",
		},
	)

	retriesScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "browsermill_retries_scheduled_total",
			Help: "Total number of backoff retries scheduled.",
		},
	)

	sessionsQuarantined = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "browsermill_sessions_quarantined_total",
			Help: "Total number of sessions forcibly quarantined.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browsermill_http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "browsermill_http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the job counter for the given state.
func ObserveJob(state string) {
	jobsTotal.WithLabelValues(state).Inc()
}

// ObserveAttempt increments the attempt counter for the given outcome.
func ObserveAttempt(outcome string) {
	attemptsTotal.WithLabelValues(outcome).Inc()
}

// SetLiveSessions records the current live session count.
func SetLiveSessions(n int) {
	liveSessions.Set(float64(n))
}

// ObserveAcquireWait records how long an acquire waited for a session.
func ObserveAcquireWait(d time.Duration) {
	acquireWaitSeconds.Observe(d.Seconds())
}

// SetQueueDepth records the current ready-queue depth.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRetryScheduled counts a scheduled backoff retry.
func ObserveRetryScheduled() {
	retriesScheduled.Inc()
}

// ObserveQuarantine counts a quarantined session.
func ObserveQuarantine() {
	sessionsQuarantined.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
