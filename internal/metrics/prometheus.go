// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LockAcquireTotal tracks acquire requests by mode and outcome.
	LockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_acquire_total",
			Help: "Total lock acquire requests by mode and result",
		},
		[]string{"mode", "result"},
	)

	// LockAcquireDuration tracks how long acquire requests take, including the wait.
	LockAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lock_acquire_duration_seconds",
			Help:    "Lock acquire duration in seconds, including time spent waiting",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 15, 30, 60},
		},
		[]string{"mode"},
	)

	// LockHeldDuration tracks how long locks are held before release.
	LockHeldDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lock_held_duration_seconds",
			Help:    "Time between lock grant and release in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"mode"},
	)

	// LockReleaseTotal tracks releases by outcome.
	LockReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_release_total",
			Help: "Total lock releases by result",
		},
		[]string{"result"},
	)

	// LockSessionsActive tracks sessions currently holding a dedicated connection.
	LockSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lock_sessions_active",
			Help: "Current number of open lock sessions",
		},
	)

	// LockStoreRetries tracks retried store calls.
	LockStoreRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_store_retries_total",
			Help: "Total store calls retried after a transient failure, by operation",
		},
		[]string{"operation"},
	)

	// LockProtocolErrors tracks store answers outside the locking protocol.
	LockProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_protocol_errors_total",
			Help: "Total locking protocol errors by operation",
		},
		[]string{"operation"},
	)

	// LockStoreUp reports whether the last health probe reached the store.
	LockStoreUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lock_store_up",
			Help: "1 if the last health probe reached the lock store, 0 otherwise",
		},
	)

	// HTTPRequestsTotal tracks total HTTP requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// RegisterMetricsEndpoint registers the /metrics endpoint on a Gin router.
func RegisterMetricsEndpoint(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// MetricsHandler returns the Prometheus HTTP handler.
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// RecordAcquire records an acquire request and its duration.
func RecordAcquire(mode, result string, seconds float64) {
	LockAcquireTotal.WithLabelValues(mode, result).Inc()
	LockAcquireDuration.WithLabelValues(mode).Observe(seconds)
}

// RecordLockHeld records how long a lock was held.
func RecordLockHeld(mode string, seconds float64) {
	LockHeldDuration.WithLabelValues(mode).Observe(seconds)
}

// RecordRelease records a release outcome.
func RecordRelease(result string) {
	LockReleaseTotal.WithLabelValues(result).Inc()
}

// RecordStoreRetry records a retried store call.
func RecordStoreRetry(operation string) {
	LockStoreRetries.WithLabelValues(operation).Inc()
}

// RecordProtocolError records a protocol error.
func RecordProtocolError(operation string) {
	LockProtocolErrors.WithLabelValues(operation).Inc()
}

// SetStoreUp sets the store health gauge.
func SetStoreUp(up bool) {
	if up {
		LockStoreUp.Set(1)
		return
	}
	LockStoreUp.Set(0)
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, path, status string) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(method, path string, seconds float64) {
	HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}
