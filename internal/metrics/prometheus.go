// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Acquire outcomes.
const (
	AcquireGranted = "granted"
	AcquireDenied  = "denied"
	AcquireError   = "error"
)

// Leadership transitions.
const (
	TransitionGranted = "granted"
	TransitionRevoked = "revoked"
)

var (
	// LeaderStatus is 1 while this process leads the role, 0 otherwise.
	LeaderStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "leader_status",
			Help: "Whether this process currently holds leadership for a role (1) or not (0)",
		},
		[]string{"role"},
	)

	// LeaderTransitions tracks leadership grants and revocations.
	LeaderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leader_transitions_total",
			Help: "Total leadership transitions by role and transition",
		},
		[]string{"role", "transition"},
	)

	// LockStoreOperationDuration tracks lock store round-trip duration.
	LockStoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lock_store_operation_duration_seconds",
			Help:    "Lock store operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"backend", "operation"},
	)

	// LockStoreErrors tracks lock store failures.
	LockStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_store_errors_total",
			Help: "Total lock store errors by backend and operation",
		},
		[]string{"backend", "operation"},
	)

	// LockAcquireAttempts tracks acquire outcomes.
	LockAcquireAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_acquire_attempts_total",
			Help: "Total lock acquire attempts by backend and result",
		},
		[]string{"backend", "result"},
	)

	// LocksPurged tracks expired leases removed by the reaper.
	LocksPurged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locks_purged_total",
			Help: "Total expired leases removed by the reaper",
		},
		[]string{"region"},
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

	// GRPCRequestsTotal tracks total gRPC requests.
	GRPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_requests_total",
			Help: "Total gRPC requests by method and status",
		},
		[]string{"method", "status"},
	)

	// GRPCRequestDuration tracks gRPC request duration.
	GRPCRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

// RegisterMetricsEndpoint registers the /metrics endpoint on a Gin router.
func RegisterMetricsEndpoint(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// RegisterMetricsEndpointWithPath registers the metrics endpoint at a custom path.
func RegisterMetricsEndpointWithPath(router *gin.Engine, path string) {
	router.GET(path, gin.WrapH(promhttp.Handler()))
}

// MetricsHandler returns the Prometheus HTTP handler.
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// SetLeaderStatus sets the leader gauge for a role.
func SetLeaderStatus(role string, leader bool) {
	v := 0.0
	if leader {
		v = 1
	}
	LeaderStatus.WithLabelValues(role).Set(v)
}

// RecordLeaderTransition records a leadership grant or revocation.
func RecordLeaderTransition(role, transition string) {
	LeaderTransitions.WithLabelValues(role, transition).Inc()
}

// RecordLockStoreOperation records a lock store operation duration.
func RecordLockStoreOperation(backend, operation string, seconds float64) {
	LockStoreOperationDuration.WithLabelValues(backend, operation).Observe(seconds)
}

// RecordLockStoreError records a lock store failure.
func RecordLockStoreError(backend, operation string) {
	LockStoreErrors.WithLabelValues(backend, operation).Inc()
}

// RecordLockAcquire records the outcome of an acquire attempt.
func RecordLockAcquire(backend, result string) {
	LockAcquireAttempts.WithLabelValues(backend, result).Inc()
}

// RecordLocksPurged records leases removed by the reaper.
func RecordLocksPurged(region string, count int64) {
	LocksPurged.WithLabelValues(region).Add(float64(count))
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, path, status string) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(method, path string, seconds float64) {
	HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}

// RecordGRPCRequest records a gRPC request.
func RecordGRPCRequest(method, status string) {
	GRPCRequestsTotal.WithLabelValues(method, status).Inc()
}

// RecordGRPCRequestDuration records gRPC request duration.
func RecordGRPCRequestDuration(method string, seconds float64) {
	GRPCRequestDuration.WithLabelValues(method).Observe(seconds)
}
