package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	RegisterMetricsEndpoint(router)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# HELP")
}

func TestRegisterMetricsEndpointWithPath(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	RegisterMetricsEndpointWithPath(router, "/custom/metrics")

	req := httptest.NewRequest("GET", "/custom/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := MetricsHandler()

	require.NotNil(t, handler)
}

func TestSetLeaderStatus(t *testing.T) {
	SetLeaderStatus("metrics-test-role", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(LeaderStatus.WithLabelValues("metrics-test-role")))

	SetLeaderStatus("metrics-test-role", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(LeaderStatus.WithLabelValues("metrics-test-role")))
}

func TestRecordLeaderTransition(t *testing.T) {
	before := testutil.ToFloat64(LeaderTransitions.WithLabelValues("metrics-test-role", TransitionGranted))

	RecordLeaderTransition("metrics-test-role", TransitionGranted)
	RecordLeaderTransition("metrics-test-role", TransitionRevoked)

	assert.Equal(t, before+1, testutil.ToFloat64(LeaderTransitions.WithLabelValues("metrics-test-role", TransitionGranted)))
}

func TestRecordLockAcquire(t *testing.T) {
	before := testutil.ToFloat64(LockAcquireAttempts.WithLabelValues("memory", AcquireDenied))

	RecordLockAcquire("memory", AcquireDenied)
	RecordLockAcquire("memory", AcquireDenied)

	assert.Equal(t, before+2, testutil.ToFloat64(LockAcquireAttempts.WithLabelValues("memory", AcquireDenied)))
}

func TestRecordLockStoreError(t *testing.T) {
	before := testutil.ToFloat64(LockStoreErrors.WithLabelValues("redis", "acquire"))

	RecordLockStoreError("redis", "acquire")

	assert.Equal(t, before+1, testutil.ToFloat64(LockStoreErrors.WithLabelValues("redis", "acquire")))
}

func TestRecordLocksPurged(t *testing.T) {
	before := testutil.ToFloat64(LocksPurged.WithLabelValues("metrics-test-region"))

	RecordLocksPurged("metrics-test-region", 3)

	assert.Equal(t, before+3, testutil.ToFloat64(LocksPurged.WithLabelValues("metrics-test-region")))
}

func TestRecordLockStoreOperation(t *testing.T) {
	// This should not panic
	RecordLockStoreOperation("postgres", "acquire", 0.004)
	RecordLockStoreOperation("nats", "delete", 0.02)
}

func TestRecordHTTPRequest(t *testing.T) {
	// This should not panic
	RecordHTTPRequest("GET", "/api/v1/leader", "200")
	RecordHTTPRequest("POST", "/api/v1/leader/yield", "409")
}

func TestRecordHTTPRequestDuration(t *testing.T) {
	// This should not panic
	RecordHTTPRequestDuration("GET", "/api/v1/leader", 0.05)
}

func TestRecordGRPCRequest(t *testing.T) {
	// This should not panic
	RecordGRPCRequest("/grpc.health.v1.Health/Check", "OK")
	RecordGRPCRequestDuration("/grpc.health.v1.Health/Check", 0.001)
}

func TestMetricsAreRegistered(t *testing.T) {
	metrics := []prometheus.Collector{
		LeaderStatus,
		LeaderTransitions,
		LockStoreOperationDuration,
		LockStoreErrors,
		LockAcquireAttempts,
		LocksPurged,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		GRPCRequestsTotal,
		GRPCRequestDuration,
	}

	for _, metric := range metrics {
		assert.NotNil(t, metric)
	}
}
