// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kneutral-org/lockguard/internal/guard"
)

var (
	// LockAcquisitions tracks acquisition attempts by executor and result.
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockguard_acquisitions_total",
			Help: "Total lock acquisition attempts by executor and result",
		},
		[]string{"executor", "result"},
	)

	// LockAcquireWait tracks how long callers waited for a lock.
	LockAcquireWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lockguard_acquire_wait_seconds",
			Help:    "Time spent acquiring locks in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"executor"},
	)

	// OperationDuration tracks guarded operation duration.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lockguard_operation_duration_seconds",
			Help:    "Guarded operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"executor", "outcome"},
	)

	// ReleaseFailures tracks locks that could not be released.
	ReleaseFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockguard_release_failures_total",
			Help: "Total lock release failures by executor",
		},
		[]string{"executor"},
	)

	// LocksHeld tracks locks currently held by this instance.
	LocksHeld = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lockguard_locks_held",
			Help: "Current number of locks held by executor",
		},
		[]string{"executor"},
	)

	// HTTPRequestsTotal tracks total guarded HTTP requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockguard_http_requests_total",
			Help: "Total guarded HTTP requests by path and status",
		},
		[]string{"path", "status"},
	)

	// GRPCRequestsTotal tracks total guarded gRPC requests.
	GRPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockguard_grpc_requests_total",
			Help: "Total guarded gRPC requests by method and code",
		},
		[]string{"method", "code"},
	)
)

// RegisterMetricsEndpoint registers the /metrics endpoint on a Gin router.
func RegisterMetricsEndpoint(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// RecordAcquire records an acquisition attempt.
func RecordAcquire(executor, result string, wait time.Duration) {
	LockAcquisitions.WithLabelValues(executor, result).Inc()
	LockAcquireWait.WithLabelValues(executor).Observe(wait.Seconds())
}

// RecordOperation records a finished guarded operation.
func RecordOperation(executor, outcome string, elapsed time.Duration) {
	OperationDuration.WithLabelValues(executor, outcome).Observe(elapsed.Seconds())
}

// RecordReleaseFailure records a failed release.
func RecordReleaseFailure(executor string) {
	ReleaseFailures.WithLabelValues(executor).Inc()
}

// RecordHTTPRequest records a guarded HTTP request.
func RecordHTTPRequest(path, status string) {
	HTTPRequestsTotal.WithLabelValues(path, status).Inc()
}

// RecordGRPCRequest records a guarded gRPC request.
func RecordGRPCRequest(method, code string) {
	GRPCRequestsTotal.WithLabelValues(method, code).Inc()
}

// Observer feeds guard events into the collectors above.
type Observer struct{}

var _ guard.Observer = Observer{}

// AcquireFinished implements guard.Observer.
func (Observer) AcquireFinished(executor string, result guard.AcquireResult, wait time.Duration) {
	RecordAcquire(executor, string(result), wait)
	if result == guard.AcquireResultAcquired {
		LocksHeld.WithLabelValues(executor).Inc()
	}
}

// OperationFinished implements guard.Observer.
func (Observer) OperationFinished(executor string, elapsed time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	RecordOperation(executor, outcome, elapsed)
}

// ReleaseFinished implements guard.Observer. The lock stays counted as held
// until its release has been attempted.
func (Observer) ReleaseFinished(executor string, err error) {
	LocksHeld.WithLabelValues(executor).Dec()
	if err != nil {
		RecordReleaseFailure(executor)
	}
}
