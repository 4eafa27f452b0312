// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// TasksEnqueuedTotal counts tasks enqueued by registered function name.
	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		},
		[]string{"func"},
	)
	// TasksReservedTotal counts tasks claimed off a Backend by function name.
	TasksReservedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_reserved_total",
			Help: "Total number of tasks reserved for execution",
		},
		[]string{"func"},
	)
	// TasksSucceededTotal counts tasks that finished successfully.
	TasksSucceededTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_succeeded_total",
			Help: "Total number of tasks that completed successfully",
		},
		[]string{"func"},
	)
	// TasksFailedTotal counts tasks that finished in a failed state.
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_failed_total",
			Help: "Total number of tasks that completed with an error",
		},
		[]string{"func"},
	)
	// WorkerInflight is a gauge of tasks currently executing on a worker.
	WorkerInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_inflight",
			Help: "Number of tasks currently executing",
		},
	)
	// TaskDuration records task execution durations by function name.
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"func"},
	)

	// CircuitBreakerStatus tracks circuit breaker state.
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service", "operation"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(TasksReservedTotal)
	prometheus.MustRegister(TasksSucceededTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(WorkerInflight)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(CircuitBreakerStatus)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// RecordTaskEnqueued increments the enqueued-tasks counter for funcName.
func RecordTaskEnqueued(funcName string) {
	TasksEnqueuedTotal.WithLabelValues(funcName).Inc()
}

// RecordTaskReserved increments the reserved-tasks counter for funcName and
// the in-flight gauge.
func RecordTaskReserved(funcName string) {
	TasksReservedTotal.WithLabelValues(funcName).Inc()
	WorkerInflight.Inc()
}

// RecordTaskSuccess records a successful task completion: decrements the
// in-flight gauge, increments the success counter, and observes duration.
func RecordTaskSuccess(funcName string, duration time.Duration) {
	WorkerInflight.Dec()
	TasksSucceededTotal.WithLabelValues(funcName).Inc()
	TaskDuration.WithLabelValues(funcName).Observe(duration.Seconds())
}

// RecordTaskFailure records a failed task completion: decrements the
// in-flight gauge, increments the failure counter, and observes duration.
func RecordTaskFailure(funcName string, duration time.Duration) {
	WorkerInflight.Dec()
	TasksFailedTotal.WithLabelValues(funcName).Inc()
	TaskDuration.WithLabelValues(funcName).Observe(duration.Seconds())
}

// RecordCircuitBreakerStatus records circuit breaker state.
func RecordCircuitBreakerStatus(service, operation string, status int) {
	CircuitBreakerStatus.WithLabelValues(service, operation).Set(float64(status))
}
