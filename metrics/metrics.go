// Package metrics defines the Prometheus collectors shared by the supervisor
// and its workers. Each process exposes its own registry view.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

var (
	Invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runtime_invocations_total",
			Help: "Function invocations by outcome.",
		},
		[]string{"status"},
	)

	InvocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runtime_invocation_duration_seconds",
			Help:    "Wall-clock duration of function executions.",
			Buckets: prometheus.DefBuckets,
		},
	)

	CacheResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runtime_cache_resolutions_total",
			Help: "Function cache lookups by result.",
		},
		[]string{"result"},
	)

	RegistryFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runtime_registry_fetches_total",
			Help: "Registry fetches by result.",
		},
		[]string{"result"},
	)

	Compilations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runtime_compilations_total",
			Help: "TypeScript compilations by result.",
		},
		[]string{"result"},
	)

	PoolWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runtime_pool_workers",
			Help: "Live worker processes.",
		},
	)

	WorkerRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runtime_worker_restarts_total",
			Help: "Worker processes spawned to replace exited ones.",
		},
	)

	ExecutionTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runtime_execution_timeouts_total",
			Help: "Executions that exceeded their timeout and had their worker killed.",
		},
	)

	InflightExecutions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runtime_inflight_executions",
			Help: "Executions tracked by the supervisor.",
		},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runtime_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		Invocations,
		InvocationDuration,
		CacheResolutions,
		RegistryFetches,
		Compilations,
		PoolWorkers,
		WorkerRestarts,
		ExecutionTimeouts,
		InflightExecutions,
		httpRequestsTotal,
	)
}

// ObserveInvocation records the outcome of one execution
func ObserveInvocation(status int, took time.Duration) {
	Invocations.WithLabelValues(strconv.Itoa(status)).Inc()
	InvocationDuration.Observe(took.Seconds())
}

// Middleware counts every HTTP request by chi route pattern
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestsTotal.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(status)).Inc()
	})
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}
