// Package metrics exposes Prometheus collectors for the proxy and worker services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
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

	proxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchproxy_requests_total",
			Help: "Proxied requests, labeled by result and cache outcome.",
		},
		[]string{"result", "cache"},
	)

	proxyFailoversTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fetchproxy_failovers_total",
			Help: "Dispatch attempts that moved on to another worker.",
		},
	)

	workerHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fetchproxy_worker_healthy",
			Help: "1 when the registry considers the worker healthy, 0 otherwise.",
		},
		[]string{"worker"},
	)

	workerFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchproxy_worker_fetches_total",
			Help: "Fetch RPCs served by this worker, labeled by outcome.",
		},
		[]string{"worker", "outcome"},
	)

	upstreamBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchproxy_upstream_bytes_total",
			Help: "Bytes fetched from origin servers, labeled by domain.",
		},
		[]string{"domain"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fetchproxy_rate_limit_delay_seconds",
			Help:    "Histogram of per-domain rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	accessLogDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fetchproxy_access_log_dropped_total",
			Help: "Access records dropped because the log buffer was full.",
		},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveProxyRequest counts a completed proxy request.
func ObserveProxyRequest(result, cache string) {
	proxyRequestsTotal.WithLabelValues(result, cache).Inc()
}

// IncFailover counts one failover step.
func IncFailover() {
	proxyFailoversTotal.Inc()
}

// SetWorkerHealthy publishes the registry's view of a worker.
func SetWorkerHealthy(workerID string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	workerHealthy.WithLabelValues(workerID).Set(v)
}

// ObserveWorkerFetch counts a fetch served by workerID.
func ObserveWorkerFetch(workerID, outcome string) {
	workerFetchesTotal.WithLabelValues(workerID, outcome).Inc()
}

// ObserveUpstreamBytes records bytes read from an origin.
func ObserveUpstreamBytes(domain string, n int) {
	if n > 0 {
		upstreamBytesTotal.WithLabelValues(domain).Add(float64(n))
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// IncAccessLogDropped counts an access record lost to back-pressure.
func IncAccessLogDropped() {
	accessLogDroppedTotal.Inc()
}
