// Package metrics provides Prometheus instrumentation for the settlement engine.
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
	// SettlementsTotal counts settlement attempts by terminal outcome:
	// settled, duplicate, rejected, failed.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_settlements_total",
		Help: "Total settlement attempts by outcome",
	}, []string{"outcome"})

	// SettlementRetries counts transient-failure retries of settlement
	// commits.
	SettlementRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_settlement_retries_total",
		Help: "Settlement attempts retried after a transient failure",
	})

	// SettlementDuration tracks end-to-end settlement latency, from event
	// pickup to committed changeset.
	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settle_settlement_duration_seconds",
		Help:    "Settlement processing latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// LockWaitDuration tracks time spent waiting to acquire the resource
	// lock set for a settlement.
	LockWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settle_lock_wait_seconds",
		Help:    "Time waiting for settlement resource locks in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
	})

	// QueueDepth tracks the number of settlement events waiting for a
	// worker.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settle_queue_depth",
		Help: "Settlement events queued and not yet picked up",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settle_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
