// Package metrics provides Prometheus instrumentation for the portfolio
// engine.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesReconciled counts ledger changes applied by setTrades,
	// partitioned by action.
	TradesReconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_engine_trades_reconciled_total",
		Help: "Total trade changes applied by the ledger reconciler",
	}, []string{"action"}) // added, modified, removed

	// ReconcileLatency tracks setTrades duration.
	ReconcileLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "portfolio_engine_reconcile_latency_seconds",
		Help:    "Ledger reconciliation latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// ActiveSubscriptions tracks open streaming subscriptions by kind.
	ActiveSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "portfolio_engine_active_subscriptions",
		Help: "Number of open streaming subscriptions",
	}, []string{"kind"}) // holdings, portfolio, lots

	// UpdateBatches counts update batches delivered to subscribers.
	UpdateBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_engine_update_batches_total",
		Help: "Update batches delivered to subscribers",
	}, []string{"kind"})

	// SuppressedBatches counts batches fully suppressed by the diff engine.
	SuppressedBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_engine_suppressed_batches_total",
		Help: "Update batches suppressed because no requested field changed",
	}, []string{"kind"})

	// BusEvents counts invalidation bus events published.
	BusEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_engine_bus_events_total",
		Help: "Invalidation events published",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_engine_http_request_duration_seconds",
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

// Hijack passes through so websocket upgrades work behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}
