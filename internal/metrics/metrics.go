// Package metrics provides Prometheus instrumentation for the ledger engine.
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
	// OrdersTotal counts orders by side and terminal status. Requests rejected
	// before an order row exists are counted with status REJECTED.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_orders_total",
		Help: "Total number of orders processed",
	}, []string{"side", "status"})

	// OrderLatency tracks submit-to-terminal latency.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_order_latency_seconds",
		Help:    "Order execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// LockConflicts counts account lock acquisitions that timed out.
	LockConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_lock_conflicts_total",
		Help: "Account lock waits that exceeded the lock timeout",
	})

	// FundingTotal counts deposits and withdrawals by type and outcome.
	FundingTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_funding_total",
		Help: "Deposits and withdrawals processed",
	}, []string{"type", "result"})

	// DividendPayments counts per-account dividend outcomes (paid, skipped, error).
	DividendPayments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_dividend_payments_total",
		Help: "Dividend payments by result",
	}, []string{"result"})

	// DividendAmount tracks cumulative dividend cash credited, in dollars.
	DividendAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_dividend_amount_total",
		Help: "Cumulative dividend amount credited",
	})

	// PendingSwept counts PENDING orders resolved to FAILED by the sweep.
	PendingSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_pending_swept_total",
		Help: "Stale PENDING orders resolved to FAILED",
	})

	// NotifyFailures counts events a sink could not deliver.
	NotifyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_notify_failures_total",
		Help: "Notification deliveries that failed or were dropped",
	}, []string{"sink"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
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

		// Label by route pattern so account and order IDs don't explode cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
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
