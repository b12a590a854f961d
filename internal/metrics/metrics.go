// Package metrics provides Prometheus instrumentation for the ledger engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewardgame/ledger-engine/internal/model"
)

var (
	// OrdersTotal counts position operations by action, side and result.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_orders_total",
		Help: "Total position operations",
	}, []string{"action", "side", "result"})

	// OrderLatency tracks open/close latency in seconds.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_order_latency_seconds",
		Help:    "Position operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	// Rejections counts requests refused before any write, by reason.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_rejections_total",
		Help: "Position requests rejected before mutation",
	}, []string{"reason"})

	// BookkeepingFailures counts vault or stats updates that failed after
	// the order itself was committed.
	BookkeepingFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_bookkeeping_failures_total",
		Help: "Post-commit vault/stats updates that failed",
	}, []string{"step"})

	// Compensations counts partial-failure rollbacks, by outcome.
	Compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_compensations_total",
		Help: "Compensating writes after a partial failure",
	}, []string{"step", "result"})

	// Volume tracks cumulative collateral traded, by side.
	Volume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_volume_total",
		Help: "Cumulative collateral volume in tokens",
	}, []string{"side"})

	// OpenPositions tracks positions opened by this instance and not yet settled.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_open_positions",
		Help: "Open positions seen by this instance",
	})

	// VaultBalance mirrors the vault counters after each settlement.
	VaultBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledger_vault_tokens",
		Help: "Vault counters in tokens",
	}, []string{"field"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveVault publishes a vault snapshot to the gauges.
func ObserveVault(v model.Vault) {
	VaultBalance.WithLabelValues(string(model.VaultFees)).Set(float64(v.Fees))
	VaultBalance.WithLabelValues(string(model.VaultDebt)).Set(float64(v.Debt))
	VaultBalance.WithLabelValues(string(model.VaultDeposits)).Set(float64(v.Deposits))
	VaultBalance.WithLabelValues(string(model.VaultCredit)).Set(float64(v.Credit))
}

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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the matched chi route so IDs in the path do not
// explode label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack passes through so WebSocket upgrades work behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
