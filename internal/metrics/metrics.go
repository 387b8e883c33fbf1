// Package metrics provides Prometheus instrumentation for the margin engine.
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
)

var (
	// OperationsTotal counts dispatched operations by kind and outcome
	// ("ok", or the risk error kind).
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_operations_total",
		Help: "Dispatched ledger operations by outcome",
	}, []string{"operation", "outcome"})

	// GateRejections counts operations refused by the safety gate.
	GateRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_gate_rejections_total",
		Help: "Operations rejected by the safety gate",
	}, []string{"kind"})

	// EvaluationLatency tracks snapshot-plus-gate time per operation.
	EvaluationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "margin_evaluation_seconds",
		Help:    "Risk evaluation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// OpenPositions tracks positions in the ledger after the last commit.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "margin_open_positions",
		Help: "Number of open positions",
	})

	// RiskEvents counts margin call and stop out events emitted.
	RiskEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_risk_events_total",
		Help: "Margin call and stop out events by subject",
	}, []string{"subject", "status"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "margin_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "margin_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern labels by chi route pattern, not raw path, so trader and
// position ids do not explode label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
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

// Hijack lets the WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
