// Package metrics provides Prometheus instrumentation for the house engine.
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
	// BetsCreated counts bets placed, partitioned by direction.
	BetsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optn_bets_created_total",
		Help: "Total number of bets placed",
	}, []string{"direction"})

	// BetsSettled counts resolved bets by outcome (won/lose).
	BetsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optn_bets_settled_total",
		Help: "Total number of bets settled",
	}, []string{"outcome"})

	// OperationLatency tracks engine operation latency, lock wait included.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optn_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// Rejections counts operations refused by the ledger, by reason code.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optn_rejections_total",
		Help: "Operations rejected by the ledger",
	}, []string{"op", "code"})

	// HouseLiquidity and HouseReserved expose per-house balances.
	HouseLiquidity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "optn_house_liquidity",
		Help: "House liquidity in base units",
	}, []string{"house"})

	HouseReserved = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "optn_house_reserved_liquidity",
		Help: "House liquidity reserved for pending bets in base units",
	}, []string{"house"})

	// NotifyFailures counts event batches a sink failed to deliver.
	NotifyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optn_notify_failures_total",
		Help: "Event batches a sink failed to deliver",
	}, []string{"sink"})

	// SweeperResults counts automatic settlement attempts by result.
	SweeperResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optn_sweeper_results_total",
		Help: "Automatic settlement attempts by result",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optn_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optn_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optn_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOp records the latency of one engine operation started at start.
func ObserveOp(op string, start time.Time) {
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
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
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
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

// Hijack lets WebSocket upgrades through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot be hijacked")
	}
	return h.Hijack()
}
