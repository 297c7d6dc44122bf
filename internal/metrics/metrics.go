// Package metrics provides Prometheus instrumentation for the arbitrage engine.
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
	// OpportunitiesDetected counts profitable opportunities seen.
	OpportunitiesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arb_opportunities_detected_total",
		Help: "Profitable arbitrage opportunities detected",
	})

	// PositionsCreated counts positions opened, partitioned by exit strategy.
	PositionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_positions_created_total",
		Help: "Arbitrage positions created",
	}, []string{"strategy"})

	// PositionsClosed counts positions closed, partitioned by close path.
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_positions_closed_total",
		Help: "Arbitrage positions closed",
	}, []string{"path"})

	// OpenPositions tracks the number of non-closed positions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arb_open_positions",
		Help: "Number of currently open positions",
	})

	// StopLossTriggers counts stop-loss fires, partitioned by stop type.
	StopLossTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_stop_loss_triggers_total",
		Help: "Stop-loss rule triggers",
	}, []string{"type"})

	// BreakerTrips counts circuit-breaker trips, partitioned by reason.
	BreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_breaker_trips_total",
		Help: "Circuit breaker trips",
	}, []string{"reason"})

	// BreakerTripped is 1 while the circuit breaker blocks new positions.
	BreakerTripped = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arb_breaker_tripped",
		Help: "Whether the circuit breaker is currently tripped",
	})

	// FeedMessages counts market-data snapshots consumed.
	FeedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arb_feed_messages_total",
		Help: "Market data snapshots consumed",
	})

	// FeedReconnects counts feed reconnection attempts.
	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arb_feed_reconnects_total",
		Help: "Market data feed reconnect attempts",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arb_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arb_http_request_duration_seconds",
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

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
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
