// Package metrics provides Prometheus instrumentation for the lot engine.
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
	// ReservationsTotal counts allocation attempts by outcome
	// (reserved, rejected, oversell).
	ReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recyx_reservations_total",
		Help: "Total allocation attempts by outcome",
	}, []string{"outcome"})

	// ReservationsExpired counts reservations lapsed by the TTL sweep.
	ReservationsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recyx_reservations_expired_total",
		Help: "Reservations expired by TTL",
	})

	// PaymentsTotal counts payment transitions by resulting status.
	PaymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recyx_payments_total",
		Help: "Payment transitions by resulting status",
	}, []string{"status"})

	// EscrowHeld tracks the number of payments currently in escrow.
	EscrowHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recyx_escrow_held",
		Help: "Payments currently held in escrow",
	})

	// ShipmentsTotal counts shipment transitions by resulting status.
	ShipmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recyx_shipments_total",
		Help: "Shipment transitions by resulting status",
	}, []string{"status"})

	// FeedClients tracks connected WebSocket feed clients.
	FeedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recyx_feed_clients",
		Help: "Number of connected feed clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recyx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recyx_http_request_duration_seconds",
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

		// Use the raw path for the label; id cardinality is bounded by
		// the entity tables, acceptable for an internal service.
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
