package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's Prometheus collectors.
type Metrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	documentsByTo   *prometheus.CounterVec
	queriesByMode   *prometheus.CounterVec
	degradedMode    prometheus.Gauge
}

// NewMetrics registers the server collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amber",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route, and status.",
		}, []string{"method", "route", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "amber",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		documentsByTo: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amber",
			Name:      "document_transitions_total",
			Help:      "Document status transitions by target status.",
		}, []string{"status"}),
		queriesByMode: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amber",
			Name:      "queries_total",
			Help:      "Retrieval queries by resolved search mode.",
		}, []string{"mode"}),
		degradedMode: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "amber",
			Name:      "retrieval_degraded",
			Help:      "1 while the retrieval engine is shedding load.",
		}),
	}
}

// ObserveQuery records one resolved query.
func (m *Metrics) ObserveQuery(mode string, degraded bool) {
	m.queriesByMode.WithLabelValues(mode).Inc()
	if degraded {
		m.degradedMode.Set(1)
	} else {
		m.degradedMode.Set(0)
	}
}

// ObserveTransition records one document status transition.
func (m *Metrics) ObserveTransition(status string) {
	m.documentsByTo.WithLabelValues(status).Inc()
}

// Instrument wraps handlers with request counting and latency observation.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chiRoutePattern(r)
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// chiRoutePattern prefers the route template over the raw path so metric
// cardinality stays bounded.
func chiRoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
