package gateway

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/trdpsim/metric"
)

// serverMetrics holds Prometheus metrics for the HTTP gateway.
type serverMetrics struct {
	requests    *prometheus.CounterVec // By method, route and status
	rateLimited prometheus.Counter
}

// newServerMetrics creates and registers gateway metrics with the provided
// registry.
func newServerMetrics(registry *metric.MetricsRegistry) (*serverMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &serverMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trdpsim",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "HTTP requests served, by method, route and status",
		}, []string{"method", "route", "status"}),

		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trdpsim",
			Subsystem: "gateway",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client rate limiter",
		}),
	}

	if err := registry.RegisterCounterVec("gateway", "requests", m.requests); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("gateway", "rate_limited", m.rateLimited); err != nil {
		return nil, err
	}

	return m, nil
}

// recordRequest counts one served request. An empty route means the mux
// matched no pattern.
func (m *serverMetrics) recordRequest(method, route string, status int) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// recordRateLimited counts one rejected request.
func (m *serverMetrics) recordRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
