package websocket

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/trdpsim/metric"
)

// outputMetrics holds Prometheus metrics for the WebSocket transport.
type outputMetrics struct {
	messagesSent   *prometheus.CounterVec // By event type (rx, tx, snapshot, error)
	bytesSent      prometheus.Counter
	clients        prometheus.Gauge
	connections    prometheus.Counter
	disconnections *prometheus.CounterVec // By disconnect reason
	errors         *prometheus.CounterVec // By error type
}

// newOutputMetrics creates and registers transport metrics with the
// provided registry.
func newOutputMetrics(registry *metric.MetricsRegistry) (*outputMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &outputMetrics{
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trdpsim",
			Subsystem: "websocket",
			Name:      "messages_sent_total",
			Help:      "Total frames sent to WebSocket clients",
		}, []string{"type"}),

		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trdpsim",
			Subsystem: "websocket",
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent to WebSocket clients",
		}),

		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trdpsim",
			Subsystem: "websocket",
			Name:      "clients_connected",
			Help:      "Number of currently connected clients",
		}),

		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trdpsim",
			Subsystem: "websocket",
			Name:      "client_connections_total",
			Help:      "Total client connections, including disconnected",
		}),

		disconnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trdpsim",
			Subsystem: "websocket",
			Name:      "client_disconnections_total",
			Help:      "Total client disconnections",
		}, []string{"disconnect_reason"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trdpsim",
			Subsystem: "websocket",
			Name:      "errors_total",
			Help:      "WebSocket transport errors",
		}, []string{"error_type"}),
	}

	if err := registry.RegisterCounterVec("websocket", "messages_sent", m.messagesSent); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("websocket", "bytes_sent", m.bytesSent); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("websocket", "clients", m.clients); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("websocket", "connections", m.connections); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("websocket", "disconnections", m.disconnections); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("websocket", "errors", m.errors); err != nil {
		return nil, err
	}

	return m, nil
}

// recordMessage counts one delivered frame with its size.
func (m *outputMetrics) recordMessage(eventType string, size int) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(eventType).Inc()
	m.bytesSent.Add(float64(size))
}

// recordConnection counts one accepted connection and updates the gauge.
func (m *outputMetrics) recordConnection(count int) {
	if m == nil {
		return
	}
	m.connections.Inc()
	m.clients.Set(float64(count))
}

// recordDisconnection counts one dropped connection and updates the gauge.
func (m *outputMetrics) recordDisconnection(reason string, count int) {
	if m == nil {
		return
	}
	m.disconnections.WithLabelValues(reason).Inc()
	m.clients.Set(float64(count))
}

// recordError counts one transport error by type.
func (m *outputMetrics) recordError(errorType string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(errorType).Inc()
}
