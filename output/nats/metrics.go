package nats

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/trdpsim/metric"
)

// bridgeMetrics holds Prometheus metrics for the NATS bridge.
type bridgeMetrics struct {
	published *prometheus.CounterVec // By event type (rx, tx, snapshot)
	failures  prometheus.Counter
	bytes     prometheus.Counter
}

// newBridgeMetrics creates and registers bridge metrics with the provided
// registry.
func newBridgeMetrics(registry *metric.MetricsRegistry) (*bridgeMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &bridgeMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trdpsim",
			Subsystem: "nats",
			Name:      "messages_published_total",
			Help:      "Total events published to NATS",
		}, []string{"type"}),

		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trdpsim",
			Subsystem: "nats",
			Name:      "publish_failures_total",
			Help:      "Total events that could not be published",
		}),

		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trdpsim",
			Subsystem: "nats",
			Name:      "bytes_published_total",
			Help:      "Total payload bytes published to NATS",
		}),
	}

	if err := registry.RegisterCounterVec("natsbridge", "published", m.published); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("natsbridge", "failures", m.failures); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("natsbridge", "bytes", m.bytes); err != nil {
		return nil, err
	}

	return m, nil
}

// recordPublish counts one published event with its payload size.
func (m *bridgeMetrics) recordPublish(eventType string, size int) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(eventType).Inc()
	m.bytes.Add(float64(size))
}

// recordFailure counts one absorbed publish failure.
func (m *bridgeMetrics) recordFailure() {
	if m == nil {
		return
	}
	m.failures.Inc()
}
