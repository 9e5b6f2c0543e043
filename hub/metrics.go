package hub

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/trdpsim/metric"
)

// hubMetrics holds Prometheus metrics for event fan-out.
type hubMetrics struct {
	events       *prometheus.CounterVec // By event type (rx, tx, snapshot, error)
	sendFailures prometheus.Counter
	snapshots    prometheus.Counter
	subscribers  prometheus.Gauge
}

// newHubMetrics creates and registers hub metrics with the provided registry.
func newHubMetrics(registry *metric.MetricsRegistry) (*hubMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &hubMetrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trdpsim",
			Subsystem: "hub",
			Name:      "events_total",
			Help:      "Total number of events broadcast to subscribers",
		}, []string{"event_type"}),

		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trdpsim",
			Subsystem: "hub",
			Name:      "send_failures_total",
			Help:      "Total number of failed subscriber deliveries",
		}),

		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trdpsim",
			Subsystem: "hub",
			Name:      "snapshots_total",
			Help:      "Total number of registry snapshots served",
		}),

		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trdpsim",
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Current number of attached subscribers",
		}),
	}

	if err := registry.RegisterCounterVec("hub", "events", m.events); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("hub", "send_failures", m.sendFailures); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("hub", "snapshots", m.snapshots); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("hub", "subscribers", m.subscribers); err != nil {
		return nil, err
	}

	return m, nil
}

// recordEvent counts one broadcast by event type.
func (m *hubMetrics) recordEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

// recordSendFailure counts one dropped delivery.
func (m *hubMetrics) recordSendFailure() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

// recordSnapshot counts one served snapshot.
func (m *hubMetrics) recordSnapshot() {
	if m == nil {
		return
	}
	m.snapshots.Inc()
}

// updateSubscribers sets the current subscriber count.
func (m *hubMetrics) updateSubscribers(count int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(count))
}
