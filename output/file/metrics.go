package file

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/trdpsim/metric"
)

// recorderMetrics holds Prometheus metrics for the trace recorder.
type recorderMetrics struct {
	recorded *prometheus.CounterVec // By event type (rx, tx, snapshot, error)
	failures prometheus.Counter
	bytes    prometheus.Counter
}

// newRecorderMetrics creates and registers recorder metrics with the
// provided registry.
func newRecorderMetrics(registry *metric.MetricsRegistry) (*recorderMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &recorderMetrics{
		recorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trdpsim",
			Subsystem: "recorder",
			Name:      "events_recorded_total",
			Help:      "Total events buffered for the trace file",
		}, []string{"type"}),

		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trdpsim",
			Subsystem: "recorder",
			Name:      "write_failures_total",
			Help:      "Total trace lines that could not be written",
		}),

		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trdpsim",
			Subsystem: "recorder",
			Name:      "bytes_written_total",
			Help:      "Total bytes written to the trace file",
		}),
	}

	if err := registry.RegisterCounterVec("filerecorder", "recorded", m.recorded); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("filerecorder", "failures", m.failures); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("filerecorder", "bytes", m.bytes); err != nil {
		return nil, err
	}

	return m, nil
}

// recordEvent counts one buffered event.
func (m *recorderMetrics) recordEvent(eventType string) {
	if m == nil {
		return
	}
	m.recorded.WithLabelValues(eventType).Inc()
}

// recordFailure counts one absorbed write failure.
func (m *recorderMetrics) recordFailure() {
	if m == nil {
		return
	}
	m.failures.Inc()
}

// recordBytes counts bytes that reached the file.
func (m *recorderMetrics) recordBytes(n int) {
	if m == nil {
		return
	}
	m.bytes.Add(float64(n))
}
