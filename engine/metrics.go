package trdpengine

import (
	"strconv"

	"github.com/c360/trdpsim/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// engineMetrics holds Prometheus metrics for TRDP engine operations.
type engineMetrics struct {
	// Telegram traffic
	pdPublishes *prometheus.CounterVec // By com_id and status (success/failure)
	mdRequests  *prometheus.CounterVec // By com_id and status
	rxTelegrams *prometheus.CounterVec // By com_id

	// MD session supervision
	mdTimeouts prometheus.Counter

	// Name resolution
	dnrLookups *prometheus.CounterVec // By kind (uri/ip/label) and outcome (hit/resolved/failed)

	// Worker and topology state
	workerCycles    prometheus.Counter
	topologyChanges prometheus.Counter
	cyclicActive    prometheus.Gauge
	sessionsOpen    *prometheus.GaugeVec // By role (PD/MD)
}

// newEngineMetrics creates and registers engine metrics with the provided registry.
func newEngineMetrics(registry *metric.MetricsRegistry) (*engineMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &engineMetrics{
		pdPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trdpsim",
			Subsystem: "engine",
			Name:      "pd_publishes_total",
			Help:      "Total number of PD publications pushed to the stack",
		}, []string{"com_id", "status"}), // status: success, failure

		mdRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trdpsim",
			Subsystem: "engine",
			Name:      "md_requests_total",
			Help:      "Total number of MD requests issued",
		}, []string{"com_id", "status"}),

		rxTelegrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trdpsim",
			Subsystem: "engine",
			Name:      "rx_telegrams_total",
			Help:      "Total number of telegrams received and decoded",
		}, []string{"com_id"}),

		mdTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trdpsim",
			Subsystem: "engine",
			Name:      "md_timeouts_total",
			Help:      "Total number of MD request sessions expired without replies or confirm",
		}),

		dnrLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trdpsim",
			Subsystem: "engine",
			Name:      "dnr_lookups_total",
			Help:      "Total number of train name-resolution lookups",
		}, []string{"kind", "outcome"}), // kind: uri, ip, label

		workerCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trdpsim",
			Subsystem: "engine",
			Name:      "worker_cycles_total",
			Help:      "Total number of worker service passes",
		}),

		topologyChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trdpsim",
			Subsystem: "engine",
			Name:      "topology_changes_total",
			Help:      "Total number of topology counter bumps",
		}),

		cyclicActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trdpsim",
			Subsystem: "engine",
			Name:      "cyclic_publications",
			Help:      "Current number of active cyclic PD publications",
		}),

		sessionsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "trdpsim",
			Subsystem: "engine",
			Name:      "sessions_open",
			Help:      "Current number of open TRDP sessions",
		}, []string{"role"}),
	}

	// Register all metrics
	if err := registry.RegisterCounterVec("engine", "pd_publishes", m.pdPublishes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "md_requests", m.mdRequests); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "rx_telegrams", m.rxTelegrams); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("engine", "md_timeouts", m.mdTimeouts); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "dnr_lookups", m.dnrLookups); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("engine", "worker_cycles", m.workerCycles); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("engine", "topology_changes", m.topologyChanges); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("engine", "cyclic_publications", m.cyclicActive); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec("engine", "sessions_open", m.sessionsOpen); err != nil {
		return nil, err
	}

	return m, nil
}

func comIDLabel(comID uint32) string {
	return strconv.FormatUint(uint64(comID), 10)
}

// recordPdPublish records one PD publication attempt.
func (m *engineMetrics) recordPdPublish(comID uint32, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.pdPublishes.WithLabelValues(comIDLabel(comID), status).Inc()
}

// recordMdRequest records one MD request attempt.
func (m *engineMetrics) recordMdRequest(comID uint32, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.mdRequests.WithLabelValues(comIDLabel(comID), status).Inc()
}

// recordRx records one received and decoded telegram.
func (m *engineMetrics) recordRx(comID uint32) {
	if m == nil {
		return
	}
	m.rxTelegrams.WithLabelValues(comIDLabel(comID)).Inc()
}

// recordMdTimeouts records MD sessions dropped by the timeout sweep.
func (m *engineMetrics) recordMdTimeouts(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.mdTimeouts.Add(float64(count))
}

// recordDnrLookup records one name-resolution lookup by kind and outcome.
func (m *engineMetrics) recordDnrLookup(kind, outcome string) {
	if m == nil {
		return
	}
	m.dnrLookups.WithLabelValues(kind, outcome).Inc()
}

// recordWorkerCycle records one worker service pass.
func (m *engineMetrics) recordWorkerCycle() {
	if m == nil {
		return
	}
	m.workerCycles.Inc()
}

// recordTopologyChange records one topology counter bump.
func (m *engineMetrics) recordTopologyChange() {
	if m == nil {
		return
	}
	m.topologyChanges.Inc()
}

// setCyclicActive sets the current number of active cyclic publications.
func (m *engineMetrics) setCyclicActive(count float64) {
	if m != nil {
		m.cyclicActive.Set(count)
	}
}

// setSessionsOpen sets the current number of open sessions for a role.
func (m *engineMetrics) setSessionsOpen(role string, count float64) {
	if m != nil {
		m.sessionsOpen.WithLabelValues(role).Set(count)
	}
}
