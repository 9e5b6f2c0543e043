// Package metric provides Prometheus-based metrics collection for trdpsim
// monitoring and observability.
//
// The package offers a centralized metrics registry managing both core
// platform metrics (service status, telegram counts, error totals) and custom
// component-specific metrics. The gateway exposes the registry in Prometheus
// format at /metrics.
//
// # Architecture
//
// Two layers:
//
//  1. Core Metrics: platform-level metrics automatically registered (Metrics type)
//  2. Service Registry: extensible registration for component-specific metrics
//     (MetricsRegistrar interface)
//
// # Basic Usage
//
//	registry := metric.NewMetricsRegistry()
//
//	coreMetrics := registry.CoreMetrics()
//	coreMetrics.RecordServiceStatus("engine", 2)
//	coreMetrics.RecordTelegramPublished("engine", "pd")
//
// Components register their own metrics through the MetricsRegistrar
// interface received in their deps struct:
//
//	counter := prometheus.NewCounter(prometheus.CounterOpts{
//	    Namespace: "trdpsim",
//	    Subsystem: "websocket",
//	    Name:      "messages_sent_total",
//	    Help:      "Total messages sent to WebSocket clients",
//	})
//	err := registry.RegisterCounter("websocket-output", "messages_sent_total", counter)
//
// A nil registrar disables metrics for a component; construction helpers
// return nil metrics and recording sites nil-check.
//
// # Thread Safety
//
// All registry operations are thread-safe. Metric recording is lock-free
// (Prometheus guarantee).
package metric
