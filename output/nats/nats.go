// Package nats bridges hub events onto NATS subjects.
//
// The bridge attaches to the hub as a single subscriber and republishes
// every event as JSON: RxUpdate to trdp.rx.<comId>, TxConfirmation to
// trdp.tx.<comId>, and Snapshot to trdp.snapshot. Delivery is
// fire-and-forget core NATS; a failed publish is counted and logged but
// never detaches the bridge, and publishes buffer client-side while the
// connection is being re-established.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/trdpsim/component"
	"github.com/c360/trdpsim/errors"
	"github.com/c360/trdpsim/hub"
	"github.com/c360/trdpsim/metric"
	"github.com/c360/trdpsim/natsclient"
)

// subscriberID is the bridge's hub registration key. One bridge per
// process.
const subscriberID = "nats-bridge"

// Subject roots for the three event streams.
const (
	subjectRxPrefix = "trdp.rx."
	subjectTxPrefix = "trdp.tx."
	subjectSnapshot = "trdp.snapshot"
)

// Dependencies wires the bridge to its collaborators. Hub and Client are
// required; the daemon only constructs a bridge when a NATS URL is
// configured.
type Dependencies struct {
	Hub     *hub.Hub
	Client  *natsclient.Client
	Logger  *slog.Logger
	Metrics *metric.MetricsRegistry
}

// Bridge republishes hub events to NATS.
type Bridge struct {
	hub     *hub.Hub
	client  *natsclient.Client
	logger  *slog.Logger
	metrics *bridgeMetrics

	errorCount atomic.Int64

	lifecycleMu sync.Mutex
	mu          sync.RWMutex
	running     bool
	startTime   time.Time
}

var (
	_ component.Discoverable       = (*Bridge)(nil)
	_ component.LifecycleComponent = (*Bridge)(nil)
	_ hub.Subscriber               = (*Bridge)(nil)
)

// New creates the bridge. Nothing is published until Start.
func New(deps Dependencies) (*Bridge, error) {
	if deps.Hub == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "natsbridge", "New",
			"hub is required")
	}
	if deps.Client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "natsbridge", "New",
			"NATS client is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "natsbridge")

	metrics, err := newBridgeMetrics(deps.Metrics)
	if err != nil {
		logger.Error("failed to initialize bridge metrics", "error", err)
		metrics = nil // Continue without metrics
	}

	return &Bridge{
		hub:     deps.Hub,
		client:  deps.Client,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Initialize implements component.LifecycleComponent.
func (b *Bridge) Initialize() error {
	return nil
}

// Start connects the NATS client and attaches the bridge to the hub. The
// initial registry snapshot is published during the attach.
func (b *Bridge) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if err := b.client.Connect(ctx); err != nil {
		return errors.Wrap(err, "natsbridge", "Start", "connect to NATS")
	}
	if err := b.hub.Attach(b); err != nil {
		return errors.Wrap(err, "natsbridge", "Start", "attach to hub")
	}

	b.mu.Lock()
	b.running = true
	b.startTime = time.Now()
	b.mu.Unlock()

	b.logger.Info("NATS bridge started", "url", b.client.URL())
	return nil
}

// Stop detaches from the hub and drains the connection, bounded by the
// timeout. Stopping a stopped bridge is a no-op.
func (b *Bridge) Stop(timeout time.Duration) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.mu.Unlock()

	b.hub.Detach(subscriberID)

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := b.client.Close(ctx); err != nil {
		return errors.Wrap(err, "natsbridge", "Stop", "close NATS connection")
	}

	b.logger.Info("NATS bridge stopped")
	return nil
}

// ID implements hub.Subscriber.
func (b *Bridge) ID() string { return subscriberID }

// Send publishes one event. Failures are absorbed: the bridge logs and
// counts them but reports success to the hub, so a broker outage never
// detaches it.
func (b *Bridge) Send(event hub.Event) error {
	subject, ok := subjectFor(event)
	if !ok {
		// Hub error events are connection-scoped; nothing to publish.
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		b.errorCount.Add(1)
		b.metrics.recordFailure()
		b.logger.Error("failed to marshal event for NATS", "event", event.Kind(), "error", err)
		return nil
	}

	if err := b.client.Publish(subject, payload); err != nil {
		b.errorCount.Add(1)
		b.metrics.recordFailure()
		b.logger.Warn("failed to publish event to NATS", "subject", subject, "error", err)
		return nil
	}

	b.metrics.recordPublish(event.Kind(), len(payload))
	return nil
}

// Meta describes the bridge for component discovery.
func (b *Bridge) Meta() component.Metadata {
	return component.Metadata{
		Name:        "nats-bridge",
		Type:        "output",
		Description: "Republishes telegram events to NATS subjects under trdp.>",
		Version:     "1.0.0",
	}
}

// Health reports liveness for the health endpoint. The bridge is healthy
// only while its connection is established; a reconnecting client turns
// readiness off without stopping the bridge.
func (b *Bridge) Health() component.HealthStatus {
	b.mu.RLock()
	running := b.running
	startTime := b.startTime
	b.mu.RUnlock()

	status := component.HealthStatus{
		Healthy:    running && b.client.IsHealthy(),
		LastCheck:  time.Now(),
		ErrorCount: int(b.errorCount.Load()),
	}
	if running {
		status.Uptime = time.Since(startTime)
	}
	return status
}

// subjectFor maps an event to its NATS subject. Events with no subject
// (hub errors) report false.
func subjectFor(event hub.Event) (string, bool) {
	switch e := event.(type) {
	case hub.RxUpdate:
		return fmt.Sprintf("%s%d", subjectRxPrefix, e.ComID), true
	case hub.TxConfirmation:
		return fmt.Sprintf("%s%d", subjectTxPrefix, e.ComID), true
	case hub.Snapshot:
		return subjectSnapshot, true
	default:
		return "", false
	}
}
