// Package hub fans runtime telegram events out to attached subscribers.
//
// The engine publishes RxUpdate and TxConfirmation events; the hub delivers
// them best-effort to every subscriber and serves a registry snapshot to each
// new subscriber on attach. A subscriber whose Send fails is detached; slow
// observers never apply backpressure to the engine. The hub maintains its own
// lock and is never called while the engine state lock is held.
package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/c360/trdpsim/errors"
	"github.com/c360/trdpsim/metric"
	"github.com/c360/trdpsim/telegram"
)

// Event is a telegram state change delivered to subscribers. Kind
// discriminates the payload on the wire ("rx", "tx", "snapshot", "error").
type Event interface {
	Kind() string
}

// RxUpdate reports a decoded inbound telegram.
type RxUpdate struct {
	ComID  uint32
	Fields map[string]telegram.FieldValue
}

// Kind implements Event.
func (RxUpdate) Kind() string { return "rx" }

// TxConfirmation reports a completed outbound send. TxActive is set for PD
// telegrams only and reports whether cyclic retransmission is armed.
type TxConfirmation struct {
	ComID    uint32
	Fields   map[string]telegram.FieldValue
	TxActive *bool
}

// Kind implements Event.
func (TxConfirmation) Kind() string { return "tx" }

// Snapshot lists the full registry state, sorted by ComId.
type Snapshot struct {
	Telegrams []TelegramState
}

// Kind implements Event.
func (Snapshot) Kind() string { return "snapshot" }

// Error reports a hub-level failure, such as a snapshot requested before the
// registry was initialised.
type Error struct {
	Message string
}

// Kind implements Event.
func (Error) Kind() string { return "error" }

// TelegramState is one telegram's definition plus its current field values.
// TxActive is populated for TX PD telegrams and nil otherwise.
type TelegramState struct {
	ComID           uint32
	Name            string
	Dataset         string
	Direction       telegram.Direction
	Type            telegram.TelegramType
	ExpectedReplies uint32
	ReplyTimeout    time.Duration
	ConfirmTimeout  time.Duration
	Fields          map[string]telegram.FieldValue
	TxActive        *bool
}

// SnapshotFunc builds the current registry state, sorted by ComId. It returns
// errors.ErrNotReady before the registry has been initialised.
type SnapshotFunc func() ([]TelegramState, error)

// Subscriber receives events from the hub. Send must not block indefinitely;
// implementations are expected to buffer or apply write deadlines. A Send
// error detaches the subscriber.
type Subscriber interface {
	ID() string
	Send(Event) error
}

// Hub is the subscriber registry and broadcast path.
type Hub struct {
	logger   *slog.Logger
	metrics  *hubMetrics
	snapshot SnapshotFunc

	mu          sync.Mutex
	subscribers map[string]Subscriber
}

// NewHub creates a hub. snapshot may be nil, in which case new subscribers
// receive no initial state. A nil logger falls back to slog.Default().
func NewHub(snapshot SnapshotFunc, logger *slog.Logger, metricsRegistry *metric.MetricsRegistry) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	metrics, err := newHubMetrics(metricsRegistry)
	if err != nil {
		logger.Error("Failed to initialize hub metrics", "error", err)
		metrics = nil
	}
	return &Hub{
		logger:      logger.With("component", "hub"),
		metrics:     metrics,
		snapshot:    snapshot,
		subscribers: make(map[string]Subscriber),
	}
}

// Attach registers a subscriber and delivers the initial snapshot. When the
// snapshot source reports the registry as uninitialised, the subscriber
// receives an Error event instead and stays attached. A failed initial Send
// removes the subscriber again and returns the failure.
func (h *Hub) Attach(sub Subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subscribers[sub.ID()] = sub
	h.metrics.updateSubscribers(len(h.subscribers))

	if h.snapshot == nil {
		h.logger.Debug("subscriber attached", "id", sub.ID(), "subscribers", len(h.subscribers))
		return nil
	}

	var initial Event
	states, err := h.snapshot()
	if err != nil {
		initial = Error{Message: "TRDP registry is not initialised"}
	} else {
		initial = Snapshot{Telegrams: states}
	}

	if err := sub.Send(initial); err != nil {
		delete(h.subscribers, sub.ID())
		h.metrics.updateSubscribers(len(h.subscribers))
		h.metrics.recordSendFailure()
		return errors.WrapTransient(err, "hub", "Attach", "initial snapshot delivery failed")
	}
	if _, ok := initial.(Snapshot); ok {
		h.metrics.recordSnapshot()
	}

	h.logger.Debug("subscriber attached", "id", sub.ID(), "subscribers", len(h.subscribers))
	return nil
}

// Detach removes a subscriber. Unknown ids are ignored.
func (h *Hub) Detach(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[id]; !ok {
		return
	}
	delete(h.subscribers, id)
	h.metrics.updateSubscribers(len(h.subscribers))
	h.logger.Debug("subscriber detached", "id", id, "subscribers", len(h.subscribers))
}

// Broadcast delivers an event to every subscriber. Subscribers whose Send
// fails are detached; delivery to the rest continues.
func (h *Hub) Broadcast(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.metrics.recordEvent(event.Kind())

	var failed []string
	for id, sub := range h.subscribers {
		if err := sub.Send(event); err != nil {
			h.logger.Warn("dropping subscriber after failed send",
				"id", id, "event", event.Kind(), "error", err)
			failed = append(failed, id)
			h.metrics.recordSendFailure()
		}
	}
	for _, id := range failed {
		delete(h.subscribers, id)
	}
	if len(failed) > 0 {
		h.metrics.updateSubscribers(len(h.subscribers))
	}
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// BuildSnapshot invokes the snapshot source directly, for pull-style readers
// such as the REST listing endpoint.
func (h *Hub) BuildSnapshot() ([]TelegramState, error) {
	if h.snapshot == nil {
		return nil, nil
	}
	states, err := h.snapshot()
	if err != nil {
		return nil, err
	}
	h.metrics.recordSnapshot()
	return states, nil
}
