package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/trdpsim/component"
	"github.com/c360/trdpsim/errors"
	"github.com/c360/trdpsim/hub"
	"github.com/c360/trdpsim/metric"
)

const (
	// writeWait bounds a single frame write, pings included.
	writeWait = 10 * time.Second
	// pongWait is the read deadline, refreshed whenever a pong arrives.
	pongWait = 60 * time.Second
	// pingPeriod is the keepalive interval; it must stay under pongWait.
	pingPeriod = 30 * time.Second
)

// Dependencies wires the transport to its collaborators. Hub is required;
// a nil logger falls back to slog.Default() and a nil metrics registry
// disables metrics.
type Dependencies struct {
	Hub     *hub.Hub
	Logger  *slog.Logger
	Metrics *metric.MetricsRegistry
}

// MessageEnvelope wraps every frame sent to a client. Type is always
// "data" for event frames; Payload carries the event JSON and the event's
// own "type" key discriminates it further.
type MessageEnvelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Output upgrades HTTP requests to WebSocket connections and registers
// each connection with the hub as its own subscriber. The hub's attach
// semantics then apply per connection: an initial registry snapshot on
// connect, and detachment when a write fails.
//
// The transport does not own an HTTP server; the gateway mounts it as a
// handler, conventionally at /ws.
type Output struct {
	hub     *hub.Hub
	logger  *slog.Logger
	metrics *outputMetrics

	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[string]*wsClient

	messageIDCounter atomic.Uint64
	errorCount       atomic.Int64

	lifecycleMu sync.Mutex // Serializes Start/Stop
	mu          sync.RWMutex
	running     bool
	startTime   time.Time
	shutdown    chan struct{}
	wg          *sync.WaitGroup
}

var (
	_ component.Discoverable       = (*Output)(nil)
	_ component.LifecycleComponent = (*Output)(nil)
	_ http.Handler                 = (*Output)(nil)
)

// New creates the WebSocket transport. It serves nothing until Start.
func New(deps Dependencies) (*Output, error) {
	if deps.Hub == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "websocket", "New",
			"hub is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "websocket")

	metrics, err := newOutputMetrics(deps.Metrics)
	if err != nil {
		logger.Error("failed to initialize websocket metrics", "error", err)
		metrics = nil // Continue without metrics
	}

	return &Output{
		hub:     deps.Hub,
		logger:  logger,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			// The control surface carries no credentials; origin checks
			// would only break browser access to a bench tool.
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[string]*wsClient),
	}, nil
}

// Initialize implements component.LifecycleComponent. The transport has
// no resources to prepare ahead of Start.
func (o *Output) Initialize() error {
	return nil
}

// Start arms the transport: connections are accepted and the keepalive
// loop runs until Stop. Calling Start on a running transport is a no-op.
func (o *Output) Start(ctx context.Context) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return nil
	}
	if ctx == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "websocket", "Start",
			"context cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "websocket", "Start", "context already cancelled")
	}

	o.shutdown = make(chan struct{})
	o.wg = &sync.WaitGroup{}
	o.wg.Add(1)
	go o.maintainClients(ctx, o.wg, o.shutdown)

	o.running = true
	o.startTime = time.Now()
	o.logger.Info("WebSocket transport started")
	return nil
}

// Stop closes every client connection and joins the background
// goroutines. With a positive timeout the join is bounded and an expiry
// reports ErrTimeout; connections are closed either way. Stopping a
// stopped transport is a no-op.
func (o *Output) Stop(timeout time.Duration) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	close(o.shutdown)
	wg := o.wg
	o.mu.Unlock()

	o.closeAllClients("server_shutdown")

	joined := make(chan struct{})
	go func() {
		wg.Wait()
		close(joined)
	}()
	if timeout > 0 {
		select {
		case <-joined:
		case <-time.After(timeout):
			return errors.WrapTransient(errors.ErrTimeout, "websocket", "Stop",
				"client goroutines did not exit within timeout")
		}
	} else {
		<-joined
	}

	o.mu.Lock()
	o.shutdown = nil
	o.wg = nil
	o.mu.Unlock()

	o.logger.Info("WebSocket transport stopped")
	return nil
}

// ServeHTTP upgrades the request and attaches the new connection to the
// hub. The initial snapshot (or the registry-not-ready error event) is
// delivered during the attach, before the read loop starts.
func (o *Output) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	o.mu.RLock()
	running := o.running
	shutdown := o.shutdown
	wg := o.wg
	o.mu.RUnlock()

	if !running {
		http.Error(rw, "WebSocket transport is not running", http.StatusServiceUnavailable)
		return
	}

	conn, err := o.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		// Upgrade failures write their own HTTP error response.
		o.errorCount.Add(1)
		o.metrics.recordError("connection_upgrade")
		o.logger.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := &wsClient{
		id:          uuid.NewString(),
		conn:        conn,
		output:      o,
		connectedAt: time.Now(),
	}
	client.lastPong.Store(time.Now())

	o.clientsMu.Lock()
	o.clients[client.id] = client
	count := len(o.clients)
	o.clientsMu.Unlock()

	o.metrics.recordConnection(count)
	o.logger.Info("WebSocket client connected",
		"id", client.id, "remote", r.RemoteAddr, "clients", count)

	if err := o.hub.Attach(client); err != nil {
		// The hub never kept a subscriber whose snapshot delivery failed.
		o.logger.Warn("WebSocket client rejected during attach", "id", client.id, "error", err)
		o.removeClient(client, "attach_failed")
		return
	}

	wg.Add(1)
	go o.readLoop(client, wg, shutdown)
}

// ClientCount returns the number of open connections.
func (o *Output) ClientCount() int {
	o.clientsMu.RLock()
	defer o.clientsMu.RUnlock()
	return len(o.clients)
}

// Meta describes the transport for component discovery.
func (o *Output) Meta() component.Metadata {
	return component.Metadata{
		Name:        "websocket-output",
		Type:        "output",
		Description: "Streams telegram events to WebSocket clients",
		Version:     "1.0.0",
	}
}

// Health reports liveness for the health endpoint.
func (o *Output) Health() component.HealthStatus {
	o.mu.RLock()
	running := o.running
	startTime := o.startTime
	o.mu.RUnlock()

	status := component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(o.errorCount.Load()),
	}
	if running {
		status.Uptime = time.Since(startTime)
	}
	return status
}

// nextMessageID returns a frame id, unique within the process run.
func (o *Output) nextMessageID() string {
	return fmt.Sprintf("msg-%d-%d", time.Now().UnixMilli(), o.messageIDCounter.Add(1))
}

// readLoop drains inbound frames until the connection closes. Clients
// send no control traffic; reading only services the pong handler and
// detects closure. The hub detach happens here, on the connection's own
// goroutine, never from inside a hub broadcast.
func (o *Output) readLoop(c *wsClient, wg *sync.WaitGroup, shutdown <-chan struct{}) {
	defer wg.Done()
	defer func() {
		o.removeClient(c, "read_closed")
		o.hub.Detach(c.id)
	}()

	c.conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now())
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-shutdown:
			return
		default:
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// maintainClients pings every client on a fixed period so half-open
// connections are noticed within pongWait.
func (o *Output) maintainClients(ctx context.Context, wg *sync.WaitGroup, shutdown <-chan struct{}) {
	defer wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdown:
			return
		case <-ticker.C:
			o.pingClients()
		}
	}
}

// pingClients writes a ping frame to each open connection, dropping
// clients whose write fails.
func (o *Output) pingClients() {
	o.clientsMu.RLock()
	clients := make([]*wsClient, 0, len(o.clients))
	for _, c := range o.clients {
		if !c.closed.Load() {
			clients = append(clients, c)
		}
	}
	o.clientsMu.RUnlock()

	for _, c := range clients {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := c.conn.WriteMessage(websocket.PingMessage, nil)
		c.writeMu.Unlock()
		if err != nil {
			o.errorCount.Add(1)
			o.metrics.recordError("ping")
			o.removeClient(c, "ping_failed")
			o.hub.Detach(c.id)
		}
	}
}

// removeClient drops a client from the connection table and closes its
// socket. Only the first caller runs the cleanup. The hub entry is not
// touched here: Send failures make the hub drop the subscriber itself,
// and every other path detaches explicitly after calling this.
func (o *Output) removeClient(c *wsClient, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		o.clientsMu.Lock()
		delete(o.clients, c.id)
		count := len(o.clients)
		o.clientsMu.Unlock()

		_ = c.conn.Close()
		o.metrics.recordDisconnection(reason, count)
		o.logger.Info("WebSocket client disconnected",
			"id", c.id, "reason", reason, "clients", count,
			"connected", time.Since(c.connectedAt).Round(time.Millisecond))
	})
}

// closeAllClients closes every connection and removes the hub entries.
func (o *Output) closeAllClients(reason string) {
	o.clientsMu.RLock()
	clients := make([]*wsClient, 0, len(o.clients))
	for _, c := range o.clients {
		clients = append(clients, c)
	}
	o.clientsMu.RUnlock()

	for _, c := range clients {
		o.removeClient(c, reason)
		o.hub.Detach(c.id)
	}
}

// wsClient is one connected peer, registered with the hub as a
// subscriber. Writes are serialized through writeMu; gorilla connections
// do not allow concurrent writers.
type wsClient struct {
	id          string
	conn        *websocket.Conn
	output      *Output
	connectedAt time.Time
	lastPong    atomic.Value // time.Time
	closed      atomic.Bool
	closeOnce   sync.Once
	writeMu     sync.Mutex
}

var _ hub.Subscriber = (*wsClient)(nil)

// ID implements hub.Subscriber.
func (c *wsClient) ID() string { return c.id }

// Send marshals the event, wraps it in the frame envelope, and writes it
// to the connection under the write deadline. A failed write closes the
// client and reports the error so the hub drops the subscriber.
func (c *wsClient) Send(event hub.Event) error {
	if c.closed.Load() {
		return errors.WrapTransient(errors.ErrNotReady, "websocket", "Send",
			"client "+c.id+" is closed")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		c.output.errorCount.Add(1)
		c.output.metrics.recordError("event_marshal")
		return errors.WrapInvalid(err, "websocket", "Send", "marshal "+event.Kind()+" event")
	}

	frame, err := json.Marshal(MessageEnvelope{
		Type:      "data",
		ID:        c.output.nextMessageID(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	})
	if err != nil {
		c.output.errorCount.Add(1)
		c.output.metrics.recordError("envelope_marshal")
		return errors.WrapInvalid(err, "websocket", "Send", "marshal frame envelope")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.output.errorCount.Add(1)
		c.output.metrics.recordError("client_send")
		c.output.removeClient(c, "send_failed")
		return errors.WrapTransient(err, "websocket", "Send", "write to client "+c.id)
	}

	c.output.metrics.recordMessage(event.Kind(), len(frame))
	return nil
}
