// Package natsclient manages the NATS connection for the event bridge.
package natsclient

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/trdpsim/errors"
)

// ConnectionStatus represents the state of the NATS connection.
type ConnectionStatus int

// Possible connection statuses.
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

// String returns the string representation of ConnectionStatus.
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Client wraps a NATS connection with reconnect handling and a drain-based
// close. Publishing while the connection is down buffers into the client's
// pending queue; the nats library replays it after a reconnect.
type Client struct {
	url    string
	logger *slog.Logger

	maxReconnects        int
	reconnectWait        time.Duration
	pingInterval         time.Duration
	timeout              time.Duration
	drainTimeout         time.Duration
	clientName           string
	retryOnFailedConnect bool

	onDisconnect func(error)
	onReconnect  func()

	status     atomic.Value // ConnectionStatus
	reconnects atomic.Int64

	mu      sync.RWMutex
	conn    *nats.Conn
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a NATS client. The connection is established by
// Connect; the zero-value defaults reconnect forever with a 2 s backoff.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:           url,
		logger:        slog.Default(),
		maxReconnects: -1, // Reconnect forever
		reconnectWait: 2 * time.Second,
		pingInterval:  30 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "natsclient", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("component", "natsclient")
	c.status.Store(StatusDisconnected)

	return c, nil
}

// URL returns the configured server URL.
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// IsHealthy reports whether the connection is established.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Reconnects returns how many times the connection was re-established.
func (c *Client) Reconnects() int64 {
	return c.reconnects.Load()
}

// MaxReconnects returns the configured reconnection attempt limit.
func (c *Client) MaxReconnects() int {
	return c.maxReconnects
}

// ReconnectWait returns the configured wait between reconnection attempts.
func (c *Client) ReconnectWait() time.Duration {
	return c.reconnectWait
}

// PingInterval returns the configured ping interval.
func (c *Client) PingInterval() time.Duration {
	return c.pingInterval
}

// ConnectionOptions returns the nats options the client connects with.
func (c *Client) ConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleAsyncError),
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	if c.retryOnFailedConnect {
		opts = append(opts, nats.RetryOnFailedConnect(true))
	}
	return opts
}

// Connect establishes the connection. With retry-on-failed-connect
// enabled an unreachable server does not fail the call; the client comes
// up in the reconnecting state and publishes buffer until it connects.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapInvalid(errors.ErrNotReady, "natsclient", "Connect", "client is closed")
	}

	c.status.Store(StatusConnecting)
	c.logger.Info("connecting to NATS", "url", c.url)

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.ConnectionOptions()...)
		if err != nil {
			connectDone <- err
			return
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			c.status.Store(StatusDisconnected)
			return errors.WrapTransient(err, "natsclient", "Connect", "establish connection")
		}
	case <-ctx.Done():
		c.status.Store(StatusDisconnected)
		return errors.WrapTransient(ctx.Err(), "natsclient", "Connect", "connection cancelled")
	}

	c.mu.RLock()
	connected := c.conn.IsConnected()
	c.mu.RUnlock()
	if connected {
		c.status.Store(StatusConnected)
		c.logger.Info("connected to NATS", "url", c.url)
	} else {
		// Retry-on-failed-connect accepted the handle without a server.
		c.status.Store(StatusReconnecting)
		c.logger.Warn("NATS server unreachable, reconnecting in background", "url", c.url)
	}
	return nil
}

// Publish sends a message. While reconnecting the message buffers into
// the pending queue; after the connection closes it fails.
func (c *Client) Publish(subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return errors.WrapTransient(errors.ErrNotReady, "natsclient", "Publish", "not connected")
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "natsclient", "Publish", subject)
	}
	return nil
}

// Flush blocks until the server has processed all published messages, or
// the timeout expires.
func (c *Client) Flush(timeout time.Duration) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return errors.WrapTransient(errors.ErrNotReady, "natsclient", "Flush", "not connected")
	}
	if err := conn.FlushTimeout(timeout); err != nil {
		return errors.WrapTransient(err, "natsclient", "Flush", "flush pending messages")
	}
	return nil
}

// Close drains the connection, bounded by the context deadline when one
// is set. Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		c.status.Store(StatusDisconnected)
		return nil
	}

	drainDone := make(chan error, 1)
	go func() {
		drainDone <- conn.Drain()
	}()

	var drainErr error
	select {
	case drainErr = <-drainDone:
	case <-ctx.Done():
		drainErr = ctx.Err()
	}
	if drainErr != nil {
		conn.Close()
		c.status.Store(StatusDisconnected)
		return errors.WrapTransient(drainErr, "natsclient", "Close", "drain connection")
	}

	c.status.Store(StatusDisconnected)
	c.logger.Info("NATS connection closed")
	return nil
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	c.status.Store(StatusReconnecting)
	c.logger.Warn("NATS disconnected", "error", err)
	if c.onDisconnect != nil {
		c.onDisconnect(err)
	}
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	c.status.Store(StatusConnected)
	c.reconnects.Add(1)
	c.logger.Info("NATS reconnected", "url", conn.ConnectedUrl())
	if c.onReconnect != nil {
		c.onReconnect()
	}
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.status.Store(StatusDisconnected)
	c.logger.Info("NATS connection permanently closed")
}

func (c *Client) handleAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		c.logger.Error("NATS async error", "subject", sub.Subject, "error", err)
		return
	}
	c.logger.Error("NATS async error", "error", err)
}
