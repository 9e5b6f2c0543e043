package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/trdpsim/errors"
)

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://127.0.0.1:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Equal(t, -1, c.MaxReconnects())
	assert.Equal(t, 2*time.Second, c.ReconnectWait())
	assert.Equal(t, 30*time.Second, c.PingInterval())
	assert.Equal(t, int64(0), c.Reconnects())
}

func TestConnectionOptionsApply(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:4222",
		WithMaxReconnects(7),
		WithReconnectWait(100*time.Millisecond),
		WithPingInterval(time.Second),
		WithTimeout(250*time.Millisecond),
		WithName("trdpsim-bridge"),
		WithRetryOnFailedConnect(true),
	)
	require.NoError(t, err)

	// Materialize the options the way nats.Connect would.
	opts := nats.GetDefaultOptions()
	for _, opt := range c.ConnectionOptions() {
		require.NoError(t, opt(&opts))
	}

	assert.Equal(t, 7, opts.MaxReconnect)
	assert.Equal(t, 100*time.Millisecond, opts.ReconnectWait)
	assert.Equal(t, time.Second, opts.PingInterval)
	assert.Equal(t, 250*time.Millisecond, opts.Timeout)
	assert.Equal(t, "trdpsim-bridge", opts.Name)
	assert.True(t, opts.RetryOnFailedConnect)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestPublishWithoutConnection(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:4222")
	require.NoError(t, err)

	err = c.Publish("trdp.snapshot", []byte("{}"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotReady)

	err = c.Flush(time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotReady)
}

func TestConnectRetriesUnreachableServer(t *testing.T) {
	// Port 1 refuses immediately; retry-on-failed-connect accepts the
	// handle anyway and buffers publishes while reconnecting.
	c, err := NewClient("nats://127.0.0.1:1",
		WithRetryOnFailedConnect(true),
		WithMaxReconnects(1),
		WithReconnectWait(10*time.Millisecond),
		WithTimeout(100*time.Millisecond),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, StatusReconnecting, c.Status())
	assert.False(t, c.IsHealthy())

	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestConnectFailsWithoutRetry(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1",
		WithTimeout(100*time.Millisecond),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = c.Connect(ctx)
	require.Error(t, err)
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestCloseIdempotent(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:4222")
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))

	// A closed client refuses to connect.
	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotReady)
}
