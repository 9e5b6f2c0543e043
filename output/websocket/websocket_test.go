package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/trdpsim/errors"
	"github.com/c360/trdpsim/hub"
	"github.com/c360/trdpsim/metric"
	"github.com/c360/trdpsim/telegram"
)

// testStates returns a two-telegram snapshot fixture.
func testStates() []hub.TelegramState {
	active := true
	return []hub.TelegramState{
		{
			ComID:     1001,
			Name:      "speed",
			Dataset:   "speedData",
			Direction: telegram.DirectionTx,
			Type:      telegram.TelegramPD,
			Fields:    map[string]telegram.FieldValue{"kmh": telegram.Uint16Value(80)},
			TxActive:  &active,
		},
		{
			ComID:     1002,
			Name:      "doors",
			Dataset:   "doorData",
			Direction: telegram.DirectionRx,
			Type:      telegram.TelegramPD,
			Fields:    map[string]telegram.FieldValue{"open": {}},
		},
	}
}

// newTestOutput builds a started transport backed by an in-process hub.
func newTestOutput(t *testing.T, snapshot hub.SnapshotFunc) (*Output, *hub.Hub) {
	t.Helper()

	h := hub.NewHub(snapshot, nil, nil)
	o, err := New(Dependencies{Hub: h})
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() { _ = o.Stop(time.Second) })
	return o, h
}

// dialWS connects a gorilla client to the test server.
func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readFrame reads one envelope with a bounded deadline.
func readFrame(t *testing.T, conn *websocket.Conn) MessageEnvelope {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var envelope MessageEnvelope
	require.NoError(t, json.Unmarshal(data, &envelope))
	return envelope
}

// payloadMap decodes an envelope payload into a generic map.
func payloadMap(t *testing.T, envelope MessageEnvelope) map[string]any {
	t.Helper()

	var m map[string]any
	require.NoError(t, json.Unmarshal(envelope.Payload, &m))
	return m
}

func TestClientReceivesSnapshotOnConnect(t *testing.T) {
	o, _ := newTestOutput(t, func() ([]hub.TelegramState, error) {
		return testStates(), nil
	})
	srv := httptest.NewServer(o)
	defer srv.Close()

	conn := dialWS(t, srv)
	envelope := readFrame(t, conn)

	assert.Equal(t, "data", envelope.Type)
	assert.True(t, strings.HasPrefix(envelope.ID, "msg-"), "frame id %q", envelope.ID)
	assert.Greater(t, envelope.Timestamp, int64(0))

	payload := payloadMap(t, envelope)
	assert.Equal(t, "snapshot", payload["type"])
	telegrams, ok := payload["telegrams"].([]any)
	require.True(t, ok)
	require.Len(t, telegrams, 2)

	first, ok := telegrams[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1001), first["comId"])
	assert.Equal(t, "speed", first["name"])
	assert.Equal(t, true, first["txActive"])
}

func TestSnapshotUnavailableSendsError(t *testing.T) {
	o, h := newTestOutput(t, func() ([]hub.TelegramState, error) {
		return nil, errors.ErrNotReady
	})
	srv := httptest.NewServer(o)
	defer srv.Close()

	conn := dialWS(t, srv)
	payload := payloadMap(t, readFrame(t, conn))

	assert.Equal(t, "error", payload["type"])
	assert.Equal(t, "TRDP registry is not initialised", payload["message"])
	// The client stays attached and receives later events.
	assert.Equal(t, 1, h.SubscriberCount())
}

func TestBroadcastReachesAllClients(t *testing.T) {
	o, h := newTestOutput(t, func() ([]hub.TelegramState, error) {
		return nil, nil
	})
	srv := httptest.NewServer(o)
	defer srv.Close()

	first := dialWS(t, srv)
	readFrame(t, first) // Initial snapshot
	second := dialWS(t, srv)
	readFrame(t, second)
	require.Equal(t, 2, h.SubscriberCount())

	h.Broadcast(hub.RxUpdate{
		ComID:  1002,
		Fields: map[string]telegram.FieldValue{"open": telegram.BoolValue(true)},
	})

	for _, conn := range []*websocket.Conn{first, second} {
		payload := payloadMap(t, readFrame(t, conn))
		assert.Equal(t, "rx", payload["type"])
		assert.Equal(t, float64(1002), payload["comId"])
		fields, ok := payload["fields"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, true, fields["open"])
	}
}

func TestClientDisconnectDetachesFromHub(t *testing.T) {
	o, h := newTestOutput(t, func() ([]hub.TelegramState, error) {
		return testStates(), nil
	})
	srv := httptest.NewServer(o)
	defer srv.Close()

	conn := dialWS(t, srv)
	readFrame(t, conn)
	require.Equal(t, 1, h.SubscriberCount())
	require.Equal(t, 1, o.ClientCount())

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return h.SubscriberCount() == 0 && o.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandshakeRejectedWhenNotRunning(t *testing.T) {
	h := hub.NewHub(nil, nil, nil)
	o, err := New(Dependencies{Hub: h})
	require.NoError(t, err)

	srv := httptest.NewServer(o)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	assert.Equal(t, 503, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestStopClosesClients(t *testing.T) {
	o, h := newTestOutput(t, func() ([]hub.TelegramState, error) {
		return testStates(), nil
	})
	srv := httptest.NewServer(o)
	defer srv.Close()

	conn := dialWS(t, srv)
	readFrame(t, conn)

	require.NoError(t, o.Stop(time.Second))
	assert.Equal(t, 0, o.ClientCount())
	assert.Equal(t, 0, h.SubscriberCount())

	// The client's next read observes the server-side close.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// Double stop is a no-op.
	require.NoError(t, o.Stop(time.Second))
}

func TestStartIdempotentAndHealth(t *testing.T) {
	h := hub.NewHub(nil, nil, nil)
	o, err := New(Dependencies{Hub: h})
	require.NoError(t, err)
	require.NoError(t, o.Initialize())

	assert.False(t, o.Health().Healthy)

	require.NoError(t, o.Start(context.Background()))
	require.NoError(t, o.Start(context.Background()))
	assert.True(t, o.Health().Healthy)

	meta := o.Meta()
	assert.Equal(t, "websocket-output", meta.Name)
	assert.Equal(t, "output", meta.Type)

	require.NoError(t, o.Stop(time.Second))
	assert.False(t, o.Health().Healthy)
}

func TestNewRequiresHub(t *testing.T) {
	_, err := New(Dependencies{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestConnectionMetrics(t *testing.T) {
	metrics := metric.NewMetricsRegistry()
	h := hub.NewHub(func() ([]hub.TelegramState, error) {
		return testStates(), nil
	}, nil, nil)
	o, err := New(Dependencies{Hub: h, Metrics: metrics})
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() { _ = o.Stop(time.Second) })

	srv := httptest.NewServer(o)
	defer srv.Close()

	conn := dialWS(t, srv)
	readFrame(t, conn)

	families, err := metrics.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := map[string]float64{}
	for _, family := range families {
		switch family.GetName() {
		case "trdpsim_websocket_client_connections_total":
			found["connections"] = family.GetMetric()[0].GetCounter().GetValue()
		case "trdpsim_websocket_clients_connected":
			found["clients"] = family.GetMetric()[0].GetGauge().GetValue()
		case "trdpsim_websocket_messages_sent_total":
			for _, m := range family.GetMetric() {
				for _, label := range m.GetLabel() {
					if label.GetName() == "type" && label.GetValue() == "snapshot" {
						found["snapshots"] = m.GetCounter().GetValue()
					}
				}
			}
		}
	}

	assert.Equal(t, 1.0, found["connections"])
	assert.Equal(t, 1.0, found["clients"])
	assert.Equal(t, 1.0, found["snapshots"])
}
