package hub

import (
	"fmt"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/trdpsim/errors"
	"github.com/c360/trdpsim/metric"
	"github.com/c360/trdpsim/telegram"
)

// fakeSubscriber records received events and can be told to fail.
type fakeSubscriber struct {
	id     string
	fail   bool
	events []Event
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Send(event Event) error {
	if f.fail {
		return fmt.Errorf("connection lost")
	}
	f.events = append(f.events, event)
	return nil
}

func testStates() []TelegramState {
	return []TelegramState{
		{ComID: 100, Name: "speed", Dataset: "speedData", Direction: telegram.DirectionTx,
			Type: telegram.TelegramPD, Fields: map[string]telegram.FieldValue{}},
		{ComID: 200, Name: "doors", Dataset: "doorData", Direction: telegram.DirectionRx,
			Type: telegram.TelegramPD, Fields: map[string]telegram.FieldValue{}},
	}
}

func TestHubAttachDeliversSnapshot(t *testing.T) {
	h := NewHub(func() ([]TelegramState, error) {
		return testStates(), nil
	}, nil, nil)

	sub := &fakeSubscriber{id: "ws-1"}
	require.NoError(t, h.Attach(sub))
	assert.Equal(t, 1, h.SubscriberCount())

	require.Len(t, sub.events, 1)
	snapshot, ok := sub.events[0].(Snapshot)
	require.True(t, ok, "first event must be a snapshot")
	require.Len(t, snapshot.Telegrams, 2)
	assert.Equal(t, uint32(100), snapshot.Telegrams[0].ComID)
	assert.Equal(t, uint32(200), snapshot.Telegrams[1].ComID)
}

func TestHubAttachBeforeRegistryReady(t *testing.T) {
	h := NewHub(func() ([]TelegramState, error) {
		return nil, errors.ErrNotStarted
	}, nil, nil)

	sub := &fakeSubscriber{id: "ws-1"}
	require.NoError(t, h.Attach(sub))
	assert.Equal(t, 1, h.SubscriberCount(), "subscriber stays attached")

	require.Len(t, sub.events, 1)
	errEvent, ok := sub.events[0].(Error)
	require.True(t, ok)
	assert.Equal(t, "TRDP registry is not initialised", errEvent.Message)
}

func TestHubAttachWithoutSnapshotSource(t *testing.T) {
	h := NewHub(nil, nil, nil)

	sub := &fakeSubscriber{id: "ws-1"}
	require.NoError(t, h.Attach(sub))
	assert.Equal(t, 1, h.SubscriberCount())
	assert.Empty(t, sub.events)
}

func TestHubAttachSendFailure(t *testing.T) {
	h := NewHub(func() ([]TelegramState, error) {
		return testStates(), nil
	}, nil, nil)

	sub := &fakeSubscriber{id: "ws-1", fail: true}
	err := h.Attach(sub)
	require.Error(t, err)
	assert.Equal(t, 0, h.SubscriberCount(), "failed subscriber is not kept")
}

func TestHubBroadcast(t *testing.T) {
	h := NewHub(nil, nil, nil)
	first := &fakeSubscriber{id: "ws-1"}
	second := &fakeSubscriber{id: "ws-2"}
	require.NoError(t, h.Attach(first))
	require.NoError(t, h.Attach(second))

	active := true
	h.Broadcast(TxConfirmation{
		ComID:    100,
		Fields:   map[string]telegram.FieldValue{"a": telegram.Uint16Value(7)},
		TxActive: &active,
	})

	for _, sub := range []*fakeSubscriber{first, second} {
		require.Len(t, sub.events, 1, "subscriber %s", sub.id)
		tx, ok := sub.events[0].(TxConfirmation)
		require.True(t, ok)
		assert.Equal(t, uint32(100), tx.ComID)
		require.NotNil(t, tx.TxActive)
		assert.True(t, *tx.TxActive)
	}
}

func TestHubBroadcastDetachesFailedSubscriber(t *testing.T) {
	h := NewHub(nil, nil, nil)
	healthy := &fakeSubscriber{id: "ws-1"}
	broken := &fakeSubscriber{id: "ws-2", fail: true}
	require.NoError(t, h.Attach(healthy))
	require.NoError(t, h.Attach(broken))
	assert.Equal(t, 2, h.SubscriberCount())

	h.Broadcast(RxUpdate{ComID: 200, Fields: map[string]telegram.FieldValue{}})
	assert.Equal(t, 1, h.SubscriberCount(), "failed subscriber dropped")

	h.Broadcast(RxUpdate{ComID: 201, Fields: map[string]telegram.FieldValue{}})
	assert.Len(t, healthy.events, 2, "remaining subscriber keeps receiving")
}

func TestHubDetach(t *testing.T) {
	h := NewHub(nil, nil, nil)
	sub := &fakeSubscriber{id: "ws-1"}
	require.NoError(t, h.Attach(sub))

	h.Detach("ws-1")
	assert.Equal(t, 0, h.SubscriberCount())

	// Detaching again or detaching an unknown id is a no-op.
	h.Detach("ws-1")
	h.Detach("nope")
	assert.Equal(t, 0, h.SubscriberCount())

	h.Broadcast(RxUpdate{ComID: 200})
	assert.Empty(t, sub.events, "detached subscriber receives nothing")
}

func TestHubBuildSnapshot(t *testing.T) {
	h := NewHub(func() ([]TelegramState, error) {
		return testStates(), nil
	}, nil, nil)

	states, err := h.BuildSnapshot()
	require.NoError(t, err)
	assert.Len(t, states, 2)

	empty := NewHub(nil, nil, nil)
	states, err = empty.BuildSnapshot()
	require.NoError(t, err)
	assert.Nil(t, states)

	failing := NewHub(func() ([]TelegramState, error) {
		return nil, errors.ErrNotStarted
	}, nil, nil)
	_, err = failing.BuildSnapshot()
	assert.ErrorIs(t, err, errors.ErrNotStarted)
}

func TestHubEventKinds(t *testing.T) {
	assert.Equal(t, "rx", RxUpdate{}.Kind())
	assert.Equal(t, "tx", TxConfirmation{}.Kind())
	assert.Equal(t, "snapshot", Snapshot{}.Kind())
	assert.Equal(t, "error", Error{}.Kind())
}

func TestHubMetricsIntegration(t *testing.T) {
	metricsRegistry := metric.NewMetricsRegistry()
	h := NewHub(func() ([]TelegramState, error) {
		return testStates(), nil
	}, nil, metricsRegistry)

	healthy := &fakeSubscriber{id: "ws-1"}
	broken := &fakeSubscriber{id: "ws-2", fail: true}
	require.NoError(t, h.Attach(healthy))
	require.Error(t, h.Attach(broken))

	h.Broadcast(RxUpdate{ComID: 200})
	h.Broadcast(TxConfirmation{ComID: 100})

	metricFamilies, err := metricsRegistry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	metricsByName := make(map[string]*dto.MetricFamily)
	for _, mf := range metricFamilies {
		metricsByName[*mf.Name] = mf
	}

	events := metricsByName["trdpsim_hub_events_total"]
	require.NotNil(t, events, "events metric should exist")
	byType := map[string]float64{}
	for _, m := range events.Metric {
		byType[*m.Label[0].Value] = *m.Counter.Value
	}
	assert.Equal(t, float64(1), byType["rx"])
	assert.Equal(t, float64(1), byType["tx"])

	failures := metricsByName["trdpsim_hub_send_failures_total"]
	require.NotNil(t, failures)
	assert.Equal(t, float64(1), *failures.Metric[0].Counter.Value)

	subscribers := metricsByName["trdpsim_hub_subscribers"]
	require.NotNil(t, subscribers)
	assert.Equal(t, float64(1), *subscribers.Metric[0].Gauge.Value)

	snapshots := metricsByName["trdpsim_hub_snapshots_total"]
	require.NotNil(t, snapshots)
	assert.Equal(t, float64(1), *snapshots.Metric[0].Counter.Value, "only the successful attach served a snapshot")
}

func TestTelegramStateTimeouts(t *testing.T) {
	state := TelegramState{
		ComID:          300,
		ReplyTimeout:   250 * time.Millisecond,
		ConfirmTimeout: time.Second,
	}
	assert.Equal(t, 250*time.Millisecond, state.ReplyTimeout)
	assert.Equal(t, time.Second, state.ConfirmTimeout)
}
