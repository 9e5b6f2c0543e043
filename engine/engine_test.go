package trdpengine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/trdpsim/errors"
	"github.com/c360/trdpsim/hub"
	"github.com/c360/trdpsim/stack"
	"github.com/c360/trdpsim/telegram"
)

// testDataset is a 10-byte layout exercising a scalar pair and a string
// tail: a uint16 at 0, b uint32 at 2, c 4-byte string at 6.
func testDataset() telegram.DatasetDef {
	return telegram.DatasetDef{
		Name: "testData",
		Size: 10,
		Fields: []telegram.FieldDef{
			{Name: "a", Type: telegram.TypeUint16, Offset: 0},
			{Name: "b", Type: telegram.TypeUint32, Offset: 2},
			{Name: "c", Type: telegram.TypeString, Offset: 6, Size: 4},
		},
	}
}

// newTestRegistry populates a registry with one telegram per traffic
// shape: cyclic PD, one-shot PD, inbound PD, and two MD requests with
// different reply expectations. No telegram names a port, so PD and MD
// each get a single session on the default port.
func newTestRegistry(t *testing.T) *telegram.Registry {
	t.Helper()
	reg := telegram.NewRegistry(nil)
	require.NoError(t, reg.RegisterDataset(testDataset()))

	defs := []telegram.TelegramDef{
		{ComID: 1001, Name: "pdCyclic", DatasetName: "testData",
			Direction: telegram.DirectionTx, Type: telegram.TelegramPD,
			Cycle: 20 * time.Millisecond},
		{ComID: 1002, Name: "pdEcho", DatasetName: "testData",
			Direction: telegram.DirectionRx, Type: telegram.TelegramPD},
		{ComID: 1003, Name: "pdOnce", DatasetName: "testData",
			Direction: telegram.DirectionTx, Type: telegram.TelegramPD},
		{ComID: 2001, Name: "mdStatus", DatasetName: "testData",
			Direction: telegram.DirectionTx, Type: telegram.TelegramMD,
			ExpectedReplies: 2, ReplyTimeout: 500 * time.Millisecond},
		{ComID: 2002, Name: "mdFast", DatasetName: "testData",
			Direction: telegram.DirectionTx, Type: telegram.TelegramMD,
			ExpectedReplies: 1, ReplyTimeout: 30 * time.Millisecond},
	}
	for _, def := range defs {
		require.NoError(t, reg.RegisterTelegram(def))
	}
	return reg
}

// testConfig shortens the worker idle interval so asynchronous effects
// land within Eventually windows.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.IdleInterval = 5 * time.Millisecond
	return cfg
}

// captureSubscriber records every hub event it receives.
type captureSubscriber struct {
	mu     sync.Mutex
	events []hub.Event
}

func (c *captureSubscriber) ID() string { return "capture" }

func (c *captureSubscriber) Send(event hub.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureSubscriber) txEvents(comID uint32) []hub.TxConfirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []hub.TxConfirmation
	for _, event := range c.events {
		if tx, ok := event.(hub.TxConfirmation); ok && tx.ComID == comID {
			out = append(out, tx)
		}
	}
	return out
}

func (c *captureSubscriber) rxEvents(comID uint32) []hub.RxUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []hub.RxUpdate
	for _, event := range c.events {
		if rx, ok := event.(hub.RxUpdate); ok && rx.ComID == comID {
			out = append(out, rx)
		}
	}
	return out
}

func newCaptureHub(t *testing.T) (*hub.Hub, *captureSubscriber) {
	t.Helper()
	h := hub.NewHub(nil, nil, nil)
	sub := &captureSubscriber{}
	require.NoError(t, h.Attach(sub))
	return h, sub
}

// syncBuffer is an io.Writer safe for the worker goroutine's log output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestEngine(t *testing.T, deps Dependencies, cfg Config) *Engine {
	t.Helper()
	e, err := New(deps, cfg)
	require.NoError(t, err)
	return e
}

func startTestEngine(t *testing.T, deps Dependencies, cfg Config) *Engine {
	t.Helper()
	e := newTestEngine(t, deps, cfg)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(time.Second) })
	return e
}

func TestEngineRequiresRegistry(t *testing.T) {
	_, err := New(Dependencies{}, DefaultConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestEngineStartStop(t *testing.T) {
	reg := newTestRegistry(t)
	stub := stack.NewStub(nil)
	e := newTestEngine(t, Dependencies{Registry: reg, Stack: stub}, testConfig())

	require.NoError(t, e.Start(context.Background()))
	assert.True(t, e.Running())
	assert.Equal(t, 1, stub.InitCount())

	pdSess := stub.SessionFor(stack.RolePD, 17224)
	mdSess := stub.SessionFor(stack.RoleMD, 17224)
	require.NotNil(t, pdSess, "PD telegrams without ports share the default port")
	require.NotNil(t, mdSess, "MD telegrams without ports share the default port")
	assert.Len(t, stub.Sessions(), 2)

	// The worker services every session.
	require.Eventually(t, func() bool {
		return pdSess.ProcessCalls() > 0 && mdSess.ProcessCalls() > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, e.Stop(time.Second))
	assert.False(t, e.Running())
	assert.Equal(t, 1, stub.TerminateCount())
	assert.True(t, pdSess.Closed())
	assert.True(t, mdSess.Closed())

	// Stopping again is a no-op.
	require.NoError(t, e.Stop(time.Second))
	assert.Equal(t, 1, stub.TerminateCount())

	// The engine restarts cleanly.
	require.NoError(t, e.Start(context.Background()))
	assert.True(t, e.Running())
	assert.Equal(t, 2, stub.InitCount())
	require.NoError(t, e.Stop(time.Second))
}

func TestEngineStartWhileRunningIsNoop(t *testing.T) {
	reg := newTestRegistry(t)
	stub := stack.NewStub(nil)
	e := startTestEngine(t, Dependencies{Registry: reg, Stack: stub}, testConfig())

	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, 1, stub.InitCount())
	assert.True(t, e.Running())
}

func TestEngineLoopbackWithoutStack(t *testing.T) {
	reg := newTestRegistry(t)
	h, sub := newCaptureHub(t)
	e := startTestEngine(t, Dependencies{Registry: reg, Hub: h}, testConfig())

	id, err := e.SendTxTelegram(1003, map[string]telegram.FieldValue{
		"a": telegram.Uint16Value(42),
	})
	require.NoError(t, err)
	assert.Equal(t, stack.SessionID{}, id, "loopback sends have no stack session")

	require.Eventually(t, func() bool {
		return len(sub.txEvents(1003)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	states, err := e.Snapshot()
	require.NoError(t, err)
	assert.Len(t, states, 5)
}

func TestEngineSendTxTelegram(t *testing.T) {
	reg := newTestRegistry(t)
	stub := stack.NewStub(nil)
	h, sub := newCaptureHub(t)
	e := startTestEngine(t, Dependencies{Registry: reg, Stack: stub, Hub: h}, testConfig())

	_, err := e.SendTxTelegram(1003, map[string]telegram.FieldValue{
		"a": telegram.Uint16Value(0x1234),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, stub.PutCount(1003))
	assert.Equal(t, []byte{0x34, 0x12, 0, 0, 0, 0, 0, 0, 0, 0}, stub.LastPut(1003),
		"scalars are little-endian; unset fields stay zero")

	require.Eventually(t, func() bool {
		return len(sub.txEvents(1003)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	tx := sub.txEvents(1003)[0]
	require.NotNil(t, tx.TxActive)
	assert.False(t, *tx.TxActive, "a telegram without a cycle does not go cyclic")
	assert.Equal(t, uint32(0x1234), tx.Fields["a"].Uint())
}

func TestEngineSendTxTelegramErrors(t *testing.T) {
	reg := newTestRegistry(t)
	stub := stack.NewStub(nil)
	e := newTestEngine(t, Dependencies{Registry: reg, Stack: stub}, testConfig())

	// Not started yet.
	_, err := e.SendTxTelegram(1003, nil)
	assert.ErrorIs(t, err, errors.ErrNotStarted)

	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(time.Second) })

	_, err = e.SendTxTelegram(9999, nil)
	assert.ErrorIs(t, err, errors.ErrUnknownTelegram)

	_, err = e.SendTxTelegram(1002, nil)
	assert.ErrorIs(t, err, errors.ErrWrongDirection, "RX telegrams cannot be sent")
}

func TestEngineSendUsesStoredFields(t *testing.T) {
	reg := newTestRegistry(t)
	stub := stack.NewStub(nil)
	e := startTestEngine(t, Dependencies{Registry: reg, Stack: stub}, testConfig())

	require.NoError(t, e.SetFields(1003, map[string]telegram.FieldValue{
		"b": telegram.Uint32Value(7),
	}))

	_, err := e.SendTxTelegram(1003, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0x07, 0, 0, 0, 0, 0, 0, 0}, stub.LastPut(1003))

	// Stored values survive later sends with unrelated overrides.
	_, err = e.SendTxTelegram(1003, map[string]telegram.FieldValue{
		"a": telegram.Uint16Value(1),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0, 0x07, 0, 0, 0, 0, 0, 0, 0}, stub.LastPut(1003))
}

func TestEngineSetFieldsErrors(t *testing.T) {
	reg := newTestRegistry(t)
	e := newTestEngine(t, Dependencies{Registry: reg}, testConfig())

	err := e.SetFields(9999, nil)
	assert.ErrorIs(t, err, errors.ErrUnknownTelegram)

	// Unknown field names are skipped, not errors.
	require.NoError(t, e.SetFields(1003, map[string]telegram.FieldValue{
		"nope": telegram.Uint16Value(1),
	}))
}

func TestEngineRxDecode(t *testing.T) {
	reg := newTestRegistry(t)
	stub := stack.NewStub(nil)
	h, sub := newCaptureHub(t)
	startTestEngine(t, Dependencies{Registry: reg, Stack: stub, Hub: h}, testConfig())

	payload := []byte{0xFF, 0xFF, 0x01, 0x00, 0x00, 0x00, 'H', 'I', 0x00, 0x00}
	require.Equal(t, 1, stub.InjectPD(1002, payload), "the engine subscribes for RX telegrams")

	require.Eventually(t, func() bool {
		return len(sub.rxEvents(1002)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	fields := sub.rxEvents(1002)[0].Fields
	assert.Equal(t, uint32(0xFFFF), fields["a"].Uint())
	assert.Equal(t, uint32(1), fields["b"].Uint())
	assert.Equal(t, "HI\x00\x00", fields["c"].Str(), "string decode keeps trailing NULs")

	// The runtime holds the same decoded state.
	runtime := reg.GetOrCreateRuntime(1002)
	require.NotNil(t, runtime)
	assert.Equal(t, uint32(0xFFFF), runtime.SnapshotFields()["a"].Uint())
}

func TestEngineRxDiscards(t *testing.T) {
	reg := newTestRegistry(t)
	stub := stack.NewStub(nil)
	h, sub := newCaptureHub(t)
	e := startTestEngine(t, Dependencies{Registry: reg, Stack: stub, Hub: h}, testConfig())

	// Unknown ComId and wrong-direction payloads are dropped without events.
	e.HandleRxTelegram(9999, []byte{0x01})
	e.HandleRxTelegram(1003, []byte{0x01})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sub.rxEvents(9999))
	assert.Empty(t, sub.rxEvents(1003))
}

func TestEngineReconfigureWithoutRestart(t *testing.T) {
	reg := newTestRegistry(t)
	stub := stack.NewStub(nil)
	e := startTestEngine(t, Dependencies{Registry: reg, Stack: stub}, testConfig())

	etb, opTrain := e.TopologyCounters()
	assert.Equal(t, uint32(1), etb, "a fresh start counts as a topology change")
	assert.Equal(t, uint32(1), opTrain)

	cfg := testConfig()
	cfg.HostsFile = "/etc/train/hosts"
	require.NoError(t, e.Reconfigure(context.Background(), cfg))

	assert.True(t, e.Running())
	assert.Equal(t, 1, stub.InitCount(), "runtime changes do not restart the stack")
	etb, opTrain = e.TopologyCounters()
	assert.Equal(t, uint32(2), etb)
	assert.Equal(t, uint32(2), opTrain)

	// The worker pushes the bumped counters to every open session.
	pdSess := stub.SessionFor(stack.RolePD, 17224)
	require.Eventually(t, func() bool {
		sessEtb, sessOpTrain, _ := pdSess.TopoCounters()
		return sessEtb == 2 && sessOpTrain == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Re-applying the identical configuration changes nothing.
	require.NoError(t, e.Reconfigure(context.Background(), cfg))
	etb, opTrain = e.TopologyCounters()
	assert.Equal(t, uint32(2), etb)
	assert.Equal(t, uint32(2), opTrain)
}

func TestEngineMarkTopologyChanged(t *testing.T) {
	reg := newTestRegistry(t)
	stub := stack.NewStub(nil)
	e := startTestEngine(t, Dependencies{Registry: reg, Stack: stub}, testConfig())

	e.MarkTopologyChanged()
	etb, opTrain := e.TopologyCounters()
	assert.Equal(t, uint32(2), etb)
	assert.Equal(t, uint32(2), opTrain)

	mdSess := stub.SessionFor(stack.RoleMD, 17224)
	require.Eventually(t, func() bool {
		sessEtb, _, updates := mdSess.TopoCounters()
		return sessEtb == 2 && updates >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineSnapshot(t *testing.T) {
	reg := newTestRegistry(t)
	stub := stack.NewStub(nil)
	e := newTestEngine(t, Dependencies{Registry: reg, Stack: stub}, testConfig())

	// Before the first start nothing is bootstrapped.
	_, err := e.Snapshot()
	assert.ErrorIs(t, err, errors.ErrNotReady)

	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(time.Second) })

	states, err := e.Snapshot()
	require.NoError(t, err)
	require.Len(t, states, 5)

	var comIDs []uint32
	for _, state := range states {
		comIDs = append(comIDs, state.ComID)
	}
	assert.Equal(t, []uint32{1001, 1002, 1003, 2001, 2002}, comIDs, "snapshot is ordered by ComId")

	for _, state := range states {
		switch state.ComID {
		case 1001, 1003:
			require.NotNil(t, state.TxActive, "TX PD telegrams report cyclic state")
			assert.False(t, *state.TxActive)
		case 2001:
			assert.Nil(t, state.TxActive)
			assert.Equal(t, uint32(2), state.ExpectedReplies)
			assert.Equal(t, 500*time.Millisecond, state.ReplyTimeout)
		default:
			assert.Nil(t, state.TxActive)
		}
		assert.Contains(t, state.Fields, "a")
	}

	// Snapshot returns copies: consecutive reads are identical, and mutating
	// a returned state must not reach the engine.
	again, err := e.Snapshot()
	require.NoError(t, err)
	if diff := cmp.Diff(states, again); diff != "" {
		t.Errorf("consecutive snapshots differ (-first +second):\n%s", diff)
	}
	delete(again[0].Fields, "a")
	third, err := e.Snapshot()
	require.NoError(t, err)
	assert.Contains(t, third[0].Fields, "a")

	// The registry stays bootstrapped across a stop.
	require.NoError(t, e.Stop(time.Second))
	_, err = e.Snapshot()
	require.NoError(t, err)
}

func TestEngineBootstrapFromXML(t *testing.T) {
	const configXML = `<?xml version="1.0" encoding="UTF-8"?>
<device>
  <bus-interface-list>
    <bus-interface network-id="1">
      <data-set-list>
        <dataset name="axleData" size="4">
          <element name="speed" type="UINT16" offset="0"/>
        </dataset>
      </data-set-list>
      <telegram-list>
        <pd comid="7001" dataset="axleData" name="axle" dir="tx" cycle="100"/>
      </telegram-list>
    </bus-interface>
  </bus-interface-list>
</device>`

	dir := t.TempDir()
	path := filepath.Join(dir, "config.xml")
	require.NoError(t, os.WriteFile(path, []byte(configXML), 0o644))

	reg := telegram.NewRegistry(nil)
	stub := stack.NewStub(nil)
	cfg := testConfig()
	cfg.XMLPath = filepath.Join(dir, "missing.xml")
	e := newTestEngine(t, Dependencies{Registry: reg, Stack: stub}, cfg)

	// A missing file fails the start and is retried on the next one.
	require.Error(t, e.Start(context.Background()))
	assert.False(t, e.Running())

	cfg.XMLPath = path
	require.NoError(t, e.Reconfigure(context.Background(), cfg))
	t.Cleanup(func() { _ = e.Stop(time.Second) })
	assert.True(t, e.Running())

	datasets, telegrams := reg.Counts()
	assert.Equal(t, 1, datasets)
	assert.Equal(t, 1, telegrams)

	states, err := e.Snapshot()
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, uint32(7001), states[0].ComID)

	def, ok := reg.Telegram(7001)
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, def.Cycle, "cycle attributes are milliseconds")
}

func TestEngineLoadFromXMLWhileRunning(t *testing.T) {
	reg := newTestRegistry(t)
	e := startTestEngine(t, Dependencies{Registry: reg}, testConfig())

	err := e.LoadFromXML("/tmp/anything.xml")
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestEngineStopTxTelegram(t *testing.T) {
	reg := newTestRegistry(t)
	stub := stack.NewStub(nil)
	h, sub := newCaptureHub(t)
	e := startTestEngine(t, Dependencies{Registry: reg, Stack: stub, Hub: h}, testConfig())

	_, err := e.SendTxTelegram(1001, nil)
	require.NoError(t, err)
	active, err := e.TxPublishActive(1001)
	require.NoError(t, err)
	assert.True(t, active, "a successful send of a cyclic telegram arms retransmission")

	require.NoError(t, e.StopTxTelegram(1001))
	active, err = e.TxPublishActive(1001)
	require.NoError(t, err)
	assert.False(t, active)

	require.Eventually(t, func() bool {
		events := sub.txEvents(1001)
		if len(events) == 0 {
			return false
		}
		last := events[len(events)-1]
		return last.TxActive != nil && !*last.TxActive
	}, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, e.StopTxTelegram(1002), errors.ErrWrongDirection)
	assert.ErrorIs(t, e.StopTxTelegram(2001), errors.ErrWrongDirection, "MD telegrams are never cyclic")
	assert.ErrorIs(t, e.StopTxTelegram(9999), errors.ErrUnknownTelegram)
}

func TestEngineTxPublishActiveUnknown(t *testing.T) {
	reg := newTestRegistry(t)
	e := newTestEngine(t, Dependencies{Registry: reg}, testConfig())

	// Registered but not running: inactive, not an error.
	active, err := e.TxPublishActive(1001)
	require.NoError(t, err)
	assert.False(t, active)

	_, err = e.TxPublishActive(9999)
	assert.ErrorIs(t, err, errors.ErrUnknownTelegram)
}

func TestEngineHealthAndMeta(t *testing.T) {
	reg := newTestRegistry(t)
	stub := stack.NewStub(nil)
	e := newTestEngine(t, Dependencies{Registry: reg, Stack: stub}, testConfig())

	meta := e.Meta()
	assert.Equal(t, "trdp-engine", meta.Name)
	assert.Equal(t, "engine", meta.Type)

	health := e.Health()
	assert.True(t, health.Healthy)
	assert.Zero(t, health.ErrorCount)
	assert.Zero(t, health.Uptime)

	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(time.Second) })
	time.Sleep(10 * time.Millisecond)
	assert.Greater(t, e.Health().Uptime, time.Duration(0))

	// Failed sends are visible in the error counters.
	stub.SetPutFailure(1003, true)
	_, err := e.SendTxTelegram(1003, nil)
	require.Error(t, err)
	health = e.Health()
	assert.GreaterOrEqual(t, health.ErrorCount, 1)
	assert.NotEmpty(t, health.LastError)
}

func TestDurationToMicros(t *testing.T) {
	assert.Equal(t, uint32(0), durationToMicros(0))
	assert.Equal(t, uint32(0), durationToMicros(-time.Second))
	assert.Equal(t, uint32(20000), durationToMicros(20*time.Millisecond))
	assert.Equal(t, uint32(1), durationToMicros(1500*time.Nanosecond))
}
