package trdpengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/trdpsim/hub"
	"github.com/c360/trdpsim/stack"
)

func TestCyclicPublicationRate(t *testing.T) {
	reg := newTestRegistry(t)
	stub := stack.NewStub(nil)
	e := startTestEngine(t, Dependencies{Registry: reg, Stack: stub}, testConfig())

	_, err := e.SendTxTelegram(1001, nil)
	require.NoError(t, err)

	// 20ms cycle over 250ms: roughly 13 sends including the manual one.
	// Generous bounds absorb scheduler jitter while still proving both
	// that retransmission repeats and that it is paced by the cycle.
	time.Sleep(250 * time.Millisecond)
	count := stub.PutCount(1001)
	assert.GreaterOrEqual(t, count, 6)
	assert.LessOrEqual(t, count, 20)
}

func TestCyclicStopsAfterDeactivation(t *testing.T) {
	reg := newTestRegistry(t)
	stub := stack.NewStub(nil)
	e := startTestEngine(t, Dependencies{Registry: reg, Stack: stub}, testConfig())

	_, err := e.SendTxTelegram(1001, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return stub.PutCount(1001) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.StopTxTelegram(1001))
	count := stub.PutCount(1001)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, count, stub.PutCount(1001), "no sends after deactivation")
}

func TestCyclicDisabledAfterSendFailure(t *testing.T) {
	reg := newTestRegistry(t)
	stub := stack.NewStub(nil)
	e := startTestEngine(t, Dependencies{Registry: reg, Stack: stub}, testConfig())

	_, err := e.SendTxTelegram(1001, nil)
	require.NoError(t, err)
	stub.SetPutFailure(1001, true)

	require.Eventually(t, func() bool {
		active, activeErr := e.TxPublishActive(1001)
		return activeErr == nil && !active
	}, 2*time.Second, 5*time.Millisecond, "a failed cyclic send deactivates the publication")

	// Clearing the fault does not reactivate anything by itself.
	stub.SetPutFailure(1001, false)
	count := stub.PutCount(1001)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, count, stub.PutCount(1001))

	// An explicit send re-arms the cycle.
	_, err = e.SendTxTelegram(1001, nil)
	require.NoError(t, err)
	active, err := e.TxPublishActive(1001)
	require.NoError(t, err)
	assert.True(t, active)
	require.Eventually(t, func() bool {
		return stub.PutCount(1001) >= count+3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCyclicArmingDelaysFirstSend(t *testing.T) {
	reg := newTestRegistry(t)
	stub := stack.NewStub(nil)
	e := newTestEngine(t, Dependencies{Registry: reg, Stack: stub}, testConfig())

	e.mu.Lock()
	defer e.mu.Unlock()
	require.NoError(t, e.initializeStackLocked())
	e.buildEndpointsLocked()

	ep := e.endpoints[1001]
	require.NotNil(t, ep)
	ep.txCyclicActive = true

	now := time.Now()
	events := e.dispatchCyclicLocked(now)
	assert.Empty(t, events, "the first pass arms the schedule without sending")
	assert.Equal(t, 0, stub.PutCount(1001))
	assert.Equal(t, 20*time.Millisecond, ep.nextSend.Sub(now))

	events = e.dispatchCyclicLocked(now.Add(10 * time.Millisecond))
	assert.Empty(t, events, "not due yet")

	events = e.dispatchCyclicLocked(now.Add(25 * time.Millisecond))
	require.Len(t, events, 1)
	assert.Equal(t, 1, stub.PutCount(1001))
	tx, ok := events[0].(hub.TxConfirmation)
	require.True(t, ok)
	assert.Equal(t, uint32(1001), tx.ComID)
	require.NotNil(t, tx.TxActive)
	assert.True(t, *tx.TxActive)
	assert.Equal(t, 45*time.Millisecond, ep.nextSend.Sub(now), "the schedule advances from the send time")

	e.teardownStackLocked()
}

func TestCyclicSkipsNonCyclicEndpoints(t *testing.T) {
	reg := newTestRegistry(t)
	stub := stack.NewStub(nil)
	e := newTestEngine(t, Dependencies{Registry: reg, Stack: stub}, testConfig())

	e.mu.Lock()
	defer e.mu.Unlock()
	require.NoError(t, e.initializeStackLocked())
	e.buildEndpointsLocked()

	// Forcing the flag on endpoints that cannot run cyclically must not
	// produce traffic: RX, MD, and cycle-less TX PD.
	e.endpoints[1002].txCyclicActive = true
	e.endpoints[2001].txCyclicActive = true
	e.endpoints[1003].txCyclicActive = true

	now := time.Now()
	assert.Empty(t, e.dispatchCyclicLocked(now))
	assert.Empty(t, e.dispatchCyclicLocked(now.Add(time.Second)))
	assert.Equal(t, 0, stub.PutCount(1002))
	assert.Equal(t, 0, stub.PutCount(1003))

	e.teardownStackLocked()
}
