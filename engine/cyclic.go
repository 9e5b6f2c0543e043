package trdpengine

import (
	"sort"
	"time"

	"github.com/c360/trdpsim/hub"
	"github.com/c360/trdpsim/telegram"
)

// dispatchCyclicLocked fires the cyclic PD publications that are due and
// returns the confirmation events to emit once the engine lock is
// released. A publication freshly activated by SendTxTelegram or
// Reconfigure is armed on its first pass and fires one cycle later, so
// activation never causes a double send. A send failure deactivates the
// publication; it stays off until the next explicit send succeeds.
func (e *Engine) dispatchCyclicLocked(now time.Time) []hub.Event {
	var events []hub.Event
	active := 0

	for _, comID := range e.sortedEndpointIDsLocked() {
		ep := e.endpoints[comID]
		if ep.def.Direction != telegram.DirectionTx || ep.def.Type != telegram.TelegramPD {
			continue
		}
		if !ep.txCyclicActive || ep.def.Cycle <= 0 {
			continue
		}
		if ep.nextSend.IsZero() {
			ep.nextSend = now.Add(ep.def.Cycle)
			active++
			continue
		}
		if now.Before(ep.nextSend) {
			active++
			continue
		}

		if err := e.publishPdBufferLocked(ep, ep.runtime.BufferCopy()); err != nil {
			ep.txCyclicActive = false
			e.logger.Warn("cyclic publication disabled after send failure", "comId", ep.def.ComID)
			continue
		}
		ep.nextSend = now.Add(ep.def.Cycle)
		active++

		txActive := true
		events = append(events, hub.TxConfirmation{
			ComID:    ep.def.ComID,
			Fields:   ep.runtime.SnapshotFields(),
			TxActive: &txActive,
		})
	}

	e.metrics.setCyclicActive(float64(active))
	return events
}

func (e *Engine) sortedEndpointIDsLocked() []uint32 {
	ids := make([]uint32, 0, len(e.endpoints))
	for id := range e.endpoints {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
