package trdpengine

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/c360/trdpsim/errors"
	"github.com/c360/trdpsim/stack"
	"github.com/c360/trdpsim/telegram"
)

// endpoint binds one telegram to its stack-side objects: the session it
// rides on and the publication, subscription, or listener handle. An
// endpoint that failed to bind stays in the table with ready unset so it
// still shows up in snapshots and diagnostics.
type endpoint struct {
	def     telegram.TelegramDef
	runtime *telegram.Runtime
	session stack.Session

	pubHandle      stack.PubHandle
	subHandle      stack.SubHandle
	listenerHandle stack.ListenerHandle

	ready          bool
	txCyclicActive bool
	nextSend       time.Time
}

// buildEndpointsLocked rebuilds the endpoint table from the registry.
// Telegrams without a resolvable dataset are skipped; everything else is
// kept even when the stack-side bind fails.
func (e *Engine) buildEndpointsLocked() {
	e.endpoints = make(map[uint32]*endpoint)

	for _, def := range e.sortedTelegrams() {
		runtime := e.deps.Registry.GetOrCreateRuntime(def.ComID)
		if runtime == nil {
			e.logger.Warn("telegram has no runtime; dataset missing",
				"comId", def.ComID, "dataset", def.DatasetName)
			continue
		}

		ep := &endpoint{def: def, runtime: runtime}
		port := resolveEndpointPort(def)
		if def.Type == telegram.TelegramMD {
			e.bindMDEndpointLocked(ep, port)
		} else {
			e.bindPDEndpointLocked(ep, port)
		}
		e.endpoints[def.ComID] = ep
	}
}

// bindMDEndpointLocked attaches an MD endpoint to its session and adds a
// listener so unsolicited messages for the ComId reach the engine.
func (e *Engine) bindMDEndpointLocked(ep *endpoint, port uint16) {
	if e.deps.Stack == nil {
		ep.ready = true
		return
	}

	ep.session = e.mdSessionForPortLocked(port)
	ep.ready = e.mdInitialized && ep.session != nil
	if !ep.ready {
		e.logger.Warn("MD session not initialised; unable to bind endpoint", "comId", ep.def.ComID)
		return
	}
	md, ok := ep.session.MD()
	if !ok {
		ep.ready = false
		return
	}

	listener, err := md.AddListener(stack.ListenSpec{
		ComID:       ep.def.ComID,
		SrcIP:       ep.def.SrcIP,
		DestIP:      ep.def.DestIP,
		ETBTopo:     e.etbTopo,
		OpTrainTopo: e.opTrainTopo,
	})
	if err != nil {
		e.logger.Warn("failed to bind MD endpoint", "comId", ep.def.ComID, "error", err)
		ep.ready = false
		return
	}
	ep.listenerHandle = listener
	e.logger.Info("MD endpoint bound", "comId", ep.def.ComID, "port", ep.session.Port())
}

// bindPDEndpointLocked attaches a PD endpoint to its session: transmitters
// register a publication seeded with the runtime buffer, receivers a
// subscription.
func (e *Engine) bindPDEndpointLocked(ep *endpoint, port uint16) {
	if e.deps.Stack == nil {
		ep.ready = true
		return
	}

	ep.session = e.pdSessionForPortLocked(port)
	ep.ready = e.pdInitialized && ep.session != nil
	if !ep.ready {
		e.logger.Warn("PD session not initialised; unable to bind endpoint", "comId", ep.def.ComID)
		return
	}
	pd, ok := ep.session.PD()
	if !ok {
		ep.ready = false
		return
	}

	if ep.def.Direction == telegram.DirectionTx {
		if !e.isLocalIP(ep.def.SrcIP) {
			e.logger.Warn("source IP is not configured on this host; the stack would reject the publication",
				"comId", ep.def.ComID,
				"srcIp", ep.def.SrcIP.String(),
				"hint", "set tx_interface (or TRDPSIM_TX_INTERFACE) to a local address")
			ep.ready = false
			return
		}
		pub, err := pd.Publish(stack.PublishSpec{
			ComID:       ep.def.ComID,
			CycleMicros: durationToMicros(ep.def.Cycle),
			SrcIP:       ep.def.SrcIP,
			DestIP:      ep.def.DestIP,
			TTL:         ep.def.TTL,
			QoS:         ep.def.QoS,
			Flags:       ep.def.Flags,
			ETBTopo:     e.etbTopo,
			OpTrainTopo: e.opTrainTopo,
			Payload:     ep.runtime.BufferCopy(),
		})
		if err != nil {
			e.logger.Warn("PD binding failed", "comId", ep.def.ComID, "error", err)
			ep.ready = false
			return
		}
		ep.pubHandle = pub
	} else {
		destIP := ep.def.DestIP
		if destIP.IsValid() && !destIP.IsUnspecified() && !destIP.IsMulticast() && !e.isLocalIP(destIP) {
			e.logger.Warn("destination IP is not local; subscribing with wildcard",
				"comId", ep.def.ComID, "destIp", destIP.String())
			destIP = netip.Addr{}
		}
		sub, err := pd.Subscribe(stack.SubscribeSpec{
			ComID:       ep.def.ComID,
			SrcIP:       ep.def.SrcIP,
			DestIP:      destIP,
			TTL:         ep.def.TTL,
			QoS:         ep.def.QoS,
			Flags:       ep.def.Flags,
			ETBTopo:     e.etbTopo,
			OpTrainTopo: e.opTrainTopo,
		})
		if err != nil {
			e.logger.Warn("PD binding failed", "comId", ep.def.ComID, "error", err)
			ep.ready = false
			return
		}
		ep.subHandle = sub
	}
	e.logger.Debug("PD endpoint bound",
		"comId", ep.def.ComID,
		"direction", ep.def.Direction.String(),
		"port", ep.session.Port())
}

// publishPdBufferLocked pushes a payload to the wire for a TX PD endpoint.
func (e *Engine) publishPdBufferLocked(ep *endpoint, payload []byte) error {
	if !ep.ready {
		e.logger.Warn("PD session not available; dropping TX telegram", "comId", ep.def.ComID)
		e.metrics.recordPdPublish(ep.def.ComID, false)
		return errors.WrapTransient(errors.ErrNotReady, "engine", "publishPdBuffer",
			fmt.Sprintf("ComId %d", ep.def.ComID))
	}
	if e.deps.Stack != nil {
		pd, ok := ep.session.PD()
		if !ok {
			e.metrics.recordPdPublish(ep.def.ComID, false)
			return errors.WrapTransient(errors.ErrNotReady, "engine", "publishPdBuffer",
				fmt.Sprintf("ComId %d", ep.def.ComID))
		}
		if err := pd.Put(ep.pubHandle, payload); err != nil {
			e.logger.Warn("PD publish failed", "comId", ep.def.ComID, "error", err)
			e.metrics.recordPdPublish(ep.def.ComID, false)
			e.noteFailure(err)
			return errors.WrapTransient(err, "engine", "publishPdBuffer",
				fmt.Sprintf("ComId %d", ep.def.ComID))
		}
	}
	e.logger.Debug("PD telegram sent", "comId", ep.def.ComID, "bytes", len(payload))
	e.metrics.recordPdPublish(ep.def.ComID, true)
	return nil
}

// isLocalIP reports whether the address is assigned to this host. Zero
// and wildcard addresses count as local.
func (e *Engine) isLocalIP(addr netip.Addr) bool {
	if !addr.IsValid() || addr.IsUnspecified() {
		return true
	}
	if e.deps.LocalAddrs == nil {
		return true
	}
	addrs, err := e.deps.LocalAddrs()
	if err != nil {
		e.logger.Warn("failed to enumerate local addresses", "error", err)
		return false
	}
	want := addr.Unmap()
	for _, local := range addrs {
		if local.Unmap() == want {
			return true
		}
	}
	return false
}

// durationToMicros converts to the stack's native microsecond unit.
func durationToMicros(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32(d / time.Microsecond)
}
