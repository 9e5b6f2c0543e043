package trdpengine

import (
	"net/netip"
	"sort"
	"time"

	"github.com/c360/trdpsim/errors"
	"github.com/c360/trdpsim/stack"
	"github.com/c360/trdpsim/telegram"
)

// sortedTelegrams returns the registry contents ordered by ComId so port
// resolution and endpoint binding are deterministic.
func (e *Engine) sortedTelegrams() []telegram.TelegramDef {
	defs := e.deps.Registry.ListTelegrams()
	sort.Slice(defs, func(i, j int) bool { return defs[i].ComID < defs[j].ComID })
	return defs
}

// resolveDefaultPort picks the session port for telegrams of one type that
// name no port themselves: the first such telegram with an explicit
// destination port wins, otherwise the standard TRDP port.
func resolveDefaultPort(defs []telegram.TelegramDef, tt telegram.TelegramType) uint16 {
	for _, def := range defs {
		if def.Type == tt && def.DestPort != 0 {
			return def.DestPort
		}
	}
	return defaultTrdpPort
}

// resolveEndpointPort picks the session port for one telegram: explicit
// source port for transmitters, then destination port, then source port.
func resolveEndpointPort(def telegram.TelegramDef) uint16 {
	if def.Direction == telegram.DirectionTx && def.SrcPort != 0 {
		return def.SrcPort
	}
	if def.DestPort != 0 {
		return def.DestPort
	}
	return def.SrcPort
}

// collectSessionPorts gathers the distinct non-zero ports named by
// telegrams of one type, sorted ascending. When telegrams of the type
// exist but none names a port, the default port stands in so the type
// still gets a session.
func collectSessionPorts(defs []telegram.TelegramDef, tt telegram.TelegramType) (ports []uint16, hasTelegrams bool) {
	seen := make(map[uint16]struct{})
	for _, def := range defs {
		if def.Type != tt {
			continue
		}
		hasTelegrams = true
		if def.SrcPort != 0 {
			seen[def.SrcPort] = struct{}{}
		}
		if def.DestPort != 0 {
			seen[def.DestPort] = struct{}{}
		}
	}
	if hasTelegrams && len(seen) == 0 {
		seen[resolveDefaultPort(defs, tt)] = struct{}{}
	}
	for port := range seen {
		ports = append(ports, port)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports, hasTelegrams
}

// resolveLocalIP resolves an interface selector, which may be an interface
// name or a literal IP address, to the address sessions bind to.
func (e *Engine) resolveLocalIP(selector string) (netip.Addr, bool) {
	if selector == "" {
		return netip.Addr{}, false
	}
	if addr, err := netip.ParseAddr(selector); err == nil {
		return addr, true
	}
	if e.deps.InterfaceAddr != nil {
		if addr, err := e.deps.InterfaceAddr(selector); err == nil && addr.IsValid() {
			return addr, true
		}
	}
	return netip.Addr{}, false
}

// initializeStackLocked brings the stack up for the registered telegram
// set: one session per distinct port and role, then DNR and ECSP on top.
// Without a stack both roles are considered up so endpoint scheduling
// still runs.
func (e *Engine) initializeStackLocked() error {
	defs := e.sortedTelegrams()

	if e.deps.Stack == nil {
		e.logger.Info("TRDP stack not present; endpoints run in loopback mode")
		e.pdInitialized = true
		e.mdInitialized = true
		return nil
	}

	if err := e.deps.Stack.Init(stackHeapSize); err != nil {
		return errors.WrapFatal(err, "engine", "initializeStack", "stack init")
	}

	sessionIP, ok := e.resolveLocalIP(e.cfg.TxInterface)
	if !ok && e.cfg.TxInterface != "" {
		e.logger.Warn("unable to resolve TX interface; falling back to default stack selection",
			"interface", e.cfg.TxInterface)
	}
	if !ok {
		sessionIP, ok = e.resolveLocalIP(e.cfg.RxInterface)
		if !ok && e.cfg.RxInterface != "" {
			e.logger.Warn("unable to resolve RX interface; falling back to default stack selection",
				"interface", e.cfg.RxInterface)
		}
	}
	e.sessionIP = sessionIP

	pdPorts, hasPd := collectSessionPorts(defs, telegram.TelegramPD)
	mdPorts, hasMd := collectSessionPorts(defs, telegram.TelegramMD)
	if !hasPd {
		e.logger.Info("no PD telegrams configured; skipping PD stack setup")
	}
	if !hasMd {
		e.logger.Info("no MD telegrams configured; skipping MD stack setup")
	}

	e.openSessionsLocked(stack.RolePD, pdPorts)
	e.openSessionsLocked(stack.RoleMD, mdPorts)

	e.pdInitialized = hasPd && len(e.pdSessions) > 0
	e.mdInitialized = hasMd && len(e.mdSessions) > 0

	if hasPd && !e.pdInitialized {
		e.logger.Error("PD stack failed to initialise for configured telegrams")
		return errors.WrapFatal(errors.ErrStack, "engine", "initializeStack", "no PD session opened")
	}
	if hasMd && !e.mdInitialized {
		e.logger.Error("MD stack failed to initialise for configured telegrams")
		return errors.WrapFatal(errors.ErrStack, "engine", "initializeStack", "no MD session opened")
	}

	anySession := e.pdInitialized || e.mdInitialized

	if e.cfg.EnableDNR {
		if anySession {
			if err := e.initializeDnrLocked(); err != nil {
				return err
			}
		} else {
			e.logger.Info("DNR enabled but no TRDP sessions are active; skipping initialisation")
		}
	}
	if e.cfg.Ecsp.Enabled {
		if anySession {
			e.initializeEcspLocked()
		} else {
			e.logger.Info("ECSP supervision enabled but no TRDP sessions are active; skipping initialisation")
		}
	}

	if e.pdInitialized {
		e.logger.Info("PD session handle ready", "ports", e.pdPorts)
	}
	if e.mdInitialized {
		e.logger.Info("MD session handle ready", "ports", e.mdPorts)
	}
	e.metrics.setSessionsOpen("PD", float64(len(e.pdSessions)))
	e.metrics.setSessionsOpen("MD", float64(len(e.mdSessions)))
	return nil
}

// openSessionsLocked opens one session per port. A port that fails to
// open is logged and skipped; the caller decides whether the survivors
// are enough.
func (e *Engine) openSessionsLocked(role stack.SessionRole, ports []uint16) {
	for _, port := range ports {
		cfg := stack.SessionConfig{
			Role:    role,
			LocalIP: e.sessionIP,
			Port:    port,
		}
		if role == stack.RolePD {
			cfg.PDHandler = e.handlePDPacket
		} else {
			cfg.MDHandler = e.handleMDPacket
		}

		session, err := e.deps.Stack.OpenSession(cfg)
		if err != nil {
			e.logger.Warn("failed to open TRDP session",
				"role", role.String(), "port", port, "error", err)
			continue
		}
		if role == stack.RolePD {
			e.pdSessions[port] = session
			e.pdPorts = append(e.pdPorts, port)
		} else {
			e.mdSessions[port] = session
			e.mdPorts = append(e.mdPorts, port)
		}
		e.logger.Info("TRDP session open", "role", role.String(), "port", port)
	}
}

// initializeDnrLocked brings the train directory resolver up. A stack
// without DNR support is tolerated; a failing resolver init is fatal for
// the whole start.
func (e *Engine) initializeDnrLocked() error {
	dnr, ok := e.deps.Stack.DNR()
	if !ok {
		e.warnDnrUnavailable("stack has no DNR support; name resolution stays inactive")
		return nil
	}
	if err := dnr.Init(e.cfg.HostsFile, e.cfg.DNRMode); err != nil {
		e.logger.Error("DNR initialisation failed", "error", err)
		return errors.WrapFatal(err, "engine", "initializeDnr", "resolver init")
	}
	e.dnrInitialized = true
	if e.cfg.HostsFile != "" {
		e.logger.Info("DNR initialised", "hostsFile", e.cfg.HostsFile, "mode", e.cfg.DNRMode.String())
	} else {
		e.logger.Info("DNR initialised", "mode", e.cfg.DNRMode.String())
	}
	return nil
}

// teardownStackLocked closes every session, MD before PD, and terminates
// the stack. Safe to call when nothing was initialized.
func (e *Engine) teardownStackLocked() {
	if !e.pdInitialized && !e.mdInitialized {
		return
	}
	if e.deps.Stack != nil {
		for _, port := range e.mdPorts {
			if err := e.mdSessions[port].Close(); err != nil {
				e.logger.Warn("failed to close MD session", "port", port, "error", err)
			}
		}
		for _, port := range e.pdPorts {
			if err := e.pdSessions[port].Close(); err != nil {
				e.logger.Warn("failed to close PD session", "port", port, "error", err)
			}
		}
		if err := e.deps.Stack.Terminate(); err != nil {
			e.logger.Warn("stack terminate failed", "error", err)
		}
	}
	e.pdSessions = make(map[uint16]stack.Session)
	e.mdSessions = make(map[uint16]stack.Session)
	e.pdPorts = nil
	e.mdPorts = nil
	e.pdInitialized = false
	e.mdInitialized = false
	e.dnrInitialized = false
	e.ecspInitialized = false
	e.metrics.setSessionsOpen("PD", 0)
	e.metrics.setSessionsOpen("MD", 0)
}

// pdSessionForPortLocked returns the session bound to the port, falling
// back to the default (lowest-port) PD session.
func (e *Engine) pdSessionForPortLocked(port uint16) stack.Session {
	if s, ok := e.pdSessions[port]; ok {
		return s
	}
	if len(e.pdPorts) == 0 {
		return nil
	}
	return e.pdSessions[e.pdPorts[0]]
}

// mdSessionForPortLocked returns the session bound to the port, falling
// back to the default (lowest-port) MD session.
func (e *Engine) mdSessionForPortLocked(port uint16) stack.Session {
	if s, ok := e.mdSessions[port]; ok {
		return s
	}
	if len(e.mdPorts) == 0 {
		return nil
	}
	return e.mdSessions[e.mdPorts[0]]
}

// allSessionsLocked lists every open session, PD first, ports ascending.
func (e *Engine) allSessionsLocked() []stack.Session {
	sessions := make([]stack.Session, 0, len(e.pdPorts)+len(e.mdPorts))
	for _, port := range e.pdPorts {
		sessions = append(sessions, e.pdSessions[port])
	}
	for _, port := range e.mdPorts {
		sessions = append(sessions, e.mdSessions[port])
	}
	return sessions
}

// schedulingHintLocked derives the worker wait from the sessions' own
// interval requests, capped at the configured idle interval and floored
// at one millisecond.
func (e *Engine) schedulingHintLocked() time.Duration {
	hint := 100 * time.Millisecond
	if e.cfg.IdleInterval > 0 {
		hint = e.cfg.IdleInterval
	}
	if e.deps.Stack != nil {
		for _, s := range e.allSessionsLocked() {
			if iv, ok := s.Interval(); ok && iv < hint {
				hint = iv
			}
		}
	}
	if hint < time.Millisecond {
		hint = time.Millisecond
	}
	return hint
}
