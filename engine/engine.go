package trdpengine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/c360/trdpsim/component"
	"github.com/c360/trdpsim/errors"
	"github.com/c360/trdpsim/hub"
	"github.com/c360/trdpsim/metric"
	"github.com/c360/trdpsim/pkg/cache"
	"github.com/c360/trdpsim/stack"
	"github.com/c360/trdpsim/telegram"
)

// Dependencies wires the engine to its collaborators. Registry is
// required; everything else is optional. With a nil Stack the engine runs
// in loopback mode: endpoints bind, cyclic scheduling and hub fan-out
// run, but nothing touches the wire. A nil Hub drops events.
type Dependencies struct {
	Registry *telegram.Registry
	Stack    stack.Stack
	Hub      *hub.Hub
	Logger   *slog.Logger
	Metrics  *metric.MetricsRegistry

	// LocalAddrs enumerates host addresses for source-address checks;
	// InterfaceAddr resolves an interface name to its first IPv4
	// address. Both default to the net package.
	LocalAddrs    func() ([]netip.Addr, error)
	InterfaceAddr func(name string) (netip.Addr, error)
}

// Engine drives TRDP telegram traffic: it owns the stack sessions, the
// per-telegram endpoints, and the worker goroutine that services them.
type Engine struct {
	deps    Dependencies
	logger  *slog.Logger
	metrics *engineMetrics

	md *mdTracker

	mu            sync.Mutex
	cfg           Config
	bootstrapped  bool
	running       bool
	stopping      bool
	stopRequested bool
	stopSignaled  bool
	startedAt     time.Time
	stopCh        chan struct{}
	workerDone    chan struct{}

	sessionIP     netip.Addr
	pdSessions    map[uint16]stack.Session
	pdPorts       []uint16 // ascending; first entry is the default session
	mdSessions    map[uint16]stack.Session
	mdPorts       []uint16
	pdInitialized bool
	mdInitialized bool

	dnrInitialized  bool
	ecspInitialized bool

	endpoints map[uint32]*endpoint

	etbTopo     uint32
	opTrainTopo uint32
	topoDirty   bool

	uriCache   cache.Cache[string, netip.Addr]
	ipCache    cache.Cache[uint32, string]
	labelCache cache.Cache[string, LabelIDs]

	dnrWarnMu   sync.Mutex
	dnrWarnLast string

	healthMu   sync.Mutex
	errorCount int
	lastError  string
}

var _ component.LifecycleComponent = (*Engine)(nil)

// New creates an engine. The engine does nothing until Start.
func New(deps Dependencies, cfg Config) (*Engine, error) {
	if deps.Registry == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "engine", "New",
			"telegram registry is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine")

	metrics, err := newEngineMetrics(deps.Metrics)
	if err != nil {
		logger.Error("failed to initialize engine metrics", "error", err)
		metrics = nil // Continue without metrics
	}
	if deps.LocalAddrs == nil {
		deps.LocalAddrs = localInterfaceAddrs
	}
	if deps.InterfaceAddr == nil {
		deps.InterfaceAddr = interfaceAddr
	}

	e := &Engine{
		deps:       deps,
		logger:     logger,
		metrics:    metrics,
		md:         newMdTracker(logger),
		cfg:        cfg,
		pdSessions: make(map[uint16]stack.Session),
		mdSessions: make(map[uint16]stack.Session),
		endpoints:  make(map[uint32]*endpoint),
	}
	if err := e.rebuildCachesLocked(); err != nil {
		return nil, err
	}
	return e, nil
}

// Initialize validates the configuration. Resource acquisition happens in
// Start, per the component lifecycle contract.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Validate()
}

// Start brings the stack up with the current configuration and launches
// the worker goroutine.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()
	return e.Reconfigure(ctx, cfg)
}

// Reconfigure applies a configuration. While the engine is running,
// runtime settings are applied in place: the topology counters are
// bumped, the resolution caches rebuilt, and the ECSP control word
// refreshed, all without restarting sessions or the worker. A stopped
// engine performs a full start.
func (e *Engine) Reconfigure(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	changed := !e.running || runtimeSettingsDiffer(e.cfg, cfg)

	if e.running {
		if !changed {
			e.mu.Unlock()
			return nil
		}
		cacheChanged := cacheSettingsDiffer(e.cfg.Cache, cfg.Cache)
		e.cfg = cfg
		e.markTopologyChangedLocked()
		if cacheChanged {
			if err := e.rebuildCachesLocked(); err != nil {
				e.mu.Unlock()
				return err
			}
		}
		e.updateEcspControlLocked()
		e.mu.Unlock()

		e.trimCaches()
		e.logger.Info("configuration applied without restart")
		return nil
	}

	e.cfg = cfg
	if changed {
		e.markTopologyChangedLocked()
	}
	if cfg.EnableDNR && e.deps.Stack == nil {
		e.warnDnrUnavailable("TRDP stack not present; name resolution stays inactive")
	}

	if err := e.bootstrapRegistryLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	if err := e.initializeStackLocked(); err != nil {
		e.teardownStackLocked()
		e.mu.Unlock()
		return err
	}
	e.buildEndpointsLocked()
	endpointCount := len(e.endpoints)
	if endpointCount == 0 {
		e.logger.Warn("no telegrams registered; nothing to schedule")
	}

	e.stopRequested = false
	e.stopSignaled = false
	e.running = true
	e.startedAt = time.Now()
	stopCh := make(chan struct{})
	done := make(chan struct{})
	e.stopCh = stopCh
	e.workerDone = done
	go e.processingLoop(ctx, stopCh, done)
	e.mu.Unlock()

	e.logger.Info("engine started", "telegrams", endpointCount)
	return nil
}

// Stop signals the worker, waits for it to exit, and tears the stack
// down. Stopping an engine that is not running is a no-op.
func (e *Engine) Stop(timeout time.Duration) error {
	e.mu.Lock()
	if !e.running || e.stopping {
		e.mu.Unlock()
		return nil
	}
	e.stopping = true
	e.stopRequested = true
	signaled := e.stopSignaled
	e.stopSignaled = true
	stopCh := e.stopCh
	done := e.workerDone
	e.mu.Unlock()

	if !signaled {
		close(stopCh)
	}

	if timeout > 0 {
		select {
		case <-done:
		case <-time.After(timeout):
			e.mu.Lock()
			e.stopping = false
			e.mu.Unlock()
			return errors.WrapTransient(errors.ErrTimeout, "engine", "Stop",
				"worker did not exit within timeout")
		}
	} else {
		<-done
	}

	e.md.clear()

	e.mu.Lock()
	e.teardownStackLocked()
	e.endpoints = make(map[uint32]*endpoint)
	e.running = false
	e.stopping = false
	e.mu.Unlock()

	e.logger.Info("stack stopped")
	return nil
}

// Running reports whether the worker is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// bootstrapRegistryLocked loads the XML configuration on the first start.
// A registry already populated by the caller counts as bootstrapped; a
// failed load fails this start but is retried on the next one.
func (e *Engine) bootstrapRegistryLocked() error {
	if e.bootstrapped {
		return nil
	}
	if _, telegrams := e.deps.Registry.Counts(); telegrams > 0 {
		e.bootstrapped = true
		return nil
	}
	if e.cfg.XMLPath == "" {
		return nil
	}
	if err := e.deps.Registry.LoadXML(e.cfg.XMLPath); err != nil {
		e.logger.Error("TRDP registry failed to initialise from XML",
			"path", e.cfg.XMLPath, "error", err)
		return errors.WrapInvalid(err, "engine", "bootstrapRegistry", e.cfg.XMLPath)
	}
	e.bootstrapped = true
	e.logger.Info("TRDP registry initialised", "path", e.cfg.XMLPath)
	return nil
}

// LoadFromXML replaces the registry contents from a TRDP XML file. The
// engine must be stopped; endpoints are rebuilt on the next start.
func (e *Engine) LoadFromXML(path string) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "engine", "LoadFromXML",
			"stop the engine before loading a new configuration")
	}
	e.mu.Unlock()

	if err := e.deps.Registry.LoadXML(path); err != nil {
		return errors.WrapInvalid(err, "engine", "LoadFromXML", path)
	}

	e.mu.Lock()
	e.bootstrapped = true
	e.mu.Unlock()
	e.logger.Info("TRDP registry initialised", "path", path)
	return nil
}

// SendTxTelegram encodes the telegram's stored values merged with the
// given overrides and sends the result immediately. For PD telegrams with
// a configured cycle a successful send also activates cyclic publication.
// The returned session id is non-zero only for MD requests issued through
// a stack.
func (e *Engine) SendTxTelegram(comID uint32, overrides map[string]telegram.FieldValue) (stack.SessionID, error) {
	var sessionID stack.SessionID

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return sessionID, errors.WrapTransient(errors.ErrNotStarted, "engine", "SendTxTelegram",
			fmt.Sprintf("ComId %d", comID))
	}
	ep, ok := e.endpoints[comID]
	if !ok {
		e.mu.Unlock()
		e.logger.Warn("unknown TX telegram", "comId", comID)
		return sessionID, errors.WrapInvalid(errors.ErrUnknownTelegram, "engine", "SendTxTelegram",
			fmt.Sprintf("ComId %d", comID))
	}
	if ep.def.Direction != telegram.DirectionTx {
		e.mu.Unlock()
		e.logger.Warn("telegram is not marked as TX", "comId", comID)
		return sessionID, errors.WrapInvalid(errors.ErrWrongDirection, "engine", "SendTxTelegram",
			fmt.Sprintf("ComId %d is not marked as TX", comID))
	}

	merged := ep.runtime.ApplyFields(overrides)
	payload := telegram.Encode(ep.runtime.Dataset(), merged)
	ep.runtime.OverwriteBuffer(payload)

	if ep.def.Type == telegram.TelegramMD {
		if !ep.ready {
			e.mu.Unlock()
			e.logger.Warn("MD session not available; dropping TX telegram", "comId", comID)
			e.metrics.recordMdRequest(comID, false)
			return sessionID, errors.WrapTransient(errors.ErrNotReady, "engine", "SendTxTelegram",
				fmt.Sprintf("ComId %d", comID))
		}
		if e.deps.Stack != nil {
			md, ok := ep.session.MD()
			if !ok {
				e.mu.Unlock()
				e.metrics.recordMdRequest(comID, false)
				return sessionID, errors.WrapTransient(errors.ErrNotReady, "engine", "SendTxTelegram",
					fmt.Sprintf("ComId %d", comID))
			}
			id, err := md.Request(stack.RequestSpec{
				ComID:                comID,
				SrcIP:                ep.def.SrcIP,
				DestIP:               ep.def.DestIP,
				ExpectedReplies:      ep.def.ExpectedReplies,
				ReplyTimeoutMicros:   durationToMicros(ep.def.ReplyTimeout),
				ConfirmTimeoutMicros: durationToMicros(ep.def.ConfirmTimeout),
				TTL:                  ep.def.TTL,
				QoS:                  ep.def.QoS,
				ETBTopo:              e.etbTopo,
				OpTrainTopo:          e.opTrainTopo,
				Payload:              payload,
			})
			if err != nil {
				e.mu.Unlock()
				e.logger.Warn("MD request failed", "comId", comID, "error", err)
				e.metrics.recordMdRequest(comID, false)
				e.noteFailure(err)
				return sessionID, errors.WrapTransient(err, "engine", "SendTxTelegram",
					fmt.Sprintf("ComId %d", comID))
			}
			sessionID = id
			e.md.track(id, ep.def, time.Now())
		}
		e.logger.Debug("MD telegram sent",
			"comId", comID, "bytes", len(payload), "session", sessionID.String())
		e.metrics.recordMdRequest(comID, true)
		event := hub.TxConfirmation{ComID: comID, Fields: merged}
		e.mu.Unlock()

		e.emit(event)
		return sessionID, nil
	}

	if err := e.publishPdBufferLocked(ep, payload); err != nil {
		e.mu.Unlock()
		return sessionID, err
	}
	if ep.def.Cycle > 0 {
		ep.txCyclicActive = true
		ep.nextSend = time.Now().Add(ep.def.Cycle)
	}
	txActive := ep.txCyclicActive
	event := hub.TxConfirmation{ComID: comID, Fields: merged, TxActive: &txActive}
	e.mu.Unlock()

	e.emit(event)
	return sessionID, nil
}

// StopTxTelegram deactivates cyclic publication for a TX PD telegram and
// notifies hub subscribers of the transition. Stopping an inactive
// publication is a no-op.
func (e *Engine) StopTxTelegram(comID uint32) error {
	e.mu.Lock()
	ep, ok := e.endpoints[comID]
	if !ok {
		e.mu.Unlock()
		return errors.WrapInvalid(errors.ErrUnknownTelegram, "engine", "StopTxTelegram",
			fmt.Sprintf("ComId %d", comID))
	}
	if ep.def.Direction != telegram.DirectionTx || ep.def.Type != telegram.TelegramPD {
		e.mu.Unlock()
		return errors.WrapInvalid(errors.ErrWrongDirection, "engine", "StopTxTelegram",
			fmt.Sprintf("ComId %d is not a TX PD telegram", comID))
	}
	ep.txCyclicActive = false
	ep.nextSend = time.Time{}
	txActive := false
	event := hub.TxConfirmation{
		ComID:    comID,
		Fields:   ep.runtime.SnapshotFields(),
		TxActive: &txActive,
	}
	e.mu.Unlock()

	e.emit(event)
	return nil
}

// SetFields updates stored field values without transmitting. Unknown
// field names are skipped; the next send or cyclic pass picks the values
// up.
func (e *Engine) SetFields(comID uint32, values map[string]telegram.FieldValue) error {
	def, ok := e.deps.Registry.Telegram(comID)
	if !ok {
		return errors.WrapInvalid(errors.ErrUnknownTelegram, "engine", "SetFields",
			fmt.Sprintf("ComId %d", comID))
	}
	runtime := e.deps.Registry.GetOrCreateRuntime(comID)
	if runtime == nil {
		return errors.WrapInvalid(errors.ErrUnknownDataset, "engine", "SetFields", def.DatasetName)
	}
	for name, value := range values {
		if !runtime.SetFieldValue(name, value) {
			e.logger.Debug("ignoring unknown field", "comId", comID, "field", name)
		}
	}
	return nil
}

// TxPublishActive reports whether cyclic publication is active for a
// telegram. Registered telegrams that are not running report false.
func (e *Engine) TxPublishActive(comID uint32) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ep, ok := e.endpoints[comID]; ok {
		return ep.txCyclicActive, nil
	}
	if _, ok := e.deps.Registry.Telegram(comID); ok {
		return false, nil
	}
	return false, errors.WrapInvalid(errors.ErrUnknownTelegram, "engine", "TxPublishActive",
		fmt.Sprintf("ComId %d", comID))
}

// HandleRxTelegram decodes a received payload into the telegram's runtime
// buffer and notifies hub subscribers. Telegrams not registered for
// reception are discarded with a diagnostic.
func (e *Engine) HandleRxTelegram(comID uint32, payload []byte) {
	e.mu.Lock()
	ep, ok := e.endpoints[comID]
	if !ok {
		e.mu.Unlock()
		e.logger.Warn("received unknown telegram", "comId", comID)
		return
	}
	if ep.def.Direction != telegram.DirectionRx {
		e.mu.Unlock()
		e.logger.Warn("received payload for TX telegram; discarding", "comId", comID)
		return
	}
	runtime := ep.runtime
	e.mu.Unlock()

	runtime.ApplyPayload(payload)
	fields := runtime.SnapshotFields()
	e.metrics.recordRx(comID)
	e.emit(hub.RxUpdate{ComID: comID, Fields: fields})
}

func (e *Engine) handleRxMdTelegram(comID uint32, payload []byte) {
	e.logger.Debug("MD telegram received", "comId", comID, "bytes", len(payload))
	e.HandleRxTelegram(comID, payload)
}

// handlePDPacket is the PD receive callback registered with every PD
// session.
func (e *Engine) handlePDPacket(p stack.PDPacket) {
	if !p.Result.OK() {
		e.logger.Warn("PD receive error", "comId", p.ComID, "result", p.Result.String())
		return
	}
	e.HandleRxTelegram(p.ComID, p.Payload)
}

// handleMDPacket is the MD receive callback. Every packet on a known
// request session counts toward that session's reply bookkeeping even
// when the payload is empty (a bare confirm).
func (e *Engine) handleMDPacket(p stack.MDPacket) {
	if !p.Result.OK() {
		e.logger.Warn("MD receive error", "comId", p.ComID, "result", p.Result.String())
		return
	}
	e.md.registerReply(p.Session)
	if len(p.Payload) > 0 {
		e.handleRxMdTelegram(p.ComID, p.Payload)
	}
}

// MarkTopologyChanged bumps both topology counters; the worker pushes the
// new values to every open session on its next pass.
func (e *Engine) MarkTopologyChanged() {
	e.mu.Lock()
	e.markTopologyChangedLocked()
	e.mu.Unlock()
}

func (e *Engine) markTopologyChangedLocked() {
	e.etbTopo++
	e.opTrainTopo++
	e.topoDirty = true
	e.metrics.recordTopologyChange()
	e.logger.Info("topology change detected", "etbTopo", e.etbTopo, "opTrainTopo", e.opTrainTopo)
}

// TopologyCounters returns the current ETB and operational-train
// topology counters.
func (e *Engine) TopologyCounters() (etb, opTrain uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.etbTopo, e.opTrainTopo
}

// Snapshot returns one TelegramState per registered telegram, ordered by
// ComId. It fails until the registry has been bootstrapped so attaching
// clients can tell "no configuration yet" from "empty configuration".
func (e *Engine) Snapshot() ([]hub.TelegramState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.bootstrapped {
		return nil, errors.WrapTransient(errors.ErrNotReady, "engine", "Snapshot",
			"registry not initialised")
	}

	defs := e.sortedTelegrams()
	states := make([]hub.TelegramState, 0, len(defs))
	for _, def := range defs {
		state := hub.TelegramState{
			ComID:           def.ComID,
			Name:            def.Name,
			Dataset:         def.DatasetName,
			Direction:       def.Direction,
			Type:            def.Type,
			ExpectedReplies: def.ExpectedReplies,
			ReplyTimeout:    def.ReplyTimeout,
			ConfirmTimeout:  def.ConfirmTimeout,
		}
		if runtime := e.deps.Registry.GetOrCreateRuntime(def.ComID); runtime != nil {
			state.Fields = runtime.SnapshotFields()
		}
		if def.Direction == telegram.DirectionTx && def.Type == telegram.TelegramPD {
			active := false
			if ep, ok := e.endpoints[def.ComID]; ok {
				active = ep.txCyclicActive
			}
			state.TxActive = &active
		}
		states = append(states, state)
	}
	return states, nil
}

// Meta describes the engine for component discovery.
func (e *Engine) Meta() component.Metadata {
	return component.Metadata{
		Name:        "trdp-engine",
		Type:        "engine",
		Description: "Drives TRDP PD/MD telegram traffic from the configured telegram set",
		Version:     "1.0.0",
	}
}

// Health reports liveness for the health endpoint.
func (e *Engine) Health() component.HealthStatus {
	e.mu.Lock()
	running := e.running
	startedAt := e.startedAt
	e.mu.Unlock()

	e.healthMu.Lock()
	errorCount := e.errorCount
	lastError := e.lastError
	e.healthMu.Unlock()

	status := component.HealthStatus{
		Healthy:    true,
		LastCheck:  time.Now(),
		ErrorCount: errorCount,
		LastError:  lastError,
	}
	if running {
		status.Uptime = time.Since(startedAt)
	}
	return status
}

// emit broadcasts events to the hub, if one is attached. Callers must not
// hold the engine lock.
func (e *Engine) emit(events ...hub.Event) {
	if e.deps.Hub == nil {
		return
	}
	for _, event := range events {
		e.deps.Hub.Broadcast(event)
	}
}

// noteFailure feeds the health counters.
func (e *Engine) noteFailure(err error) {
	e.healthMu.Lock()
	e.errorCount++
	e.lastError = err.Error()
	e.healthMu.Unlock()
}

// localInterfaceAddrs enumerates the host's interface addresses.
func localInterfaceAddrs() ([]netip.Addr, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip); ok {
			out = append(out, addr.Unmap())
		}
	}
	return out, nil
}

// interfaceAddr resolves an interface name to its first IPv4 address.
func interfaceAddr(name string) (netip.Addr, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return netip.Addr{}, err
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return netip.Addr{}, err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if addr, ok := netip.AddrFromSlice(ipNet.IP); ok {
			addr = addr.Unmap()
			if addr.Is4() {
				return addr, nil
			}
		}
	}
	return netip.Addr{}, fmt.Errorf("interface %s has no IPv4 address", name)
}
