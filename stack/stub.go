package stack

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/trdpsim/errors"
)

// Interface compliance checks.
var (
	_ Stack   = (*Stub)(nil)
	_ Session = (*StubSession)(nil)
	_ PD      = (*StubSession)(nil)
	_ MD      = (*StubSession)(nil)
	_ DNR     = (*stubDNR)(nil)
	_ ECSP    = (*stubECSP)(nil)
)

// LabelEntry is the structural-ID triple the stub resolver answers for one
// vehicle label.
type LabelEntry struct {
	TcnVeh uint8
	TcnCst uint8
	OpCst  uint8
}

// StubOption configures a Stub.
type StubOption func(*Stub)

// WithHosts seeds the stub resolver's URI table and enables the DNR
// capability. The reverse IP table is derived from it.
func WithHosts(hosts map[string]netip.Addr) StubOption {
	return func(s *Stub) {
		for uri, ip := range hosts {
			s.dnr.hosts[uri] = ip
			s.dnr.reverse[ip] = uri
		}
		s.dnrPresent = true
	}
}

// WithLabels seeds the stub resolver's label table and enables the DNR
// capability.
func WithLabels(labels map[string]LabelEntry) StubOption {
	return func(s *Stub) {
		for label, entry := range labels {
			s.dnr.labels[label] = entry
		}
		s.dnrPresent = true
	}
}

// WithECSPStatus sets the canned status the stub switch reports.
func WithECSPStatus(status ECSPStatus) StubOption {
	return func(s *Stub) {
		s.ecsp.status = status
	}
}

// Stub is the in-memory stack. It records every publish, put, subscription,
// listener, and request so tests can assert on engine behavior, and it can
// inject received packets into the registered handlers.
type Stub struct {
	logger *slog.Logger

	mu           sync.Mutex
	initialized  bool
	initCount    int
	termCount    int
	sessions     []*StubSession
	failPuts     map[uint32]bool
	failRequests map[uint32]bool
	failOpens    map[uint16]bool

	dnrPresent bool
	dnr        *stubDNR
	ecsp       *stubECSP
}

// NewStub creates a stub stack. A nil logger falls back to slog.Default().
// Without WithHosts or WithLabels the DNR capability is absent, mirroring
// platforms whose stack ships without the resolver.
func NewStub(logger *slog.Logger, opts ...StubOption) *Stub {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stub{
		logger:       logger.With("component", "stack-stub"),
		failPuts:     make(map[uint32]bool),
		failRequests: make(map[uint32]bool),
		failOpens:    make(map[uint16]bool),
		dnr: &stubDNR{
			hosts:   make(map[string]netip.Addr),
			reverse: make(map[netip.Addr]string),
			labels:  make(map[string]LabelEntry),
		},
		ecsp: &stubECSP{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init marks the stub ready. The heap size is accepted and ignored.
func (s *Stub) Init(heapSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	s.initCount++
	s.logger.Debug("stub stack initialised", "heapSize", heapSize)
	return nil
}

// OpenSession opens an always-ready in-memory session.
func (s *Stub) OpenSession(cfg SessionConfig) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil, errors.WrapInvalid(errors.ErrNotStarted, "Stub", "OpenSession",
			"stack not initialised")
	}
	if s.failOpens[cfg.Port] {
		return nil, errors.WrapTransient(StackErrorOf(ResultIO), "Stub", "OpenSession",
			fmt.Sprintf("port %d", cfg.Port))
	}
	session := &StubSession{
		stub:      s,
		role:      cfg.Role,
		localIP:   cfg.LocalIP,
		port:      cfg.Port,
		pdHandler: cfg.PDHandler,
		mdHandler: cfg.MDHandler,
		pubs:      make(map[PubHandle]*stubPublication),
		subs:      make(map[SubHandle]SubscribeSpec),
		listeners: make(map[ListenerHandle]ListenSpec),
	}
	s.sessions = append(s.sessions, session)
	s.logger.Debug("stub session opened", "role", cfg.Role.String(), "port", cfg.Port)
	return session, nil
}

// DNR returns the stub resolver when hosts or labels were configured.
func (s *Stub) DNR() (DNR, bool) {
	if !s.dnrPresent {
		return nil, false
	}
	return s.dnr, true
}

// ECSP returns the stub switch-control capability; always present.
func (s *Stub) ECSP() (ECSP, bool) {
	return s.ecsp, true
}

// Terminate closes every session and resets the stub to its pre-Init state.
func (s *Stub) Terminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		session.markClosed()
	}
	s.sessions = nil
	s.initialized = false
	s.termCount++
	s.logger.Debug("stub stack terminated")
	return nil
}

// Sessions returns the currently open sessions.
func (s *Stub) Sessions() []*StubSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*StubSession, len(s.sessions))
	copy(out, s.sessions)
	return out
}

// SessionFor returns the open session with the given role and port, or nil.
func (s *Stub) SessionFor(role SessionRole, port uint16) *StubSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.role == role && session.port == port {
			return session
		}
	}
	return nil
}

// InitCount returns how many times Init ran.
func (s *Stub) InitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initCount
}

// TerminateCount returns how many times Terminate ran.
func (s *Stub) TerminateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termCount
}

// SetPutFailure makes every Put for the ComId fail until cleared.
func (s *Stub) SetPutFailure(comID uint32, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPuts[comID] = fail
}

// SetRequestFailure makes every MD Request for the ComId fail until cleared.
func (s *Stub) SetRequestFailure(comID uint32, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRequests[comID] = fail
}

// SetOpenFailure makes OpenSession fail for the given port until cleared.
func (s *Stub) SetOpenFailure(port uint16, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOpens[port] = fail
}

func (s *Stub) putShouldFail(comID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failPuts[comID]
}

func (s *Stub) requestShouldFail(comID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failRequests[comID]
}

// PublishCount returns the number of Publish registrations for the ComId
// across all sessions.
func (s *Stub) PublishCount(comID uint32) int {
	count := 0
	for _, session := range s.Sessions() {
		session.mu.Lock()
		for _, pub := range session.pubs {
			if pub.spec.ComID == comID {
				count++
			}
		}
		session.mu.Unlock()
	}
	return count
}

// PutCount returns the number of payload pushes for the ComId across all
// sessions.
func (s *Stub) PutCount(comID uint32) int {
	count := 0
	for _, session := range s.Sessions() {
		session.mu.Lock()
		for _, pub := range session.pubs {
			if pub.spec.ComID == comID {
				count += pub.puts
			}
		}
		session.mu.Unlock()
	}
	return count
}

// LastPut returns the most recent payload pushed for the ComId, or nil.
func (s *Stub) LastPut(comID uint32) []byte {
	for _, session := range s.Sessions() {
		session.mu.Lock()
		for _, pub := range session.pubs {
			if pub.spec.ComID == comID && pub.payload != nil {
				out := make([]byte, len(pub.payload))
				copy(out, pub.payload)
				session.mu.Unlock()
				return out
			}
		}
		session.mu.Unlock()
	}
	return nil
}

// Requests returns every MD request recorded so far, in order.
func (s *Stub) Requests() []RequestSpec {
	var out []RequestSpec
	for _, session := range s.Sessions() {
		session.mu.Lock()
		out = append(out, session.requests...)
		session.mu.Unlock()
	}
	return out
}

// InjectPD delivers a received PD packet to every session subscribed to the
// ComId, returning the number of handlers invoked.
func (s *Stub) InjectPD(comID uint32, payload []byte) int {
	var handlers []PDHandler
	for _, session := range s.Sessions() {
		session.mu.Lock()
		subscribed := false
		for _, sub := range session.subs {
			if sub.ComID == comID {
				subscribed = true
				break
			}
		}
		handler := session.pdHandler
		session.mu.Unlock()
		if subscribed && handler != nil {
			handlers = append(handlers, handler)
		}
	}

	packet := PDPacket{ComID: comID, Result: ResultOK, Payload: payload}
	for _, handler := range handlers {
		handler(packet)
	}
	return len(handlers)
}

// InjectMD delivers a received MD packet to every MD session's handler,
// returning the number of handlers invoked. Replies to outbound requests
// arrive on the requesting session, so no listener match is required.
func (s *Stub) InjectMD(comID uint32, session SessionID, payload []byte) int {
	var handlers []MDHandler
	for _, sess := range s.Sessions() {
		sess.mu.Lock()
		handler := sess.mdHandler
		role := sess.role
		sess.mu.Unlock()
		if role == RoleMD && handler != nil {
			handlers = append(handlers, handler)
		}
	}

	packet := MDPacket{ComID: comID, Result: ResultOK, Session: session, Payload: payload}
	for _, handler := range handlers {
		handler(packet)
	}
	return len(handlers)
}

// stubPublication is one recorded PD publication.
type stubPublication struct {
	spec    PublishSpec
	payload []byte
	puts    int
}

// StubSession is one open stub session. The PD and MD capabilities are
// implemented on the session itself and gated by its role.
type StubSession struct {
	stub      *Stub
	role      SessionRole
	localIP   netip.Addr
	port      uint16
	pdHandler PDHandler
	mdHandler MDHandler

	mu           sync.Mutex
	closed       bool
	etbTopo      uint32
	opTrainTopo  uint32
	topoUpdates  int
	processCalls int
	nextHandle   uint64
	pubs         map[PubHandle]*stubPublication
	subs         map[SubHandle]SubscribeSpec
	listeners    map[ListenerHandle]ListenSpec
	requests     []RequestSpec
}

func (s *StubSession) Role() SessionRole { return s.role }
func (s *StubSession) Port() uint16      { return s.port }

// LocalIP returns the address the session was bound with.
func (s *StubSession) LocalIP() netip.Addr { return s.localIP }

func (s *StubSession) Close() error {
	s.markClosed()
	return nil
}

func (s *StubSession) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Closed reports whether the session was closed.
func (s *StubSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *StubSession) SetTopoCounters(etb, opTrain uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.etbTopo = etb
	s.opTrainTopo = opTrain
	s.topoUpdates++
	return nil
}

// TopoCounters returns the last pushed counters and the push count.
func (s *StubSession) TopoCounters() (etb, opTrain uint32, updates int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.etbTopo, s.opTrainTopo, s.topoUpdates
}

// Interval reports no pending deadline; the engine falls back to its idle
// interval.
func (s *StubSession) Interval() (time.Duration, bool) {
	return 0, false
}

// FDs returns nothing; the stub has no sockets.
func (s *StubSession) FDs() []int { return nil }

func (s *StubSession) Process(ready []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processCalls++
	return nil
}

// ProcessCalls returns how often the worker stepped this session.
func (s *StubSession) ProcessCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processCalls
}

func (s *StubSession) PD() (PD, bool) {
	if s.role != RolePD {
		return nil, false
	}
	return s, true
}

func (s *StubSession) MD() (MD, bool) {
	if s.role != RoleMD {
		return nil, false
	}
	return s, true
}

func (s *StubSession) Publish(spec PublishSpec) (PubHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.WrapInvalid(errors.ErrNotReady, "StubSession", "Publish", "session closed")
	}
	s.nextHandle++
	handle := PubHandle(s.nextHandle)
	payload := make([]byte, len(spec.Payload))
	copy(payload, spec.Payload)
	s.pubs[handle] = &stubPublication{spec: spec, payload: payload}
	return handle, nil
}

func (s *StubSession) Put(handle PubHandle, payload []byte) error {
	s.mu.Lock()
	pub, ok := s.pubs[handle]
	if !ok {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrKeyNotFound, "StubSession", "Put",
			fmt.Sprintf("unknown publish handle %d", handle))
	}
	comID := pub.spec.ComID
	s.mu.Unlock()

	if s.stub.putShouldFail(comID) {
		return errors.WrapTransient(StackErrorOf(ResultIO), "StubSession", "Put",
			fmt.Sprintf("ComId %d", comID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pub.payload = make([]byte, len(payload))
	copy(pub.payload, payload)
	pub.puts++
	return nil
}

func (s *StubSession) Unpublish(handle PubHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pubs, handle)
	return nil
}

func (s *StubSession) Subscribe(spec SubscribeSpec) (SubHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.WrapInvalid(errors.ErrNotReady, "StubSession", "Subscribe", "session closed")
	}
	s.nextHandle++
	handle := SubHandle(s.nextHandle)
	s.subs[handle] = spec
	return handle, nil
}

func (s *StubSession) Unsubscribe(handle SubHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, handle)
	return nil
}

// Subscriptions returns the recorded PD subscriptions.
func (s *StubSession) Subscriptions() []SubscribeSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SubscribeSpec, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

func (s *StubSession) AddListener(spec ListenSpec) (ListenerHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.WrapInvalid(errors.ErrNotReady, "StubSession", "AddListener", "session closed")
	}
	s.nextHandle++
	handle := ListenerHandle(s.nextHandle)
	s.listeners[handle] = spec
	return handle, nil
}

func (s *StubSession) RemoveListener(handle ListenerHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, handle)
	return nil
}

// Listeners returns the recorded MD listeners.
func (s *StubSession) Listeners() []ListenSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ListenSpec, 0, len(s.listeners))
	for _, spec := range s.listeners {
		out = append(out, spec)
	}
	return out
}

func (s *StubSession) Request(spec RequestSpec) (SessionID, error) {
	if s.stub.requestShouldFail(spec.ComID) {
		return SessionID{}, errors.WrapTransient(StackErrorOf(ResultIO), "StubSession", "Request",
			fmt.Sprintf("ComId %d", spec.ComID))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SessionID{}, errors.WrapInvalid(errors.ErrNotReady, "StubSession", "Request", "session closed")
	}
	s.requests = append(s.requests, spec)
	return SessionID(uuid.New()), nil
}

func (s *StubSession) Reply(session SessionID, comID uint32, payload []byte) error {
	return nil
}

func (s *StubSession) ReplyQuery(session SessionID, comID uint32, payload []byte, confirmTimeoutMicros uint32) error {
	return nil
}

func (s *StubSession) Confirm(session SessionID) error {
	return nil
}

func (s *StubSession) ReplyError(session SessionID, comID uint32, code ResultCode) error {
	return nil
}

func (s *StubSession) Notify(spec NotifySpec) error {
	return nil
}

// StackErrorOf wraps a result code as an error, nil for success.
func StackErrorOf(code ResultCode) error {
	if code.OK() {
		return nil
	}
	return fmt.Errorf("%w: %s", errors.ErrStack, code)
}

// stubDNR answers from the configured tables.
type stubDNR struct {
	mu         sync.Mutex
	hosts      map[string]netip.Addr
	reverse    map[netip.Addr]string
	labels     map[string]LabelEntry
	hostsFile  string
	mode       DNRMode
	initCalled bool
}

func (d *stubDNR) Init(hostsFile string, mode DNRMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hostsFile = hostsFile
	d.mode = mode
	d.initCalled = true
	return nil
}

func (d *stubDNR) URIToIP(uri string) (netip.Addr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ip, ok := d.hosts[uri]
	if !ok {
		return netip.Addr{}, errors.WrapInvalid(errors.ErrKeyNotFound, "stubDNR", "URIToIP", uri)
	}
	return ip, nil
}

func (d *stubDNR) IPToURI(ip netip.Addr) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	uri, ok := d.reverse[ip]
	if !ok {
		return "", errors.WrapInvalid(errors.ErrKeyNotFound, "stubDNR", "IPToURI", ip.String())
	}
	return uri, nil
}

func (d *stubDNR) Label2CstVehNo(label string) (uint8, uint8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.labels[label]
	if !ok {
		return 0, 0, errors.WrapInvalid(errors.ErrKeyNotFound, "stubDNR", "Label2CstVehNo", label)
	}
	return entry.TcnVeh, entry.TcnCst, nil
}

func (d *stubDNR) Label2OpCstNo(label string) (uint8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.labels[label]
	if !ok {
		return 0, errors.WrapInvalid(errors.ErrKeyNotFound, "stubDNR", "Label2OpCstNo", label)
	}
	return entry.OpCst, nil
}

// stubECSP records control parameters and answers status polls with the
// configured canned value.
type stubECSP struct {
	mu             sync.Mutex
	status         ECSPStatus
	initCalled     bool
	confirmTimeout time.Duration
	enabled        bool
	controlUpdates int
	statusPolls    int
}

func (e *stubECSP) Init(confirmTimeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initCalled = true
	e.confirmTimeout = confirmTimeout
	return nil
}

func (e *stubECSP) SetControl(enable bool, confirmTimeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = enable
	e.confirmTimeout = confirmTimeout
	e.controlUpdates++
	return nil
}

func (e *stubECSP) Status() (ECSPStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statusPolls++
	return e.status, nil
}

// ECSPControlUpdates returns how often SetControl ran. Test hook.
func (s *Stub) ECSPControlUpdates() int {
	s.ecsp.mu.Lock()
	defer s.ecsp.mu.Unlock()
	return s.ecsp.controlUpdates
}

// ECSPStatusPolls returns how often Status ran. Test hook.
func (s *Stub) ECSPStatusPolls() int {
	s.ecsp.mu.Lock()
	defer s.ecsp.mu.Unlock()
	return s.ecsp.statusPolls
}
