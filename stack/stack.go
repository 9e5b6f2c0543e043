package stack

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// SessionID is the opaque 16-byte identifier of one outbound MD request
// session. The stack assigns it; the engine uses it as the canonical key for
// reply and confirm tracking. Multiple in-flight sessions per ComId are legal.
type SessionID [16]byte

// IsZero reports whether the identifier is all zeroes.
func (id SessionID) IsZero() bool {
	return id == SessionID{}
}

// String renders the identifier as hex, grouped two bytes per block.
func (id SessionID) String() string {
	var sb strings.Builder
	for i, b := range id {
		if i > 0 && i%2 == 0 {
			sb.WriteByte(':')
		}
		fmt.Fprintf(&sb, "%02x", b)
	}
	return sb.String()
}

// ResultCode is a native stack result. Zero is success; the remaining values
// mirror the common native error codes.
type ResultCode int32

const (
	ResultOK      ResultCode = 0
	ResultParam   ResultCode = -1
	ResultInit    ResultCode = -2
	ResultNoInit  ResultCode = -3
	ResultTimeout ResultCode = -4
	ResultNoData  ResultCode = -5
	ResultSock    ResultCode = -6
	ResultIO      ResultCode = -7
	ResultMem     ResultCode = -8
	ResultState   ResultCode = -16
	ResultUnknown ResultCode = -99
)

// OK reports whether the code signals success.
func (c ResultCode) OK() bool {
	return c == ResultOK
}

func (c ResultCode) String() string {
	switch c {
	case ResultOK:
		return "no error"
	case ResultParam:
		return "parameter missing or out of range"
	case ResultInit:
		return "stack not initialised"
	case ResultNoInit:
		return "invalid handle"
	case ResultTimeout:
		return "operation timed out"
	case ResultNoData:
		return "no data available"
	case ResultSock:
		return "socket error or unsupported option"
	case ResultIO:
		return "socket I/O error"
	case ResultMem:
		return "out of stack memory"
	case ResultState:
		return "call in wrong state"
	default:
		return fmt.Sprintf("stack error code %d", int32(c))
	}
}

// PDPacket is one received process-data telegram as delivered by the stack.
type PDPacket struct {
	ComID   uint32
	Result  ResultCode
	Payload []byte
}

// MDPacket is one received message-data telegram. Session carries the
// request session the packet belongs to, or zero for unsolicited traffic.
type MDPacket struct {
	ComID   uint32
	Result  ResultCode
	Session SessionID
	Payload []byte
}

// PDHandler receives PD packets. Handlers are invoked from stack-owned
// goroutines and must not block.
type PDHandler func(PDPacket)

// MDHandler receives MD packets under the same constraints as PDHandler.
type MDHandler func(MDPacket)

// SessionRole selects which traffic class a session carries.
type SessionRole uint8

const (
	// RolePD is a process-data session.
	RolePD SessionRole = iota

	// RoleMD is a message-data session.
	RoleMD
)

func (r SessionRole) String() string {
	if r == RoleMD {
		return "MD"
	}
	return "PD"
}

// SessionConfig parameterizes OpenSession. A zero LocalIP binds to any
// address; a zero Port uses the stack's default TRDP port. The handlers
// receive traffic for this session.
type SessionConfig struct {
	Role      SessionRole
	LocalIP   netip.Addr
	Port      uint16
	PDHandler PDHandler
	MDHandler MDHandler
}

// Handles for stack-side objects. Zero is never a valid handle.
type (
	PubHandle      uint64
	SubHandle      uint64
	ListenerHandle uint64
)

// PublishSpec parameterizes a cyclic PD publication. CycleMicros is the
// publication interval in microseconds, the stack's native unit; callers
// convert from typed durations at this boundary. Payload is the initial
// buffer content.
type PublishSpec struct {
	ComID       uint32
	CycleMicros uint32
	SrcIP       netip.Addr
	DestIP      netip.Addr
	TTL         uint8
	QoS         uint8
	Flags       uint32
	ETBTopo     uint32
	OpTrainTopo uint32
	Payload     []byte
}

// SubscribeSpec parameterizes a PD subscription. A zero DestIP subscribes
// with a wildcard; Timeout selects the stack's receive-timeout behavior,
// zero meaning the stack default.
type SubscribeSpec struct {
	ComID       uint32
	SrcIP       netip.Addr
	DestIP      netip.Addr
	TTL         uint8
	QoS         uint8
	Flags       uint32
	ETBTopo     uint32
	OpTrainTopo uint32
	Timeout     time.Duration
}

// ListenSpec parameterizes an MD listener.
type ListenSpec struct {
	ComID       uint32
	SrcIP       netip.Addr
	DestIP      netip.Addr
	SrcURI      string
	DestURI     string
	ETBTopo     uint32
	OpTrainTopo uint32
}

// RequestSpec parameterizes an outbound MD request. Timeouts are in
// microseconds, the stack's native unit.
type RequestSpec struct {
	ComID                uint32
	SrcIP                netip.Addr
	DestIP               netip.Addr
	ExpectedReplies      uint32
	ReplyTimeoutMicros   uint32
	ConfirmTimeoutMicros uint32
	TTL                  uint8
	QoS                  uint8
	ETBTopo              uint32
	OpTrainTopo          uint32
	SrcURI               string
	DestURI              string
	Payload              []byte
}

// NotifySpec parameterizes an unconfirmed MD notification.
type NotifySpec struct {
	ComID   uint32
	SrcIP   netip.Addr
	DestIP  netip.Addr
	SrcURI  string
	DestURI string
	Payload []byte
}

// Stack is the root capability: lifecycle plus session and sub-API
// discovery. Implementations must be safe for concurrent use.
type Stack interface {
	// Init prepares the stack with a caller-owned byte heap of the given
	// size. Must be called once before OpenSession.
	Init(heapSize int) error

	// OpenSession opens a PD or MD session. Multiple sessions per role are
	// supported when telegrams use multiple local ports.
	OpenSession(cfg SessionConfig) (Session, error)

	// DNR returns the name-resolution capability, when present.
	DNR() (DNR, bool)

	// ECSP returns the ECSP control capability, when present.
	ECSP() (ECSP, bool)

	// Terminate releases all stack resources. Open sessions are closed.
	Terminate() error
}

// Session is one open stack session. PD and MD return the role-specific
// capability; a PD session has no MD capability and vice versa.
type Session interface {
	Role() SessionRole
	Port() uint16
	Close() error

	// SetTopoCounters pushes the current ETB and operational-train topology
	// counters into the session.
	SetTopoCounters(etb, opTrain uint32) error

	// Interval returns the session's next scheduling deadline as a wait
	// budget. ok is false when the session has no pending deadline.
	Interval() (hint time.Duration, ok bool)

	// FDs returns the session's socket descriptors for select-style waiting.
	// Empty for sessions without sockets.
	FDs() []int

	// Process drains ready sockets and fires due timers. ready lists the
	// descriptors that became readable; nil means "check everything".
	Process(ready []int) error

	PD() (PD, bool)
	MD() (MD, bool)
}

// PD is the process-data capability of a session.
type PD interface {
	Publish(spec PublishSpec) (PubHandle, error)
	Put(handle PubHandle, payload []byte) error
	Unpublish(handle PubHandle) error
	Subscribe(spec SubscribeSpec) (SubHandle, error)
	Unsubscribe(handle SubHandle) error
}

// MD is the message-data capability of a session.
type MD interface {
	AddListener(spec ListenSpec) (ListenerHandle, error)
	RemoveListener(handle ListenerHandle) error

	// Request sends an MD request and returns the stack-assigned session
	// identifier used to correlate replies and confirms.
	Request(spec RequestSpec) (SessionID, error)

	Reply(session SessionID, comID uint32, payload []byte) error
	ReplyQuery(session SessionID, comID uint32, payload []byte, confirmTimeoutMicros uint32) error
	Confirm(session SessionID) error
	ReplyError(session SessionID, comID uint32, code ResultCode) error
	Notify(spec NotifySpec) error
}

// DNRMode selects how the resolver schedules its own traffic.
type DNRMode uint8

const (
	// DNRModeCommon processes resolver traffic on the shared worker.
	DNRModeCommon DNRMode = iota

	// DNRModeDedicated gives the resolver its own processing thread.
	DNRModeDedicated
)

func (m DNRMode) String() string {
	if m == DNRModeDedicated {
		return "dedicated"
	}
	return "common"
}

// ParseDNRMode maps a configuration string to a DNRMode. Anything other
// than "dedicated" (case-insensitive) is common.
func ParseDNRMode(s string) DNRMode {
	if strings.EqualFold(strings.TrimSpace(s), "dedicated") {
		return DNRModeDedicated
	}
	return DNRModeCommon
}

// DNR is the directory/name-resolution capability.
type DNR interface {
	// Init configures the resolver, optionally seeding it from a hosts file.
	Init(hostsFile string, mode DNRMode) error

	URIToIP(uri string) (netip.Addr, error)
	IPToURI(ip netip.Addr) (string, error)

	// Label2CstVehNo resolves a vehicle label to its TCN vehicle and consist
	// numbers.
	Label2CstVehNo(label string) (tcnVeh, tcnCst uint8, err error)

	// Label2OpCstNo resolves a vehicle label to its operational consist
	// number.
	Label2OpCstNo(label string) (opCst uint8, err error)
}

// ECSPStatus is the last state reported by the end consist switch.
type ECSPStatus struct {
	Active         bool
	ConfirmPending bool
	TopoCount      uint32
}

// ECSP is the end-consist-switch-protection control capability.
type ECSP interface {
	Init(confirmTimeout time.Duration) error
	SetControl(enable bool, confirmTimeout time.Duration) error
	Status() (ECSPStatus, error)
}
