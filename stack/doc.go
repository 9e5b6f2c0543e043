// Package stack defines the capability surface the engine requires from a
// TRDP protocol stack, and an in-memory stub implementation of it.
//
// The native stack varies by platform: the DNR and ECSP sub-APIs may be
// absent, PD and MD traffic run on separate sessions, and every session owns
// its own sockets and scheduling deadlines. The interfaces here model that as
// a capability set: a Stack opens Sessions, a Session exposes its PD and MD
// capabilities when its role provides them, and the optional DNR and ECSP
// capabilities are discovered through ok-style getters.
//
// The Stub implements the full surface without any wire I/O. Sessions are
// always ready, publishes and puts are recorded for inspection, MD requests
// hand out real 16-byte session identifiers, and received packets can be
// injected into the registered handlers. The engine behaves identically
// whether it drives the stub or a binding to the native stack; tests run
// entirely against the stub.
package stack
