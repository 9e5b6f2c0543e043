// Package trdpengine drives TRDP telegram traffic from a registry of
// telegram definitions.
//
// # Overview
//
// The trdpengine package is the runtime core of trdpsim. It takes the
// telegram and dataset definitions held by a telegram.Registry, opens the
// PD and MD sessions those telegrams require against a stack.Stack, binds
// one endpoint per telegram (publication, subscription, or listener), and
// then runs a single worker goroutine that services the stack, fires cyclic
// PD publications, and expires MD request sessions.
//
// # Architecture
//
// The engine sits between the configuration model and the wire:
//
//	┌──────────────────┐   LoadXML    ┌───────────────────┐
//	│  XML config file │ ───────────> │ telegram.Registry │
//	└──────────────────┘              └─────────┬─────────┘
//	                                            │ definitions + runtimes
//	                                            ▼
//	┌──────────────┐   events    ┌──────────────────────┐   sessions   ┌─────────────┐
//	│   hub.Hub    │ <────────── │        Engine        │ ───────────> │ stack.Stack │
//	│ (fan-out to  │  RxUpdate   │  - endpoints         │  Publish/    │ (TRDP wire  │
//	│  websocket,  │  TxConfirm  │  - worker goroutine  │  Subscribe/  │  or stub)   │
//	│  NATS, ...)  │  Snapshot   │  - MD session track  │  Request     │             │
//	└──────────────┘             └──────────────────────┘              └─────────────┘
//
// Received telegrams flow the other way: the stack invokes the engine's
// packet handlers, the engine decodes the payload into the telegram's
// shared runtime buffer, and a hub.RxUpdate carries the decoded fields to
// every attached subscriber.
//
// # Lifecycle
//
// Engine implements component.LifecycleComponent. Start bootstraps the
// registry from the configured XML path (first start only), initializes
// the stack, opens one session per distinct TRDP port, binds endpoints,
// and launches the worker. Stop reverses that: it signals the worker,
// waits for it to exit, drops MD session tracking, and tears the stack
// down in MD-before-PD order.
//
// Reconfigure applies a new Config. While the engine is running, changes
// to the runtime knobs (interfaces, DNR, caches, ECSP supervision, idle
// interval) are applied in place: the topology counters are bumped so
// peers see a configuration epoch change, the resolution caches are
// rebuilt, and the ECSP control word is refreshed. No sessions are
// reopened; a restart is only needed when the telegram set itself changes.
//
// The engine also works without a stack. With Dependencies.Stack nil every
// wire call is skipped but scheduling, encoding, and hub fan-out run
// normally, which is what the simulator uses for pure offline inspection.
//
// # Concurrency
//
// One mutex guards all engine state (configuration, sessions, endpoints,
// topology counters). The worker holds it only while preparing a tick;
// stack servicing and the idle wait happen outside the lock so API calls
// are never blocked behind a poll interval. MD request tracking has its
// own lock because stack receive callbacks touch it without engine state.
// Hub events are always emitted after the engine lock is released.
//
// # Error Handling
//
// Following pkg/errors patterns:
//
//   - WrapInvalid: unknown ComIds, direction misuse, bad configuration
//   - WrapTransient: stack call failures, endpoints not ready
//   - WrapFatal: DNR initialization failure (stack is torn down again)
//
// Send failures for cyclic publications do not return errors to anyone;
// they deactivate the publication and are visible in the TxActive flag
// carried on hub.TxConfirmation events and in Prometheus counters.
package trdpengine
