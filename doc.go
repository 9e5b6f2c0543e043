// Package trdpsim provides a simulation and inspection engine for TRDP,
// the Train Realtime Data Protocol defined by IEC 61375-2-3.
//
// trdpsim loads a telegram configuration (datasets, ComIds, cycle times,
// source and destination URIs), drives cyclic process data and
// request/reply message data through a pluggable stack adapter, and
// exposes everything it sends and receives over a REST and WebSocket
// inspection surface. It is built for lab benches and integration rigs:
// a place to stand in for train subsystems that do not exist yet, and to
// watch the ones that do.
//
// # Architecture
//
// Data flows through four stages, each its own package:
//
//	┌─────────────────────────────────────┐
//	│           Gateway                   │  REST API, WebSocket,
//	│   (inspect, send, reconfigure)      │  health, metrics
//	└─────────────────────────────────────┘
//	           ↓ drives
//	┌─────────────────────────────────────┐
//	│           Engine                    │  Endpoints, cyclic
//	│  (scheduler, MD sessions, DNR)      │  scheduler, worker loop
//	└─────────────────────────────────────┘
//	           ↓ encodes via
//	┌─────────────────────────────────────┐
//	│          Telegram                   │  Registry, datasets,
//	│   (registry, codec, XML loader)     │  binary codec
//	└─────────────────────────────────────┘
//	           ↓ exchanges via
//	┌─────────────────────────────────────┐
//	│            Stack                    │  PD/MD sessions, DNR,
//	│  (capability interfaces + stub)     │  ECSP capabilities
//	└─────────────────────────────────────┘
//
// Events fan out sideways: every decoded receive and confirmed send
// passes through the hub, which broadcasts to attached subscribers (the
// WebSocket transport, the NATS bridge, the trace recorder).
//
// # Packages
//
// Core:
//   - telegram: data model, registry, runtime values, little-endian
//     codec, XML configuration loader
//   - stack: the boundary to a TRDP protocol stack as capability
//     interfaces, plus the in-memory stub used in simulation
//   - engine: endpoint builder, cyclic scheduler, worker loop, message
//     data session tracking, name resolution caches, topology counters,
//     ECSP supervision
//
// Surfaces:
//   - gateway: REST control surface, health probes, Prometheus metrics
//   - hub: event types and subscriber fan-out
//   - output/websocket: WebSocket event transport
//   - output/nats: NATS event bridge
//   - output/file: JSONL trace recorder
//
// Infrastructure:
//   - cmd/trdpsim: daemon entry point and composition root
//   - component: lifecycle and discovery contracts
//   - config: YAML + environment configuration
//   - errors: classified error taxonomy (transient, invalid, fatal)
//   - metric: Prometheus registry wrapper
//   - natsclient: NATS connection management
//   - health: health status aggregation for the readiness endpoint
//   - pkg/cache: TTL cache backing name resolution
//
// # Simulation Without Hardware
//
// The stack adapter keeps the engine honest about what a real TRDP stack
// provides without requiring one. The stub stack answers every publish,
// subscribe and request in memory, records what the engine sent, and can
// inject received packets; the engine runs identically against it, a
// real stack binding, or no stack at all. Everything above the adapter
// (scheduling, encoding, session tracking, event fan-out) is exercised
// either way.
//
// # Lifecycle
//
// Long-running parts implement component.LifecycleComponent:
// Initialize validates, Start(ctx) acquires resources and spawns
// goroutines, Stop(timeout) releases them. The daemon starts components
// in dependency order (engine, outputs, gateway) and stops them in
// reverse. The engine itself can be stopped, reconfigured and restarted
// over the API without restarting the process.
package trdpsim
