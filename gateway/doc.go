// Package gateway serves the daemon's HTTP surface: the REST inspection
// and control API, the WebSocket event stream, health probes and
// Prometheus metrics, all on a single listener.
//
// # Routes
//
// Telegram inspection and control:
//
//	GET  /api/telegrams                     full state snapshot
//	GET  /api/telegrams/{comId}             one telegram's state
//	POST /api/telegrams/{comId}/fields      store field values
//	POST /api/telegrams/{comId}/send        send now, optionally overriding fields
//	POST /api/telegrams/{comId}/stop        deactivate cyclic publication
//
// Engine lifecycle and configuration:
//
//	POST /api/config/load                   swap the telegram configuration
//	POST /api/engine/start                  start the engine worker
//	POST /api/engine/stop                   stop the engine worker
//
// Name resolution:
//
//	GET  /api/dnr/uri/{uri}                 TRDP URI to IP
//	GET  /api/dnr/ip/{ip}                   IP to TRDP URI
//	GET  /api/dnr/label/{label}             vehicle label to TCN identifiers
//
// Operational:
//
//	GET  /healthz                           liveness
//	GET  /readyz                            aggregated component readiness
//	GET  /metrics                           Prometheus metrics
//	GET  /ws                                WebSocket event stream
//
// # Error Mapping
//
// Handlers surface classified errors as JSON bodies with an "error" key.
// Unknown telegrams map to 404, validation failures to 400, an engine that
// is not ready to 503, and lifecycle conflicts (starting a started engine)
// to 409. Mutating endpoints are throttled per client IP and answer 429
// when the limit is exceeded.
//
// # Collaborators
//
// The gateway drives the engine through the Engine interface and never
// touches stack sessions directly. The WebSocket transport is mounted as
// an opaque http.Handler; event fan-out stays in the hub.
package gateway
