// Package natsclient wraps a NATS connection for the trdpsim event
// bridge.
//
// The client carries the connection options the bridge needs (reconnect
// limits, ping interval, drain-based close) behind functional options,
// tracks connection state through the nats handler callbacks, and exposes
// a Publish that buffers while the connection is being re-established.
// With WithRetryOnFailedConnect the daemon starts cleanly even when the
// broker is down; events flow as soon as it appears.
package natsclient
