// Package websocket streams telegram events to WebSocket clients.
//
// The transport is an http.Handler; the gateway mounts it, conventionally
// at /ws. Each accepted connection is registered with the event hub as an
// independent subscriber, so hub semantics apply per connection: a
// registry snapshot arrives immediately after the handshake, live RxUpdate
// and TxConfirmation events follow, and a connection whose write fails is
// dropped without affecting the others.
//
// # Frame format
//
// Every frame is a JSON envelope:
//
//	{
//	    "type": "data",
//	    "id": "msg-1724576400000-17",
//	    "timestamp": 1724576400000,
//	    "payload": { "type": "rx", "comId": 1001, "fields": { ... } }
//	}
//
// The payload is the event's wire form as defined by the hub package:
// "rx" and "tx" updates carry comId and decoded fields, "snapshot" lists
// every registered telegram with its current state, and "error" reports a
// hub-level failure such as a snapshot requested before the registry was
// initialised.
//
// # Connection maintenance
//
// The transport pings each client every 30 seconds and reads with a 60
// second deadline refreshed by pongs, so half-open connections are
// reclaimed within a minute. Writes carry a 10 second deadline. Inbound
// frames are drained but ignored; control flows through the REST surface.
package websocket
