package hub

import (
	"encoding/json"
	"time"

	"github.com/c360/trdpsim/telegram"
)

// The wire shapes below are shared by every transport: WebSocket frames,
// NATS bridge payloads, and the REST listing all marshal events through
// these definitions, so a ComId renders identically everywhere.

type rxWire struct {
	Type   string                         `json:"type"`
	ComID  uint32                         `json:"comId"`
	Fields map[string]telegram.FieldValue `json:"fields"`
}

type txWire struct {
	Type     string                         `json:"type"`
	ComID    uint32                         `json:"comId"`
	Fields   map[string]telegram.FieldValue `json:"fields"`
	TxActive *bool                          `json:"txActive,omitempty"`
}

type snapshotWire struct {
	Type      string          `json:"type"`
	Telegrams []TelegramState `json:"telegrams"`
}

type errorWire struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type stateWire struct {
	ComID            uint32                         `json:"comId"`
	Name             string                         `json:"name"`
	Dataset          string                         `json:"dataset"`
	Direction        telegram.Direction             `json:"direction"`
	Type             telegram.TelegramType          `json:"type"`
	ExpectedReplies  uint32                         `json:"expectedReplies"`
	ReplyTimeoutMs   int64                          `json:"replyTimeoutMs"`
	ConfirmTimeoutMs int64                          `json:"confirmTimeoutMs"`
	Fields           map[string]telegram.FieldValue `json:"fields"`
	TxActive         *bool                          `json:"txActive,omitempty"`
}

// MarshalJSON renders the update as its wire object.
func (e RxUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal(rxWire{Type: e.Kind(), ComID: e.ComID, Fields: e.Fields})
}

// MarshalJSON renders the confirmation as its wire object. TxActive is
// omitted for MD telegrams, which have no cyclic state.
func (e TxConfirmation) MarshalJSON() ([]byte, error) {
	return json.Marshal(txWire{Type: e.Kind(), ComID: e.ComID, Fields: e.Fields, TxActive: e.TxActive})
}

// MarshalJSON renders the snapshot as its wire object.
func (e Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotWire{Type: e.Kind(), Telegrams: e.Telegrams})
}

// MarshalJSON renders the error as its wire object.
func (e Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(errorWire{Type: e.Kind(), Message: e.Message})
}

// MarshalJSON renders the state with timeouts in milliseconds, the unit
// the configuration files and clients use.
func (s TelegramState) MarshalJSON() ([]byte, error) {
	return json.Marshal(stateWire{
		ComID:            s.ComID,
		Name:             s.Name,
		Dataset:          s.Dataset,
		Direction:        s.Direction,
		Type:             s.Type,
		ExpectedReplies:  s.ExpectedReplies,
		ReplyTimeoutMs:   int64(s.ReplyTimeout / time.Millisecond),
		ConfirmTimeoutMs: int64(s.ConfirmTimeout / time.Millisecond),
		Fields:           s.Fields,
		TxActive:         s.TxActive,
	})
}
