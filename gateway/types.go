package gateway

import (
	"encoding/json"

	trdpengine "github.com/c360/trdpsim/engine"
	"github.com/c360/trdpsim/hub"
	"github.com/c360/trdpsim/telegram"
)

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// fieldsRequest carries raw field values keyed by field name. Values are
// interpreted against the telegram's dataset definition.
type fieldsRequest struct {
	Fields map[string]json.RawMessage `json:"fields"`
}

// sendRequest optionally overrides stored field values for one send.
type sendRequest struct {
	Fields map[string]json.RawMessage `json:"fields"`
}

type loadConfigRequest struct {
	Path string `json:"path"`
}

type telegramListResponse struct {
	Telegrams []hub.TelegramState `json:"telegrams"`
	Count     int                 `json:"count"`
}

type fieldsResponse struct {
	ComID  uint32                         `json:"comId"`
	Fields map[string]telegram.FieldValue `json:"fields"`
}

type sendResponse struct {
	ComID uint32 `json:"comId"`
	// SessionID is set only for MD requests issued through a stack.
	SessionID string `json:"sessionId,omitempty"`
	// Active reports whether cyclic publication is running after the send.
	Active bool `json:"active"`
}

type stopResponse struct {
	ComID  uint32 `json:"comId"`
	Active bool   `json:"active"`
}

type loadConfigResponse struct {
	Path      string `json:"path"`
	Datasets  int    `json:"datasets"`
	Telegrams int    `json:"telegrams"`
	Running   bool   `json:"running"`
}

type engineStateResponse struct {
	Running bool `json:"running"`
}

type uriResolveResponse struct {
	URI string `json:"uri"`
	IP  string `json:"ip"`
}

type ipResolveResponse struct {
	IP  string `json:"ip"`
	URI string `json:"uri"`
}

type labelResolveResponse struct {
	Label string `json:"label"`
	trdpengine.LabelIDs
}
