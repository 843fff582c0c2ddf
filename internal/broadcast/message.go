package broadcast

import (
	"encoding/json"
	"time"

	"github.com/ashureev/dump-viewer/internal/domain"
)

// Server to client message types.
const (
	TypeDump   = "dump"
	TypeDumps  = "dumps"
	TypeStatus = "status"
	TypeClear  = "clear"
	TypeError  = "error"
	TypePong   = "pong"
)

// Client to server message types.
const (
	TypePing          = "ping"
	TypeRequestStatus = "requestStatus"
	TypeRequestDumps  = "requestDumps"
	TypeClearDumps    = "clearDumps"
	TypeFilterDumps   = "filterDumps"
)

// Envelope is the JSON frame pushed to clients.
type Envelope struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEnvelope stamps a message with the current time.
func NewEnvelope(typ string, data any) Envelope {
	return Envelope{Type: typ, Data: data, Timestamp: time.Now()}
}

// ErrorEnvelope builds an error message with a human-readable text.
func ErrorEnvelope(message string) Envelope {
	return NewEnvelope(TypeError, map[string]string{"message": message})
}

// clientMessage is a frame received from a browser.
type clientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// filter decodes an optional filter payload. A missing or null payload
// yields nil.
func (m clientMessage) filter() (*domain.Filter, error) {
	if len(m.Data) == 0 || string(m.Data) == "null" {
		return nil, nil
	}
	var f domain.Filter
	if err := json.Unmarshal(m.Data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
