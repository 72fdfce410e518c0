package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is the realtime feed protocol version embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated on the websocket handshake.
const Subprotocol = "clubhub.notifications.v1"

// Feed envelope types (wire-stable).
const (
	// TypeNotificationNew carries one Notification (server -> client).
	TypeNotificationNew = "notification_new"
	// TypePing is a keepalive (server -> client).
	TypePing = "ping"
	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical realtime wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the envelope header.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%q want=%q", e.V, Version)
	}
	switch e.Type {
	case TypeNotificationNew:
		if len(e.Payload) == 0 {
			return errors.New("missing payload")
		}
	case TypePing, TypeError:
	case "":
		return errors.New("missing type")
	default:
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	return nil
}

// ErrorPayload is the payload of TypeError.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
