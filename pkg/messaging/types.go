package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/clusterlens/decider/pkg/engine"
)

// MessageType is the kind of a frame on the control socket.
type MessageType string

const (
	// MessageTypeCall is a request from a client to a control method.
	MessageTypeCall MessageType = "CALL"
	// MessageTypeReply carries the result of a call.
	MessageTypeReply MessageType = "REPLY"
	// MessageTypeError carries a classified failure of a call.
	MessageTypeError MessageType = "ERROR"
	// MessageTypeEvent carries a status event to a subscribed client.
	MessageTypeEvent MessageType = "EVENT"
)

// Validate checks if the message type is valid.
func (t MessageType) Validate() error {
	switch t {
	case MessageTypeCall, MessageTypeReply, MessageTypeError, MessageTypeEvent:
		return nil
	default:
		return fmt.Errorf("unknown message type: %s", t)
	}
}

// Message is one JSON line on the wire.
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	Method    string          `json:"method,omitempty"`
	Subject   string          `json:"subject,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`

	// Error is set on ERROR frames.
	Error *engine.EngineError `json:"error,omitempty"`
}

// Validate checks that a frame carries what its type requires.
func (m *Message) Validate() error {
	if err := m.Type.Validate(); err != nil {
		return err
	}
	switch m.Type {
	case MessageTypeCall:
		if m.Method == "" {
			return fmt.Errorf("call requires a method")
		}
		if m.ID == "" {
			return fmt.Errorf("call requires an id")
		}
	case MessageTypeError:
		if m.Error == nil {
			return fmt.Errorf("error frame requires an error")
		}
	}
	return nil
}

// Control methods served by the decision engine.
const (
	MethodTriggerAudit = "trigger_audit"
	MethodCancelAudit  = "cancel_audit"
	MethodAuditStatus  = "audit_status"

	// MethodSubscribe turns a socket connection into a status event stream.
	MethodSubscribe = "subscribe"
)
