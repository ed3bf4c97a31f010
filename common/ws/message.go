package ws

import (
	"encoding/json"
	"errors"
	"time"
)

// Message is the envelope exchanged on the relay management stream.
// ID correlates a command with its command_result.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// Message types on the management stream.
const (
	MessageTypePrint         = "print"          // relay -> agent: render and print a job
	MessageTypeUnpair        = "unpair"         // relay -> agent: identity revoked remotely
	MessageTypeCommandResult = "command_result" // agent -> relay
	MessageTypeHello         = "hello"          // agent -> relay after connect
	MessageTypeError         = "error"
)

// CommandResult is the payload of a command_result message.
type CommandResult struct {
	Success  bool     `json:"success"`
	Printer  string   `json:"printer,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Code     string   `json:"code,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// Hello is the payload of the hello message an agent sends after connecting.
type Hello struct {
	DeviceID     string `json:"device_id"`
	AgentVersion string `json:"agent_version"`
}

// Unpair is the payload of an unpair command.
type Unpair struct {
	Reason string `json:"reason,omitempty"`
}

// NewMessage builds a message whose Data is payload encoded as JSON.
// A nil payload leaves Data empty.
func NewMessage(msgType, id string, payload interface{}) (*Message, error) {
	m := &Message{Type: msgType, ID: id, Timestamp: time.Now().UTC()}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		m.Data = b
	}
	return m, nil
}

// Decode unmarshals the message payload into v.
func (m *Message) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return errors.New("ws: message has no data")
	}
	return json.Unmarshal(m.Data, v)
}

// Marshal marshals the message to JSON bytes.
func (m *Message) Marshal() ([]byte, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return json.Marshal(m)
}

// ParseMessage decodes a raw frame into a Message.
func ParseMessage(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m.Type == "" {
		return nil, errors.New("ws: message type is required")
	}
	return &m, nil
}
