// Package protocol defines the WebSocket message types and structures used for
// communication between the client and the relay. All messages are serialized
// as JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeChat = "chat"
	TypePing = "ping"
	TypePong = "pong"
)

// Server -> Client message types. TypeChat, TypePing and TypePong are shared
// with the client direction.
const (
	TypeSessionExpired = "session_expired"
	TypeChatBanned     = "chat_banned"
	TypeUserCount      = "user_count"
	TypeSystem         = "system"
	TypeError          = "error"
)

// ---------------------------------------------------------------------------
// Envelope: initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
//
// Older web clients send bare {"message": "..."} frames without a type; those
// are treated as chat messages.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type    string  `json:"type"`
		Message *string `json:"message"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	switch {
	case partial.Type != "":
		e.Type = partial.Type
	case partial.Message != nil:
		e.Type = TypeChat
	default:
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ChatMsg is a broadcast text message sent by the client.
type ChatMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// PongMsg answers a server ping. The server also sends it in reply to a
// client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ServerChatMsg is a broadcast message delivered to every session.
type ServerChatMsg struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	SenderID  string `json:"sender_id"`
	Username  string `json:"username"`
	Nickname  string `json:"nickname"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// ServerPingMsg is the liveness probe sent by the heartbeat loop.
type ServerPingMsg struct {
	Type string `json:"type"`
}

// SessionExpiredMsg is sent to a connection that was superseded by a newer
// session for the same user, right before it is closed.
type SessionExpiredMsg struct {
	Type string `json:"type"`
}

// ChatBannedMsg tells a sender that their messages are suppressed for
// TimeLeft more seconds.
type ChatBannedMsg struct {
	Type     string `json:"type"`
	TimeLeft int    `json:"time_left"`
}

// UserCountMsg carries the current participant count.
type UserCountMsg struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// SystemMsg is a server notice, e.g. join and leave announcements.
type SystemMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeChat:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		m.Type = TypeChat
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePong:
		var m PongMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// MustServerMessage is NewServerMessage for payloads that are known to
// marshal, such as the fixed structs in this package. It panics on error.
func MustServerMessage(msgType string, payload interface{}) []byte {
	data, err := NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return data
}
