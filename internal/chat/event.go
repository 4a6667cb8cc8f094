package chat

import (
	"encoding/json"
	"fmt"
)

// Event is the payload published on the distribution bus so that other relay
// instances can deliver a message to their own sessions.
type Event struct {
	Origin   string          `json:"origin"`   // server name of the publishing instance
	Envelope json.RawMessage `json:"envelope"` // ready-to-send wire message
}

// EncodeEvent wraps an outbound envelope for the bus.
func EncodeEvent(origin string, envelope []byte) ([]byte, error) {
	data, err := json.Marshal(Event{Origin: origin, Envelope: envelope})
	if err != nil {
		return nil, fmt.Errorf("chat: encode event: %w", err)
	}
	return data, nil
}

// DecodeEvent parses a bus payload.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("chat: decode event: %w", err)
	}
	if len(ev.Envelope) == 0 {
		return Event{}, fmt.Errorf("chat: decode event: empty envelope")
	}
	return ev, nil
}
