// Package chat holds the broadcast message record shared by the relay, the
// durability buffer and the durable store, plus the event format exchanged
// between relay instances over the distribution bus.
package chat

import (
	"time"

	"github.com/google/uuid"

	"github.com/whisper/relay/internal/protocol"
)

// Message is a chat message that passed moderation.
type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	Content     string    `json:"content"`
	DisplayName string    `json:"username"`
	Nickname    string    `json:"nickname"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewMessage stamps a fresh message ID and creation time.
func NewMessage(senderID, displayName, nickname, content string, now time.Time) Message {
	return Message{
		ID:          uuid.New().String(),
		SenderID:    senderID,
		Content:     content,
		DisplayName: displayName,
		Nickname:    nickname,
		CreatedAt:   now,
	}
}

// Envelope returns the wire form delivered to sessions.
func (m Message) Envelope() ([]byte, error) {
	return protocol.NewServerMessage(protocol.TypeChat, protocol.ServerChatMsg{
		Message:   m.Content,
		SenderID:  m.SenderID,
		Username:  m.DisplayName,
		Nickname:  m.Nickname,
		Timestamp: m.CreatedAt.UnixMilli(),
	})
}
