package ws

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/whisper/relay/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.ChatMsg).
type MessageHandler func(ctx context.Context, conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It handles the built-in ping/pong keepalive
// internally and sends structured error responses for malformed or unsupported
// messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
}

// NewMessageDispatcher creates a MessageDispatcher bound to the given server.
// The server reference supplies the request context and the registry used to
// refresh presence on pong.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping and pong internally, and routes all other
// types to the registered handler. Parse errors and unregistered types result
// in an error message sent back to the client.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		sendError(conn, "parse_error", "invalid message format")
		return
	}

	ctx := d.server.Context()

	switch msgType {
	case protocol.TypePing:
		if err := conn.Send(protocol.MustServerMessage(protocol.TypePong, protocol.PongMsg{})); err != nil {
			log.Printf("ws: failed to send pong conn=%s: %v", conn.ID, err)
		}
		return
	case protocol.TypePong:
		if s := conn.Session(); s != nil {
			d.server.registry.Touch(ctx, s)
		}
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q conn=%s", msgType, conn.ID)
		sendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	handler(ctx, conn, msg)
}

// sendError sends a structured error message back to the client. Transmission
// errors are logged but not propagated; the read loop notices dead sockets.
func sendError(conn *Connection, code string, message string) {
	data := protocol.MustServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err := conn.Send(data); err != nil {
		log.Printf("ws: failed to send error message conn=%s: %v", conn.ID, err)
	}
}
