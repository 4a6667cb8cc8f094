// Package client provides a reusable WebSocket load test client for the
// relay. It connects using gobwas/ws (the same library the server uses),
// treats the first user_count frame as the end of the handshake, and tracks
// per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server message types.
const (
	TypeChat = "chat"
	TypePing = "ping"
	TypePong = "pong"
)

// Server -> Client message types.
const (
	TypeUserCount      = "user_count"
	TypeSessionExpired = "session_expired"
	TypeChatBanned     = "chat_banned"
	TypeSystem         = "system"
	TypeError          = "error"
)

// ChatMessage is a broadcast as the server delivers it.
type ChatMessage struct {
	Message   string `json:"message"`
	SenderID  string `json:"sender_id"`
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client represents a single simulated user connection to the relay. It
// manages the WebSocket lifecycle and dispatches incoming messages to
// registered handlers.
type Client struct {
	UserID string

	conn      net.Conn
	r         io.Reader
	writeMu   sync.Mutex
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// New connects userID to the relay at baseURL (e.g. ws://localhost:8080).
// Handlers registered with On before Start see every frame; the read loop
// starts with Start.
func New(ctx context.Context, baseURL, userID string) (*Client, error) {
	start := time.Now()
	url := strings.TrimSuffix(baseURL, "/") + "/ws/" + userID
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		UserID:   userID,
		conn:     conn,
		r:        conn,
		handlers: make(map[string]func(json.RawMessage)),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	if br != nil {
		c.r = br
	}
	c.metrics.ConnectLatency = time.Since(start)
	return c, nil
}

// On registers a handler for a server message type. Handlers run on the read
// loop goroutine; registering a second handler for a type replaces the first.
// On must be called before Start.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// Start begins reading frames in the background.
func (c *Client) Start() {
	go c.readLoop()
}

// SendChat sends a chat message. It is goroutine-safe.
func (c *Client) SendChat(text string) error {
	data, err := json.Marshal(map[string]string{"type": TypeChat, "message": text})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return err
	}
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

// WaitReady blocks until the server sent the initial user_count, the
// connection closed, or ctx is done.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return errors.New("connection closed before the handshake completed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Alive reports whether the read loop is still running without error.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
	}
	return c.GetMetrics().Errors == 0
}

func (c *Client) readLoop() {
	for {
		data, op, err := wsutil.ReadServerData(struct {
			io.Reader
			io.Writer
		}{c.r, c.conn})
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			c.Close()
			return
		}
		if op != ws.OpText {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		c.mu.Unlock()

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		switch envelope.Type {
		case TypeUserCount:
			c.readyOnce.Do(func() { close(c.ready) })
		case TypePing:
			// Answer heartbeats so the server refreshes presence.
			c.writeMu.Lock()
			_ = wsutil.WriteClientMessage(c.conn, ws.OpText, []byte(`{"type":"pong"}`))
			c.writeMu.Unlock()
		}

		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
