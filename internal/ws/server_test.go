package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/session"
	"github.com/whisper/relay/internal/store"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type fakeUsers struct {
	users map[string]*store.User
	err   error
}

func (f *fakeUsers) GetUser(_ context.Context, id string) (*store.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.users[id], nil
}

type harness struct {
	srv      *Server
	registry *session.Registry
	url      string

	chats chan chatCall

	mu          sync.Mutex
	disconnects []bool
}

type chatCall struct {
	userID string
	text   string
}

func newHarness(t *testing.T, users *fakeUsers) *harness {
	t.Helper()
	if users == nil {
		users = &fakeUsers{users: map[string]*store.User{
			"u1": {ID: "u1", Username: "alice", Nickname: "Al"},
			"u2": {ID: "u2", Username: "bob", Nickname: "Bo"},
		}}
	}

	reg := session.NewRegistry(nil)
	srv := NewServer(ServerConfig{
		WorkerPoolSize: 8,
		MaxConnections: 16,
		ReadTimeout:    time.Second,
		WriteTimeout:   time.Second,
	}, reg, users, nil, nil)
	h := &harness{srv: srv, registry: reg, chats: make(chan chatCall, 8)}

	d := NewMessageDispatcher(srv)
	d.Register(protocol.TypeChat, func(_ context.Context, conn *Connection, msg interface{}) {
		h.chats <- chatCall{userID: conn.UserID, text: msg.(protocol.ChatMsg).Message}
	})
	srv.SetOnMessage(d.Dispatch)
	srv.SetOnDisconnect(func(_ *Connection, left bool) {
		h.mu.Lock()
		h.disconnects = append(h.disconnects, left)
		h.mu.Unlock()
	})

	if err := srv.init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	hs := httptest.NewServer(srv.mux)
	t.Cleanup(func() {
		srv.Shutdown()
		hs.Close()
	})
	h.url = "ws" + strings.TrimPrefix(hs.URL, "http")
	return h
}

func (h *harness) disconnectsSeen() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.disconnects...)
}

type client struct {
	conn net.Conn
	r    io.Reader
}

func (h *harness) dial(t *testing.T, userID string) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, h.url+"/ws/"+userID)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	c := &client{conn: conn, r: conn}
	if br != nil {
		c.r = br
	}
	return c
}

func (c *client) send(t *testing.T, text string) {
	t.Helper()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, []byte(text)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *client) frame(t *testing.T) ws.Frame {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := ws.ReadFrame(c.r)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

// next returns the payload of the next text frame of type msgType, skipping
// frames of other types.
func (c *client) next(t *testing.T, msgType string) []byte {
	t.Helper()
	for i := 0; i < 10; i++ {
		f := c.frame(t)
		if f.Header.OpCode != ws.OpText {
			t.Fatalf("expected a text frame while waiting for %q, got opcode %v", msgType, f.Header.OpCode)
		}
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(f.Payload, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type == msgType {
			return f.Payload
		}
	}
	t.Fatalf("no %q frame received", msgType)
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestConnect_SendsUserCount(t *testing.T) {
	h := newHarness(t, nil)

	c := h.dial(t, "u1")
	var msg protocol.UserCountMsg
	if err := json.Unmarshal(c.next(t, protocol.TypeUserCount), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Count != 1 {
		t.Errorf("expected count 1, got %d", msg.Count)
	}

	s := h.registry.Get("u1")
	if s == nil {
		t.Fatal("expected a registered session")
	}
	if s.DisplayName != "alice" || s.Nickname != "Al" {
		t.Errorf("unexpected session names: %+v", s)
	}
}

func TestUnknownUser_ClosesWithStatus(t *testing.T) {
	h := newHarness(t, nil)

	c := h.dial(t, "ghost")
	f := c.frame(t)
	if f.Header.OpCode != ws.OpClose {
		t.Fatalf("expected close frame, got opcode %v", f.Header.OpCode)
	}
	code, reason := ws.ParseCloseFrameData(f.Payload)
	if code != StatusUnknownUser {
		t.Errorf("expected close code %d, got %d", StatusUnknownUser, code)
	}
	if reason != "unknown user" {
		t.Errorf("unexpected close reason %q", reason)
	}
	if h.registry.Count() != 0 {
		t.Error("an unknown user must not be registered")
	}
}

func TestLookupFailure_ClosesWithInternalError(t *testing.T) {
	h := newHarness(t, &fakeUsers{err: errors.New("db down")})

	c := h.dial(t, "u1")
	f := c.frame(t)
	if f.Header.OpCode != ws.OpClose {
		t.Fatalf("expected close frame, got opcode %v", f.Header.OpCode)
	}
	if code, _ := ws.ParseCloseFrameData(f.Payload); code != ws.StatusInternalServerError {
		t.Errorf("expected close code %d, got %d", ws.StatusInternalServerError, code)
	}
}

func TestPing_RepliesPong(t *testing.T) {
	h := newHarness(t, nil)

	c := h.dial(t, "u1")
	c.next(t, protocol.TypeUserCount)
	c.send(t, `{"type":"ping"}`)
	c.next(t, protocol.TypePong)
}

func TestChat_RoutedToHandler(t *testing.T) {
	h := newHarness(t, nil)

	c := h.dial(t, "u2")
	c.next(t, protocol.TypeUserCount)
	c.send(t, `{"type":"chat","message":"hello"}`)

	select {
	case r := <-h.chats:
		if r.userID != "u2" || r.text != "hello" {
			t.Errorf("unexpected dispatch: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("chat handler was not called")
	}
}

func TestUnsupportedType_SendsError(t *testing.T) {
	h := newHarness(t, nil)

	c := h.dial(t, "u1")
	c.next(t, protocol.TypeUserCount)
	c.send(t, `{"type":"find_match"}`)

	var msg protocol.ErrorMsg
	if err := json.Unmarshal(c.next(t, protocol.TypeError), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Code != "parse_error" {
		t.Errorf("expected code parse_error for an unknown type, got %q", msg.Code)
	}
}

func TestMalformedFrame_SendsError(t *testing.T) {
	h := newHarness(t, nil)

	c := h.dial(t, "u1")
	c.next(t, protocol.TypeUserCount)
	c.send(t, `not json`)

	var msg protocol.ErrorMsg
	if err := json.Unmarshal(c.next(t, protocol.TypeError), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Code != "parse_error" {
		t.Errorf("expected code parse_error, got %q", msg.Code)
	}
}

func TestReconnect_ExpiresOlderConnection(t *testing.T) {
	h := newHarness(t, nil)

	first := h.dial(t, "u1")
	first.next(t, protocol.TypeUserCount)

	second := h.dial(t, "u1")
	second.next(t, protocol.TypeUserCount)

	first.next(t, protocol.TypeSessionExpired)

	waitFor(t, "superseded connection removal", func() bool {
		return h.srv.Connections().Count() == 1
	})
	if h.registry.Count() != 1 {
		t.Errorf("expected one live session, got %d", h.registry.Count())
	}
	if d := h.disconnectsSeen(); len(d) != 1 || d[0] {
		t.Errorf("expected one disconnect with left=false, got %v", d)
	}

	// The replacement keeps working.
	second.send(t, `{"type":"ping"}`)
	second.next(t, protocol.TypePong)
}

func TestClientClose_UnregistersSession(t *testing.T) {
	h := newHarness(t, nil)

	c := h.dial(t, "u1")
	c.next(t, protocol.TypeUserCount)
	c.conn.Close()

	waitFor(t, "session removal", func() bool {
		return h.registry.Count() == 0 && h.srv.Connections().Count() == 0
	})
	if d := h.disconnectsSeen(); len(d) != 1 || !d[0] {
		t.Errorf("expected one disconnect with left=true, got %v", d)
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	h.srv.AddHealthDetail("moderation", func() interface{} {
		return map[string]int{"bans": 2}
	})

	c := h.dial(t, "u1")
	c.next(t, protocol.TypeUserCount)

	rec := httptest.NewRecorder()
	h.srv.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Sessions    int    `json:"sessions"`
		Details     struct {
			Moderation struct {
				Bans int `json:"bans"`
			} `json:"moderation"`
		} `json:"details"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" || body.Connections != 1 || body.Sessions != 1 {
		t.Errorf("unexpected health body: %+v", body)
	}
	if body.Details.Moderation.Bans != 2 {
		t.Errorf("expected health details to be included, got %s", rec.Body.String())
	}
}
