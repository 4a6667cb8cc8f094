// Package sessiontest provides an in-memory session.Transport for tests.
package sessiontest

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrClosed is returned by Send after Close or when the transport is broken.
var ErrClosed = errors.New("sessiontest: transport closed")

// Transport records every frame it is sent.
type Transport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	broken bool
}

// New returns an open Transport.
func New() *Transport { return &Transport{} }

// Send records data, or fails once the transport is closed or broken.
func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.broken {
		return ErrClosed
	}
	t.frames = append(t.frames, append([]byte(nil), data...))
	return nil
}

// Close marks the transport closed. It is safe to call more than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// Break makes every later Send fail without closing the transport, the way a
// half-dead TCP peer behaves.
func (t *Transport) Break() {
	t.mu.Lock()
	t.broken = true
	t.mu.Unlock()
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Frames returns a copy of the frames sent so far.
func (t *Transport) Frames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.frames))
	copy(out, t.frames)
	return out
}

// Types returns the "type" field of every frame sent so far.
func (t *Transport) Types() []string {
	return typesOf(t.Frames())
}

// OfType returns the frames whose "type" field equals msgType.
func (t *Transport) OfType(msgType string) [][]byte {
	frames := t.Frames()
	var out [][]byte
	for i, typ := range typesOf(frames) {
		if typ == msgType {
			out = append(out, frames[i])
		}
	}
	return out
}

func typesOf(frames [][]byte) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(f, &env)
		out = append(out, env.Type)
	}
	return out
}
