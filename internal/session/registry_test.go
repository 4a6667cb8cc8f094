package session_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/session"
	"github.com/whisper/relay/internal/session/sessiontest"
)

func TestRegister_SendsUserCount(t *testing.T) {
	reg := session.NewRegistry(nil)
	ctx := context.Background()

	reg.Register(ctx, "u1", "alice", "Al", sessiontest.New())
	tr := sessiontest.New()
	s := reg.Register(ctx, "u2", "bob", "Bo", tr)

	if s.UserID != "u2" || s.DisplayName != "bob" || s.Nickname != "Bo" || s.ID == "" {
		t.Fatalf("unexpected session: %+v", s)
	}
	frames := tr.OfType(protocol.TypeUserCount)
	if len(frames) != 1 {
		t.Fatalf("expected one user_count frame, got types %v", tr.Types())
	}
	var msg protocol.UserCountMsg
	if err := json.Unmarshal(frames[0], &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Count != 2 {
		t.Errorf("expected count 2, got %d", msg.Count)
	}
}

func TestRegister_SupersedesPriorSession(t *testing.T) {
	reg := session.NewRegistry(nil)
	ctx := context.Background()

	oldT := sessiontest.New()
	old := reg.Register(ctx, "u1", "alice", "", oldT)
	newT := sessiontest.New()
	cur := reg.Register(ctx, "u1", "alice", "", newT)

	if reg.Count() != 1 {
		t.Fatalf("expected exactly one live session, got %d", reg.Count())
	}
	if reg.Get("u1") != cur {
		t.Fatal("expected the newer session to be current")
	}
	if !oldT.Closed() {
		t.Error("expected prior transport to be closed")
	}
	types := oldT.Types()
	if len(types) == 0 || types[len(types)-1] != protocol.TypeSessionExpired {
		t.Errorf("expected session_expired as the last frame before close, got %v", types)
	}
	if newT.Closed() {
		t.Error("new transport must stay open")
	}

	// A late cleanup of the superseded session must not evict its replacement.
	if reg.Unregister(ctx, old) {
		t.Error("Unregister of a superseded session must report false")
	}
	if reg.Get("u1") != cur {
		t.Error("replacement was evicted by a stale Unregister")
	}
}

func TestUnregister(t *testing.T) {
	reg := session.NewRegistry(nil)
	ctx := context.Background()

	s := reg.Register(ctx, "u1", "alice", "", sessiontest.New())
	if !reg.Unregister(ctx, s) {
		t.Fatal("expected Unregister to remove the current session")
	}
	if reg.Unregister(ctx, s) {
		t.Error("second Unregister must be a no-op")
	}
	if reg.Count() != 0 {
		t.Errorf("expected empty registry, got %d", reg.Count())
	}
}

func TestRemove_Idempotent(t *testing.T) {
	reg := session.NewRegistry(nil)
	ctx := context.Background()

	reg.Register(ctx, "u1", "alice", "", sessiontest.New())
	reg.Remove(ctx, "u1")
	reg.Remove(ctx, "u1")
	reg.Remove(ctx, "never-registered")

	if reg.Get("u1") != nil || reg.Count() != 0 {
		t.Fatal("expected u1 to be removed")
	}
}

func TestSnapshot_IsACopy(t *testing.T) {
	reg := session.NewRegistry(nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		reg.Register(ctx, fmt.Sprintf("u%d", i), "", "", sessiontest.New())
	}
	snap := reg.Snapshot()
	reg.Remove(ctx, "u0")

	if len(snap) != 3 {
		t.Errorf("expected snapshot of 3, got %d", len(snap))
	}
	if reg.Count() != 2 {
		t.Errorf("expected 2 live sessions, got %d", reg.Count())
	}
}

func TestParticipantCount_LocalFallback(t *testing.T) {
	reg := session.NewRegistry(nil)
	ctx := context.Background()
	reg.Register(ctx, "u1", "", "", sessiontest.New())

	if n := reg.ParticipantCount(ctx); n != 1 {
		t.Errorf("expected 1, got %d", n)
	}
	// Touch without presence is a no-op.
	reg.Touch(ctx, reg.Get("u1"))
}

func TestRegister_ConcurrentSameUser(t *testing.T) {
	reg := session.NewRegistry(nil)
	ctx := context.Background()

	transports := make([]*sessiontest.Transport, 50)
	var wg sync.WaitGroup
	for i := range transports {
		transports[i] = sessiontest.New()
		wg.Add(1)
		go func(tr *sessiontest.Transport) {
			defer wg.Done()
			reg.Register(ctx, "same-user", "", "", tr)
		}(transports[i])
	}
	wg.Wait()

	if reg.Count() != 1 {
		t.Fatalf("expected one session, got %d", reg.Count())
	}
	open := 0
	for _, tr := range transports {
		if !tr.Closed() {
			open++
		}
	}
	if open != 1 {
		t.Errorf("expected exactly one open transport, got %d", open)
	}
	if cur := reg.Get("same-user"); cur.Transport.(*sessiontest.Transport).Closed() {
		t.Error("current session's transport was closed")
	}
}
