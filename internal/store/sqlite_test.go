package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/whisper/relay/internal/chat"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "relay.db"), true)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_InsertAndFetchRecent(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	if err := s.CreateUser(ctx, User{ID: "u1", Username: "alice", Nickname: "Al"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msgs := []chat.Message{
		chat.NewMessage("u1", "alice", "Al", "first", base),
		chat.NewMessage("u1", "alice", "Al", "second", base.Add(time.Second)),
		chat.NewMessage("ghost", "", "", "from unknown sender", base.Add(2*time.Second)),
	}
	if err := s.InsertMessages(ctx, msgs); err != nil {
		t.Fatalf("InsertMessages: %v", err)
	}

	got, err := s.FetchRecent(ctx, 10)
	if err != nil {
		t.Fatalf("FetchRecent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if got[0].Content != "from unknown sender" || got[2].Content != "first" {
		t.Errorf("expected newest first, got %q ... %q", got[0].Content, got[2].Content)
	}
	if got[1].DisplayName != "alice" || got[1].Nickname != "Al" {
		t.Errorf("expected username joined from users, got %+v", got[1])
	}
	if got[0].DisplayName != "" {
		t.Errorf("unknown sender should have an empty username, got %q", got[0].DisplayName)
	}
	if !got[2].CreatedAt.Equal(base) {
		t.Errorf("created_at round trip: expected %s, got %s", base, got[2].CreatedAt)
	}

	if got, _ := s.FetchRecent(ctx, 1); len(got) != 1 {
		t.Errorf("expected limit to apply, got %d", len(got))
	}
}

func TestSQLite_InsertIsIdempotent(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	m := chat.NewMessage("u1", "", "", "hello", time.Now())
	for i := 0; i < 3; i++ {
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if err := s.InsertMessages(ctx, []chat.Message{m, m}); err != nil {
		t.Fatalf("batch with duplicates: %v", err)
	}

	got, _ := s.FetchRecent(ctx, 10)
	if len(got) != 1 {
		t.Fatalf("expected one stored copy, got %d", len(got))
	}
}

func TestSQLite_GetUser(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	s.CreateUser(ctx, User{ID: "u1", Username: "alice", Nickname: "Al"})

	u, err := s.GetUser(ctx, "u1")
	if err != nil || u == nil {
		t.Fatalf("GetUser(u1) = %v, %v", u, err)
	}
	if u.Username != "alice" || u.Nickname != "Al" {
		t.Errorf("unexpected user: %+v", u)
	}

	u, err = s.GetUser(ctx, "missing")
	if err != nil || u != nil {
		t.Errorf("expected nil, nil for unknown user, got %v, %v", u, err)
	}
}

func TestSQLite_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	ctx := context.Background()

	s, err := OpenSQLite(ctx, path, true)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s.InsertMessage(ctx, chat.NewMessage("u1", "", "", "persisted", time.Now()))
	s.Close()

	// Migrations must be a no-op the second time.
	s, err = OpenSQLite(ctx, path, true)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, _ := s.FetchRecent(ctx, 10)
	if len(got) != 1 || got[0].Content != "persisted" {
		t.Errorf("expected persisted message after reopen, got %+v", got)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "dsn", false)
	if !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("expected ErrUnknownDriver, got %v", err)
	}
	if err := Migrate("oracle", "dsn"); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("expected ErrUnknownDriver from Migrate, got %v", err)
	}
}
