package session

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestPresence connects to a local Redis and namespaces every key under a
// test prefix. Tests that call this helper require Redis on localhost:6379.
func newTestPresence(t *testing.T, server string) (*Presence, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	const prefix = "test_presence:"
	clean := func() {
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	p := NewPresence(client, server, time.Minute)
	p.prefix = prefix
	return p, client
}

func TestPresence_JoinCountLeave(t *testing.T) {
	p, _ := newTestPresence(t, "node-a")
	ctx := context.Background()

	for _, u := range []string{"u1", "u2"} {
		if err := p.Join(ctx, u, time.Now()); err != nil {
			t.Fatalf("Join(%s): %v", u, err)
		}
	}
	if n, err := p.Count(ctx); err != nil || n != 2 {
		t.Fatalf("Count() = %d, %v; want 2", n, err)
	}
	if server, _ := p.Server(ctx, "u1"); server != "node-a" {
		t.Errorf("expected server node-a, got %q", server)
	}

	if err := p.Leave(ctx, "u1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if n, _ := p.Count(ctx); n != 1 {
		t.Errorf("expected 1 after leave, got %d", n)
	}
}

func TestPresence_LeaveKeepsOtherServersEntry(t *testing.T) {
	a, client := newTestPresence(t, "node-a")
	b := NewPresence(client, "node-b", time.Minute)
	b.prefix = a.prefix
	ctx := context.Background()

	a.Join(ctx, "u1", time.Now())
	b.Join(ctx, "u1", time.Now()) // user reconnected to node-b

	if err := a.Leave(ctx, "u1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if server, _ := a.Server(ctx, "u1"); server != "node-b" {
		t.Fatalf("node-a's leave must not erase node-b's entry, got server %q", server)
	}
	if n, _ := a.Count(ctx); n != 1 {
		t.Errorf("expected u1 to stay online, got count %d", n)
	}
}

func TestPresence_CountDropsStaleMembers(t *testing.T) {
	p, _ := newTestPresence(t, "node-a")
	ctx := context.Background()

	base := time.Now()
	p.now = func() time.Time { return base }
	p.Join(ctx, "stale", base)

	p.now = func() time.Time { return base.Add(2 * time.Minute) }
	p.Join(ctx, "fresh", base)

	if n, err := p.Count(ctx); err != nil || n != 1 {
		t.Fatalf("Count() = %d, %v; want 1", n, err)
	}
}

func TestRegistry_UsesPresenceCount(t *testing.T) {
	p, client := newTestPresence(t, "node-a")
	other := NewPresence(client, "node-b", time.Minute)
	other.prefix = p.prefix
	ctx := context.Background()

	other.Join(ctx, "remote-user", time.Now())

	reg := NewRegistry(p)
	reg.Register(ctx, "local-user", "", "", nopTransport{})

	if n := reg.ParticipantCount(ctx); n != 2 {
		t.Errorf("expected cluster-wide count 2, got %d", n)
	}
	reg.Remove(ctx, "local-user")
	if n := reg.ParticipantCount(ctx); n != 1 {
		t.Errorf("expected 1 after local leave, got %d", n)
	}
}

type nopTransport struct{}

func (nopTransport) Send([]byte) error { return nil }
func (nopTransport) Close() error      { return nil }
