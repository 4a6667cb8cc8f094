package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/whisper/relay/internal/durability"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/session"
	"github.com/whisper/relay/internal/session/sessiontest"
)

type countingSweeper struct{ calls atomic.Int32 }

func (c *countingSweeper) Cleanup() (int, int) {
	c.calls.Add(1)
	return 0, 0
}

type fakeFlusher struct {
	calls atomic.Int32
	err   error
}

func (f *fakeFlusher) FlushIfDue(context.Context) (durability.Result, error) {
	f.calls.Add(1)
	return durability.Result{}, f.err
}

type countingCounter struct{ calls atomic.Int32 }

func (c *countingCounter) BroadcastCount(context.Context) { c.calls.Add(1) }

func fastConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Millisecond,
		CleanupInterval:   10 * time.Millisecond,
		SyncInterval:      10 * time.Millisecond,
		PresenceInterval:  10 * time.Millisecond,
		Backoff:           10 * time.Millisecond,
	}
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

func TestHeartbeat_RemovesDeadSession(t *testing.T) {
	reg := session.NewRegistry(nil)
	ctx := context.Background()

	alive := sessiontest.New()
	dead := sessiontest.New()
	reg.Register(ctx, "alive", "alice", "", alive)
	reg.Register(ctx, "dead", "bob", "", dead)
	dead.Break()

	s := New(fastConfig(), reg, nil, nil, nil)
	s.Start(ctx)
	defer s.Stop()

	waitFor(t, "dead session removal", func() bool { return reg.Get("dead") == nil })

	if !dead.Closed() {
		t.Error("expected the dead transport to be closed")
	}
	if reg.Get("alive") == nil {
		t.Fatal("healthy session must stay registered")
	}
	waitFor(t, "ping to the healthy session", func() bool {
		return len(alive.OfType(protocol.TypePing)) > 0
	})
}

func TestHeartbeat_SingleIteration(t *testing.T) {
	reg := session.NewRegistry(nil)
	ctx := context.Background()

	tr := sessiontest.New()
	reg.Register(ctx, "u1", "alice", "", tr)
	tr.Close()

	s := New(DefaultConfig(), reg, nil, nil, nil)
	if err := s.heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if reg.Count() != 0 {
		t.Errorf("expected the closed transport's session to be removed, got %d sessions", reg.Count())
	}
}

func TestLoops_RunPeriodically(t *testing.T) {
	sweeper := &countingSweeper{}
	flusher := &fakeFlusher{}
	counter := &countingCounter{}

	s := New(fastConfig(), nil, sweeper, flusher, counter)
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, "every loop to fire twice", func() bool {
		return sweeper.calls.Load() >= 2 && flusher.calls.Load() >= 2 && counter.calls.Load() >= 2
	})
}

func TestLoops_ZeroIntervalDisables(t *testing.T) {
	sweeper := &countingSweeper{}
	cfg := fastConfig()
	cfg.CleanupInterval = 0

	s := New(cfg, nil, sweeper, nil, nil)
	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if n := sweeper.calls.Load(); n != 0 {
		t.Errorf("expected a disabled loop not to run, got %d calls", n)
	}
}

func TestSyncLoop_FailureBacksOffAndContinues(t *testing.T) {
	flusher := &fakeFlusher{err: errors.New("store down")}
	before := testutil.ToFloat64(metrics.LoopFaults.WithLabelValues("sync"))

	s := New(fastConfig(), nil, nil, flusher, nil)
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, "repeated sync attempts", func() bool { return flusher.calls.Load() >= 3 })
	if got := testutil.ToFloat64(metrics.LoopFaults.WithLabelValues("sync")) - before; got < 2 {
		t.Errorf("expected loop faults to be counted, got %v", got)
	}
}

func TestGo_SurvivesPanic(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})

	s := New(fastConfig(), nil, nil, nil, nil)
	s.Go("flaky", func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		close(done)
		return nil
	})
	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not restarted after a panic")
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("expected 2 calls, got %d", n)
	}
}

func TestGo_RestartsFailedTaskUntilStopped(t *testing.T) {
	var calls atomic.Int32
	s := New(fastConfig(), nil, nil, nil, nil)
	s.Start(context.Background())

	// Registered after Start: launched immediately.
	s.Go("bus", func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("subscribe failed")
	})

	waitFor(t, "task restarts", func() bool { return calls.Load() >= 3 })
	s.Stop()

	n := calls.Load()
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != n {
		t.Error("task kept running after Stop")
	}
}

func TestStop_CancelsTaskContext(t *testing.T) {
	var once sync.Once
	cancelled := make(chan struct{})

	s := New(fastConfig(), nil, nil, nil, nil)
	s.Go("blocking", func(ctx context.Context) error {
		<-ctx.Done()
		once.Do(func() { close(cancelled) })
		return ctx.Err()
	})
	s.Start(context.Background())
	s.Stop()

	select {
	case <-cancelled:
	default:
		t.Fatal("Stop returned before the task saw cancellation")
	}
}
