// Package supervisor owns the relay's background work: the heartbeat,
// moderation cleanup, durability sync and presence loops, plus long-running
// tasks such as the bus subscription. Every loop is cancelled by Stop and
// survives errors and panics in a single iteration.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/whisper/relay/internal/durability"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/session"
)

// Sweeper drops idle moderation state.
type Sweeper interface {
	Cleanup() (windows, bans int)
}

// Flusher writes buffered messages to the durable store when due.
type Flusher interface {
	FlushIfDue(ctx context.Context) (durability.Result, error)
}

// Counter broadcasts the participant count.
type Counter interface {
	BroadcastCount(ctx context.Context)
}

// Config holds loop intervals. A zero interval disables that loop.
type Config struct {
	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
	SyncInterval      time.Duration
	PresenceInterval  time.Duration
	Backoff           time.Duration // pause after a failed or panicking iteration
}

// DefaultConfig returns the production intervals.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 60 * time.Second,
		CleanupInterval:   time.Hour,
		SyncInterval:      time.Second,
		PresenceInterval:  time.Second,
		Backoff:           time.Second,
	}
}

type task struct {
	name string
	fn   func(ctx context.Context) error
}

// Supervisor runs the periodic loops and registered tasks.
type Supervisor struct {
	cfg      Config
	registry *session.Registry
	guard    Sweeper // nil disables cleanup
	syncer   Flusher // nil disables sync
	counter  Counter // nil disables presence broadcasts

	mu      sync.Mutex
	tasks   []task
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// New creates a Supervisor. Loops whose collaborator is nil are not started.
func New(cfg Config, registry *session.Registry, guard Sweeper, syncer Flusher, counter Counter) *Supervisor {
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultConfig().Backoff
	}
	return &Supervisor{
		cfg:      cfg,
		registry: registry,
		guard:    guard,
		syncer:   syncer,
		counter:  counter,
	}
}

// Go registers a long-running task. A task that returns an error or panics
// is restarted after the backoff; one that returns nil is finished. Tasks
// registered after Start are launched immediately.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	t := task{name: name, fn: fn}
	s.tasks = append(s.tasks, t)
	if s.ctx != nil {
		s.launch(s.ctx, t)
	}
}

// Start launches every configured loop and registered task. It returns
// immediately; Stop or cancelling ctx ends them.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil || s.stopped {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.registry != nil {
		s.launch(s.ctx, task{"heartbeat", s.every(s.cfg.HeartbeatInterval, s.heartbeat)})
	}
	if s.guard != nil {
		s.launch(s.ctx, task{"cleanup", s.every(s.cfg.CleanupInterval, s.cleanup)})
	}
	if s.syncer != nil {
		s.launch(s.ctx, task{"sync", s.every(s.cfg.SyncInterval, s.sync)})
	}
	if s.counter != nil {
		s.launch(s.ctx, task{"presence", s.every(s.cfg.PresenceInterval, s.presence)})
	}
	for _, t := range s.tasks {
		s.launch(s.ctx, t)
	}
	log.Printf("[supervisor] started (heartbeat=%s cleanup=%s sync=%s presence=%s tasks=%d)",
		s.cfg.HeartbeatInterval, s.cfg.CleanupInterval, s.cfg.SyncInterval, s.cfg.PresenceInterval, len(s.tasks))
}

// Stop cancels every loop and task and waits for them to return.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	log.Println("[supervisor] stopped")
}

func (s *Supervisor) launch(ctx context.Context, t task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, t)
	}()
}

// run calls t.fn until it returns nil or ctx is done, pausing for the
// backoff after each failure.
func (s *Supervisor) run(ctx context.Context, t task) {
	for {
		err := safely(ctx, t.fn)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			log.Printf("[supervisor] task %s finished", t.name)
			return
		}
		s.fault(t.name, err)
		if !sleep(ctx, s.cfg.Backoff) {
			return
		}
	}
}

// every turns an iteration into a loop that fires each interval. A failed
// iteration is reported and followed by the backoff; the loop itself only
// returns when ctx is done. A non-positive interval returns immediately.
func (s *Supervisor) every(interval time.Duration, iter func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if interval <= 0 {
			return nil
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			if err := safely(ctx, iter); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (s *Supervisor) fault(name string, err error) {
	metrics.LoopFaults.WithLabelValues(name).Inc()
	log.WithFields(log.Fields{"loop": name, "backoff": s.cfg.Backoff}).Errorf("[supervisor] iteration failed: %v", err)
}

// safely runs fn, converting a panic into an error.
func safely(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("supervisor: panic: %v", r)
		}
	}()
	return fn(ctx)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// heartbeat pings every session. A session whose transport fails is
// unregistered and closed; the others have their presence refreshed.
func (s *Supervisor) heartbeat(ctx context.Context) error {
	ping := protocol.MustServerMessage(protocol.TypePing, protocol.ServerPingMsg{})

	removed := 0
	for _, sess := range s.registry.Snapshot() {
		if err := sess.Transport.Send(ping); err != nil {
			log.Debugf("[supervisor] heartbeat to user=%s failed: %v", sess.UserID, err)
			s.registry.Unregister(ctx, sess)
			sess.Transport.Close()
			removed++
			continue
		}
		s.registry.Touch(ctx, sess)
	}
	if removed > 0 {
		log.Printf("[supervisor] heartbeat removed %d dead sessions", removed)
	}
	return nil
}

func (s *Supervisor) cleanup(context.Context) error {
	windows, bans := s.guard.Cleanup()
	if windows > 0 || bans > 0 {
		log.Printf("[supervisor] cleanup removed %d windows and %d bans", windows, bans)
	}
	return nil
}

func (s *Supervisor) sync(ctx context.Context) error {
	_, err := s.syncer.FlushIfDue(ctx)
	return err
}

func (s *Supervisor) presence(ctx context.Context) error {
	s.counter.BroadcastCount(ctx)
	return nil
}
