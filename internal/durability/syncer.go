// Package durability buffers broadcast messages in memory and reconciles them
// with the durable store. Writes are batched and retried; a message that keeps
// failing is eventually dead-lettered. Delivery is at-least-once, relying on
// the store to ignore duplicate inserts.
package durability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/metrics"
)

// Store is the durable side of the buffer.
type Store interface {
	InsertMessages(ctx context.Context, msgs []chat.Message) error
	FetchRecent(ctx context.Context, limit int) ([]chat.Message, error)
}

// Cache is a bounded fast-read mirror of recent messages.
type Cache interface {
	Push(ctx context.Context, msg chat.Message) error
	Recent(ctx context.Context, limit int) ([]chat.Message, error)
}

// ErrNoStore is returned by Recent when neither cache nor store can serve it.
var ErrNoStore = errors.New("durability: no store configured")

// State is the lifecycle position of a buffered message.
type State int

const (
	StatePending State = iota
	StateFlushing
	StatePersisted
	StateDeadLettered
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFlushing:
		return "flushing"
	case StatePersisted:
		return "persisted"
	case StateDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

type entry struct {
	msg     chat.Message
	state   State
	retries int
}

// Config holds the flush triggers and retry cap.
type Config struct {
	PollInterval time.Duration // how often the sync loop calls FlushIfDue
	BatchSize    int           // pending count that forces a flush; also the batch cap
	MaxStaleness time.Duration // max time since the last successful flush
	MaxAttempts  int           // failed flushes before a message is dead-lettered
	Now          func() time.Time
}

// DefaultConfig returns the production sync parameters.
func DefaultConfig() Config {
	return Config{
		PollInterval: 1 * time.Second,
		BatchSize:    50,
		MaxStaleness: 10 * time.Second,
		MaxAttempts:  30,
		Now:          time.Now,
	}
}

// Result summarises one flush attempt.
type Result struct {
	Written      int
	Failed       int
	DeadLettered int
}

// Stats is a point-in-time view of the buffer.
type Stats struct {
	Pending             int       `json:"pending"`
	Flushing            int       `json:"flushing"`
	Persisted           int64     `json:"persisted"`     // total since start
	DeadLettered        int64     `json:"dead_lettered"` // total since start
	LastFlush           time.Time `json:"last_flush"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Syncer owns the linear buffer of messages awaiting persistence.
type Syncer struct {
	cfg   Config
	store Store
	cache Cache // nil when Redis is not configured

	mu        sync.Mutex
	entries   []*entry
	lastFlush time.Time
	persisted int64
	dead      int64
	failures  int
}

// NewSyncer creates a Syncer. store must not be nil; cache may be. Zero
// fields in cfg fall back to DefaultConfig.
func NewSyncer(store Store, cache Cache, cfg Config) *Syncer {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxStaleness <= 0 {
		cfg.MaxStaleness = def.MaxStaleness
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	return &Syncer{
		cfg:       cfg,
		store:     store,
		cache:     cache,
		lastFlush: cfg.Now(),
	}
}

// PollInterval is the configured sync loop period.
func (s *Syncer) PollInterval() time.Duration { return s.cfg.PollInterval }

// Append buffers msg as pending and mirrors it into the recent cache. Cache
// failures are logged and otherwise ignored.
func (s *Syncer) Append(ctx context.Context, msg chat.Message) {
	s.mu.Lock()
	s.entries = append(s.entries, &entry{msg: msg, state: StatePending})
	s.updateGaugeLocked()
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.Push(ctx, msg); err != nil {
			log.Printf("[sync] cache push id=%s: %v", msg.ID, err)
		}
	}
}

// FlushIfDue writes one batch when BatchSize messages are pending or when
// messages are pending and MaxStaleness has passed since the last successful
// flush. It does nothing otherwise.
func (s *Syncer) FlushIfDue(ctx context.Context) (Result, error) {
	return s.flushBatch(ctx, false)
}

// Flush writes everything pending, batch by batch, regardless of the
// triggers. It stops at the first failed batch.
func (s *Syncer) Flush(ctx context.Context) error {
	for {
		res, err := s.flushBatch(ctx, true)
		if err != nil {
			return err
		}
		if res.Written == 0 {
			return nil
		}
	}
}

func (s *Syncer) flushBatch(ctx context.Context, force bool) (Result, error) {
	now := s.cfg.Now()

	s.mu.Lock()
	pending := s.countLocked(StatePending)
	due := pending >= s.cfg.BatchSize ||
		(pending > 0 && now.Sub(s.lastFlush) >= s.cfg.MaxStaleness)
	if pending == 0 || (!force && !due) {
		s.mu.Unlock()
		return Result{}, nil
	}

	batch := make([]*entry, 0, s.cfg.BatchSize)
	for _, e := range s.entries {
		if e.state != StatePending {
			continue
		}
		e.state = StateFlushing
		batch = append(batch, e)
		if len(batch) == s.cfg.BatchSize {
			break
		}
	}
	msgs := make([]chat.Message, len(batch))
	for i, e := range batch {
		msgs[i] = e.msg
	}
	s.mu.Unlock()

	start := time.Now()
	err := s.store.InsertMessages(ctx, msgs)
	metrics.FlushDuration.Observe(time.Since(start).Seconds())

	var (
		res  Result
		dead []chat.Message
	)

	s.mu.Lock()
	if err == nil {
		for _, e := range batch {
			e.state = StatePersisted
		}
		res.Written = len(batch)
		s.persisted += int64(len(batch))
		s.lastFlush = s.cfg.Now()
		s.failures = 0
	} else {
		for _, e := range batch {
			e.retries++
			if e.retries >= s.cfg.MaxAttempts {
				e.state = StateDeadLettered
				dead = append(dead, e.msg)
				continue
			}
			e.state = StatePending
		}
		res.DeadLettered = len(dead)
		res.Failed = len(batch) - len(dead)
		s.dead += int64(len(dead))
		s.failures++
	}
	s.compactLocked()
	s.updateGaugeLocked()
	failures := s.failures
	s.mu.Unlock()

	if err != nil {
		metrics.FlushesTotal.WithLabelValues("error").Inc()
		log.WithFields(log.Fields{
			"batch":    len(batch),
			"failures": failures,
		}).Warnf("[sync] flush failed: %v", err)
	} else {
		metrics.FlushesTotal.WithLabelValues("ok").Inc()
		log.Debugf("[sync] flushed %d messages", res.Written)
	}
	for _, m := range dead {
		metrics.DeadLetters.Inc()
		log.WithFields(log.Fields{
			"id":        m.ID,
			"sender_id": m.SenderID,
			"attempts":  s.cfg.MaxAttempts,
		}).Error("[sync] message dead-lettered")
	}

	if err != nil {
		return res, fmt.Errorf("durability: flush: %w", err)
	}
	return res, nil
}

// Pending returns the number of messages waiting for a flush.
func (s *Syncer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(StatePending)
}

// Stats returns a snapshot of the buffer counters.
func (s *Syncer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Pending:             s.countLocked(StatePending),
		Flushing:            s.countLocked(StateFlushing),
		Persisted:           s.persisted,
		DeadLettered:        s.dead,
		LastFlush:           s.lastFlush,
		ConsecutiveFailures: s.failures,
	}
}

// Recent returns up to limit messages, newest first. The cache answers when
// it holds enough; otherwise the store is read and merged with messages that
// are still buffered.
func (s *Syncer) Recent(ctx context.Context, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	if s.cache != nil {
		msgs, err := s.cache.Recent(ctx, limit)
		if err == nil && len(msgs) >= limit {
			return msgs, nil
		}
		if err != nil {
			log.Printf("[sync] cache recent: %v", err)
		}
	}
	if s.store == nil {
		return nil, ErrNoStore
	}

	stored, err := s.store.FetchRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("durability: recent: %w", err)
	}

	seen := make(map[string]bool, len(stored))
	out := make([]chat.Message, 0, len(stored))
	for _, m := range stored {
		seen[m.ID] = true
		out = append(out, m)
	}
	s.mu.Lock()
	for _, e := range s.entries {
		if !seen[e.msg.ID] {
			out = append(out, e.msg)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Syncer) countLocked(state State) int {
	n := 0
	for _, e := range s.entries {
		if e.state == state {
			n++
		}
	}
	return n
}

// compactLocked drops persisted and dead-lettered entries, keeping order.
func (s *Syncer) compactLocked() {
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.state == StatePending || e.state == StateFlushing {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(s.entries); i++ {
		s.entries[i] = nil
	}
	s.entries = kept
}

func (s *Syncer) updateGaugeLocked() {
	metrics.BufferedMessages.Set(float64(len(s.entries)))
}
