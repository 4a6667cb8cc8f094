// Package moderation decides whether a sender may have a message broadcast.
// It tracks a short window of each sender's recent messages to detect
// identical-message floods and keeps the temporary bans that result.
package moderation

import (
	"math"
	"sync"
	"time"
)

// Outcome classifies a message submitted to the Guard.
type Outcome int

const (
	// Allowed means the message may be broadcast.
	Allowed Outcome = iota
	// Banned means the sender is serving a ban and the message is dropped.
	Banned
	// SpamTriggered means this message completed an identical-message run;
	// the sender is now banned and the message is dropped.
	SpamTriggered
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Banned:
		return "banned"
	case SpamTriggered:
		return "spam_triggered"
	default:
		return "unknown"
	}
}

// Verdict is the result of Guard.RecordAndCheck.
type Verdict struct {
	Outcome   Outcome
	Remaining time.Duration // ban time left; zero when Allowed
}

// Allowed reports whether the message may be broadcast.
func (v Verdict) Allowed() bool { return v.Outcome == Allowed }

// SecondsLeft is the remaining ban rounded up to whole seconds, the unit
// shown to clients.
func (v Verdict) SecondsLeft() int {
	if v.Remaining <= 0 {
		return 0
	}
	return int(math.Ceil(v.Remaining.Seconds()))
}

// Config holds the spam thresholds.
type Config struct {
	Window      time.Duration // lookback for an identical-message run
	Threshold   int           // identical messages that trigger a ban; also the window capacity
	BanDuration time.Duration // how long a triggered ban lasts
	Retention   time.Duration // idle time after which Cleanup drops a sender's window
	Now         func() time.Time
}

// DefaultConfig returns the production thresholds: 4 identical messages
// within 5 seconds ban the sender for 20 seconds.
func DefaultConfig() Config {
	return Config{
		Window:      5 * time.Second,
		Threshold:   4,
		BanDuration: 20 * time.Second,
		Retention:   1 * time.Hour,
		Now:         time.Now,
	}
}

// Guard is the per-sender repeat-message detector and ban tracker. All state
// transitions for one sender happen inside a single critical section, so a
// check and the ban it causes can never be split by another caller.
type Guard struct {
	cfg     Config
	mu      sync.Mutex
	windows map[string]*window   // user_id -> recent messages
	bans    map[string]time.Time // user_id -> ban_until
}

// NewGuard creates a Guard. Zero fields in cfg fall back to DefaultConfig.
func NewGuard(cfg Config) *Guard {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = def.BanDuration
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	return &Guard{
		cfg:     cfg,
		windows: make(map[string]*window),
		bans:    make(map[string]time.Time),
	}
}

// RecordAndCheck records text as the sender's latest message and classifies
// it. A sender serving a ban gets Banned without the message being recorded.
// An elapsed ban is cleared together with the sender's window before the
// message is considered.
func (g *Guard) RecordAndCheck(userID, text string) Verdict {
	now := g.cfg.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.reapLocked(userID, now) {
		until := g.bans[userID]
		return Verdict{Outcome: Banned, Remaining: until.Sub(now)}
	}

	w := g.windowLocked(userID)
	w.add(entry{text: text, at: now})

	if w.full() && now.Sub(w.oldest().at) <= g.cfg.Window && w.uniform() {
		g.bans[userID] = now.Add(g.cfg.BanDuration)
		return Verdict{Outcome: SpamTriggered, Remaining: g.cfg.BanDuration}
	}
	return Verdict{Outcome: Allowed}
}

// IsBanned reports whether userID is currently banned, reaping an elapsed
// ban the same way RecordAndCheck does.
func (g *Guard) IsBanned(userID string) (bool, time.Duration) {
	now := g.cfg.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.reapLocked(userID, now) {
		return true, g.bans[userID].Sub(now)
	}
	return false, 0
}

// Cleanup drops windows that are empty or idle longer than the retention and
// bans that have elapsed. It returns how many of each were removed. Lazy
// reaping in RecordAndCheck makes this an optimisation only.
func (g *Guard) Cleanup() (windows, bans int) {
	now := g.cfg.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	for userID, until := range g.bans {
		if !now.Before(until) {
			delete(g.bans, userID)
			if w, ok := g.windows[userID]; ok {
				w.reset()
			}
			bans++
		}
	}
	for userID, w := range g.windows {
		if _, banned := g.bans[userID]; banned {
			continue
		}
		if w.len() == 0 || now.Sub(w.newest().at) > g.cfg.Retention {
			delete(g.windows, userID)
			windows++
		}
	}
	return windows, bans
}

// Tracked returns the number of senders with a window and with a ban.
func (g *Guard) Tracked() (windows, bans int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.windows), len(g.bans)
}

// reapLocked reports whether userID holds an unexpired ban. An expired ban is
// removed and the sender's window cleared. g.mu must be held.
func (g *Guard) reapLocked(userID string, now time.Time) bool {
	until, ok := g.bans[userID]
	if !ok {
		return false
	}
	if now.Before(until) {
		return true
	}
	delete(g.bans, userID)
	if w, ok := g.windows[userID]; ok {
		w.reset()
	}
	return false
}

// windowLocked is the get-or-create accessor for a sender's window.
func (g *Guard) windowLocked(userID string) *window {
	w, ok := g.windows[userID]
	if !ok {
		w = newWindow(g.cfg.Threshold)
		g.windows[userID] = w
	}
	return w
}
