// Package session tracks the live client sessions on this relay node. Each
// user holds at most one session; a reconnect supersedes the previous one.
// An optional Redis presence mirror makes the participant count cluster-wide.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/protocol"
)

// Transport is the outbound half of a client connection.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// Session is one user's live connection.
type Session struct {
	ID          string // uuid, for logs
	UserID      string
	DisplayName string
	Nickname    string
	Transport   Transport
	ConnectedAt time.Time
}

// Registry maps user IDs to their live session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	presence *Presence // nil when Redis is not configured
	now      func() time.Time
}

// NewRegistry creates an empty Registry. presence may be nil.
func NewRegistry(presence *Presence) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		presence: presence,
		now:      time.Now,
	}
}

// Register installs a new session for userID. A session already held by the
// user is swapped out in the same critical section, then told that it expired
// and closed. The new transport finally receives the participant count.
func (r *Registry) Register(ctx context.Context, userID, displayName, nickname string, t Transport) *Session {
	s := &Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		DisplayName: displayName,
		Nickname:    nickname,
		Transport:   t,
		ConnectedAt: r.now(),
	}

	r.mu.Lock()
	prior := r.sessions[userID]
	r.sessions[userID] = s
	n := len(r.sessions)
	r.mu.Unlock()

	metrics.ConnectionsTotal.Set(float64(n))

	if prior != nil {
		metrics.SessionsSuperseded.Inc()
		log.Printf("[session] user=%s superseded session=%s by session=%s", userID, prior.ID, s.ID)
		if err := prior.Transport.Send(protocol.MustServerMessage(protocol.TypeSessionExpired, protocol.SessionExpiredMsg{})); err != nil {
			log.Debugf("[session] session_expired to session=%s failed: %v", prior.ID, err)
		}
		prior.Transport.Close()
	}

	if r.presence != nil {
		if err := r.presence.Join(ctx, userID, s.ConnectedAt); err != nil {
			log.Printf("[session] presence join user=%s: %v", userID, err)
		}
	}

	count := r.ParticipantCount(ctx)
	if err := t.Send(protocol.MustServerMessage(protocol.TypeUserCount, protocol.UserCountMsg{Count: count})); err != nil {
		log.Debugf("[session] user_count to session=%s failed: %v", s.ID, err)
	}
	return s
}

// Remove deletes the session held by userID, if any. It does not close the
// transport. Removing an absent user is a no-op.
func (r *Registry) Remove(ctx context.Context, userID string) {
	r.mu.Lock()
	_, ok := r.sessions[userID]
	delete(r.sessions, userID)
	n := len(r.sessions)
	r.mu.Unlock()

	if ok {
		metrics.ConnectionsTotal.Set(float64(n))
		r.leave(ctx, userID)
	}
}

// Unregister removes s only if it is still the user's current session, so a
// late cleanup of a superseded session never evicts its replacement. It
// reports whether s was removed.
func (r *Registry) Unregister(ctx context.Context, s *Session) bool {
	r.mu.Lock()
	cur, ok := r.sessions[s.UserID]
	removed := ok && cur == s
	if removed {
		delete(r.sessions, s.UserID)
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if removed {
		metrics.ConnectionsTotal.Set(float64(n))
		r.leave(ctx, s.UserID)
	}
	return removed
}

// Get returns the current session for userID, or nil.
func (r *Registry) Get(userID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[userID]
}

// Snapshot returns a point-in-time copy of all sessions. The slice is safe to
// iterate without holding the lock.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	return out
}

// Count returns the number of live sessions on this node.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ParticipantCount returns the cluster-wide participant count from the
// presence mirror, falling back to the local count.
func (r *Registry) ParticipantCount(ctx context.Context) int {
	if r.presence == nil {
		return r.Count()
	}
	n, err := r.presence.Count(ctx)
	if err != nil {
		log.Printf("[session] presence count: %v", err)
		return r.Count()
	}
	return n
}

// Touch refreshes the presence entry of a session that answered a heartbeat.
func (r *Registry) Touch(ctx context.Context, s *Session) {
	if r.presence == nil {
		return
	}
	if err := r.presence.Touch(ctx, s.UserID); err != nil {
		log.Printf("[session] presence touch user=%s: %v", s.UserID, err)
	}
}

func (r *Registry) leave(ctx context.Context, userID string) {
	if r.presence == nil {
		return
	}
	if err := r.presence.Leave(ctx, userID); err != nil {
		log.Printf("[session] presence leave user=%s: %v", userID, err)
	}
}
