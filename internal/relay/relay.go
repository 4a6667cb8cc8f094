// Package relay moves chat messages from one sender to every live session.
// It applies moderation, buffers accepted messages for persistence, fans them
// out locally and forwards them to other relay instances over the bus.
package relay

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/messaging"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/moderation"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/session"
)

// Buffer receives every accepted message for persistence.
type Buffer interface {
	Append(ctx context.Context, msg chat.Message)
}

// Config holds relay settings.
type Config struct {
	ServerName    string        // origin stamped on bus events
	Subject       string        // bus subject or exchange
	BusRetryDelay time.Duration // wait before resubscribing after the bus stream ends
	Now           func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ServerName:    "relay-1",
		Subject:       messaging.DefaultSubject,
		BusRetryDelay: 2 * time.Second,
		Now:           time.Now,
	}
}

// Relay is the broadcast path shared by all connections on this node.
type Relay struct {
	cfg      Config
	registry *session.Registry
	guard    *moderation.Guard
	buffer   Buffer
	bus      messaging.Bus // nil for a single-node deployment
}

// New creates a Relay. bus may be nil.
func New(cfg Config, registry *session.Registry, guard *moderation.Guard, buffer Buffer, bus messaging.Bus) *Relay {
	def := DefaultConfig()
	if cfg.ServerName == "" {
		cfg.ServerName = def.ServerName
	}
	if cfg.Subject == "" {
		cfg.Subject = def.Subject
	}
	if cfg.BusRetryDelay <= 0 {
		cfg.BusRetryDelay = def.BusRetryDelay
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	return &Relay{
		cfg:      cfg,
		registry: registry,
		guard:    guard,
		buffer:   buffer,
		bus:      bus,
	}
}

// Submit handles a chat message from s. A sender serving a ban is told how
// long it lasts before the text is even looked at. Invalid text is answered
// with an error envelope and returned as an error. Otherwise the spam guard
// decides: a spam-triggering sender is banned and nothing is broadcast; an
// allowed message is published.
func (r *Relay) Submit(ctx context.Context, s *session.Session, text string) (moderation.Verdict, error) {
	if banned, left := r.guard.IsBanned(s.UserID); banned {
		v := moderation.Verdict{Outcome: moderation.Banned, Remaining: left}
		r.reject(ctx, s, v)
		return v, nil
	}

	if err := chat.ValidateMessage(text); err != nil {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		r.sendTo(ctx, s, protocol.MustServerMessage(protocol.TypeError, protocol.ErrorMsg{
			Code:    "invalid_message",
			Message: err.Error(),
		}))
		return moderation.Verdict{}, err
	}

	v := r.guard.RecordAndCheck(s.UserID, text)
	if !v.Allowed() {
		if v.Outcome == moderation.SpamTriggered {
			log.WithFields(log.Fields{
				"user_id": s.UserID,
				"ban":     v.Remaining,
			}).Info("[relay] repeated message, sender banned")
		}
		r.reject(ctx, s, v)
		return v, nil
	}
	metrics.MessagesTotal.WithLabelValues(v.Outcome.String()).Inc()

	msg := chat.NewMessage(s.UserID, s.DisplayName, s.Nickname, text, r.cfg.Now())
	return v, r.Publish(ctx, msg)
}

// reject tells s its message was dropped and for how long it stays muted.
func (r *Relay) reject(ctx context.Context, s *session.Session, v moderation.Verdict) {
	metrics.MessagesTotal.WithLabelValues(v.Outcome.String()).Inc()
	r.sendTo(ctx, s, protocol.MustServerMessage(protocol.TypeChatBanned, protocol.ChatBannedMsg{
		TimeLeft: v.SecondsLeft(),
	}))
}

// Publish buffers msg for persistence, delivers it to every local session,
// the sender included, and forwards it on the bus.
func (r *Relay) Publish(ctx context.Context, msg chat.Message) error {
	env, err := msg.Envelope()
	if err != nil {
		return err
	}
	r.buffer.Append(ctx, msg)
	r.deliver(ctx, env)
	r.forward(ctx, env)
	return nil
}

// Announce broadcasts a system notice to every session in the cluster.
func (r *Relay) Announce(ctx context.Context, text string) {
	env := protocol.MustServerMessage(protocol.TypeSystem, protocol.SystemMsg{Message: text})
	r.deliver(ctx, env)
	r.forward(ctx, env)
}

// BroadcastCount sends the current participant count to every local
// session. Each node runs its own presence loop, so this is not forwarded.
func (r *Relay) BroadcastCount(ctx context.Context) {
	count := r.registry.ParticipantCount(ctx)
	r.deliver(ctx, protocol.MustServerMessage(protocol.TypeUserCount, protocol.UserCountMsg{Count: count}))
}

// deliver sends env to a snapshot of the registry and returns how many
// sessions received it. A failed send prunes that session; delivery to the
// rest continues.
func (r *Relay) deliver(ctx context.Context, env []byte) int {
	delivered := 0
	for _, s := range r.registry.Snapshot() {
		if err := s.Transport.Send(env); err != nil {
			r.prune(ctx, s, err)
			continue
		}
		delivered++
	}
	return delivered
}

// sendTo delivers env to a single session, pruning it on failure.
func (r *Relay) sendTo(ctx context.Context, s *session.Session, env []byte) {
	if err := s.Transport.Send(env); err != nil {
		r.prune(ctx, s, err)
	}
}

// prune drops a session whose transport failed.
func (r *Relay) prune(ctx context.Context, s *session.Session, cause error) {
	removed := r.registry.Unregister(ctx, s)
	s.Transport.Close()
	if !removed {
		return
	}
	metrics.DeliveryFailures.Inc()
	log.Printf("[relay] pruned session=%s user=%s: %v", s.ID, s.UserID, cause)
}

// forward publishes env to the other relay instances.
func (r *Relay) forward(ctx context.Context, env []byte) {
	if r.bus == nil {
		return
	}
	data, err := chat.EncodeEvent(r.cfg.ServerName, env)
	if err != nil {
		metrics.BusEvents.WithLabelValues("out", "error").Inc()
		log.Printf("[relay] encode bus event: %v", err)
		return
	}
	if err := r.bus.Publish(ctx, r.cfg.Subject, data); err != nil {
		metrics.BusEvents.WithLabelValues("out", "error").Inc()
		log.Printf("[relay] bus publish: %v", err)
		return
	}
	metrics.BusEvents.WithLabelValues("out", "ok").Inc()
}

// RunBus delivers events published by other instances to local sessions
// until ctx is cancelled. When the subscription fails or ends it is retried
// after BusRetryDelay. Events are never re-published or buffered here.
func (r *Relay) RunBus(ctx context.Context) error {
	if r.bus == nil {
		return nil
	}
	for {
		ch, err := r.bus.Subscribe(ctx, r.cfg.Subject)
		if err != nil {
			log.Printf("[relay] bus subscribe %s: %v", r.cfg.Subject, err)
		} else {
			log.Printf("[relay] subscribed to %s", r.cfg.Subject)
			r.consume(ctx, ch)
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, messaging.ErrClosed) {
			return err
		}

		log.Printf("[relay] bus stream ended, resubscribing in %s", r.cfg.BusRetryDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.cfg.BusRetryDelay):
		}
	}
}

func (r *Relay) consume(ctx context.Context, ch <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			r.handleEvent(ctx, data)
		}
	}
}

func (r *Relay) handleEvent(ctx context.Context, data []byte) {
	ev, err := chat.DecodeEvent(data)
	if err != nil {
		metrics.BusEvents.WithLabelValues("in", "error").Inc()
		log.Printf("[relay] drop bus event: %v", err)
		return
	}
	if ev.Origin == r.cfg.ServerName {
		metrics.BusEvents.WithLabelValues("in", "skipped").Inc()
		return
	}
	metrics.BusEvents.WithLabelValues("in", "ok").Inc()
	r.deliver(ctx, ev.Envelope)
}
