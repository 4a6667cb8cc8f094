package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/ratelimit"
)

// History limits for /recent_messages.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// HistorySource returns recent messages, newest first.
type HistorySource interface {
	Recent(ctx context.Context, limit int) ([]chat.Message, error)
}

// UserHistorySource returns one sender's recent messages, newest first.
type UserHistorySource interface {
	UserRecent(ctx context.Context, userID string, limit int) ([]chat.Message, error)
}

type historyHandler struct {
	all     HistorySource
	perUser UserHistorySource // nil disables ?user_id=
	limiter *ratelimit.Limiter
}

// HistoryHandler serves GET /recent_messages?limit=N[&user_id=U] as
// {"messages": [...]}. perUser and limiter may be nil.
func HistoryHandler(all HistorySource, perUser UserHistorySource, limiter *ratelimit.Limiter) http.Handler {
	return &historyHandler{all: all, perUser: perUser, limiter: limiter}
}

func (h *historyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.limiter != nil {
		if d, _ := h.limiter.Hit(r.Context(), clientIP(r), ratelimit.RuleHistory); !d.Allowed {
			tooManyRequests(w, d, "too many requests")
			return
		}
	}

	limit := DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, MaxHistoryLimit)
	}

	var (
		msgs []chat.Message
		err  error
	)
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		if h.perUser == nil {
			http.Error(w, "per-user history is not available", http.StatusNotImplemented)
			return
		}
		msgs, err = h.perUser.UserRecent(r.Context(), userID, limit)
	} else {
		msgs, err = h.all.Recent(r.Context(), limit)
	}
	if err != nil {
		log.Printf("ws: recent messages: %v", err)
		http.Error(w, "failed to load messages", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Messages []chat.Message `json:"messages"`
	}{msgs})
}

func tooManyRequests(w http.ResponseWriter, d ratelimit.Decision, msg string) {
	if secs := d.RetryAfterSeconds(); secs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	http.Error(w, msg, http.StatusTooManyRequests)
}
