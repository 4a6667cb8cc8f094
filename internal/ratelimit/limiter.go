// Package ratelimit throttles callers with fixed windows kept in Redis. The
// relay uses it for WebSocket connection attempts and history reads, both
// keyed by client IP. Every check fails open: a Redis outage never turns
// clients away.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Rule is one throttling policy.
type Rule struct {
	Name   string        // key segment and log label
	Limit  int           // hits allowed per window
	Window time.Duration // window length, starting at the first hit
}

var (
	// RuleConnect allows 5 WebSocket upgrades per minute per IP.
	RuleConnect = Rule{Name: "conn", Limit: 5, Window: time.Minute}

	// RuleHistory allows 30 /recent_messages reads per minute per IP.
	RuleHistory = Rule{Name: "history", Limit: 30, Window: time.Minute}
)

// Decision is the outcome of one hit against a rule.
type Decision struct {
	Allowed    bool
	Remaining  int           // hits left in the current window
	RetryAfter time.Duration // time until the window resets; zero when allowed
}

// RetryAfterSeconds rounds RetryAfter up for the Retry-After header.
func (d Decision) RetryAfterSeconds() int {
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

// hitScript counts a hit and reports the window's remaining lifetime. The
// expiry is (re)applied whenever the key has none, so a counter can never
// outlive its window.
var hitScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// Limiter checks rules against Redis counters.
type Limiter struct {
	rdb    *redis.Client
	prefix string // key namespace, empty in production
}

// NewLimiter creates a Limiter backed by rdb.
func NewLimiter(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb}
}

func (l *Limiter) key(rule Rule, id string) string {
	return l.prefix + "rl:" + rule.Name + ":" + id
}

// Hit records one attempt by id under rule. On Redis errors the decision is
// an allow and the error is returned for the caller to log or ignore.
func (l *Limiter) Hit(ctx context.Context, id string, rule Rule) (Decision, error) {
	key := l.key(rule, id)
	res, err := hitScript.Run(ctx, l.rdb, []string{key}, rule.Window.Milliseconds()).Int64Slice()
	if err == nil && len(res) != 2 {
		err = fmt.Errorf("unexpected reply %v", res)
	}
	if err != nil {
		log.WithField("rule", rule.Name).Warnf("[ratelimit] hit %s failed, allowing: %v", id, err)
		return Decision{Allowed: true, Remaining: rule.Limit}, fmt.Errorf("ratelimit: hit: %w", err)
	}

	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	if count > rule.Limit {
		return Decision{RetryAfter: ttl}, nil
	}
	return Decision{Allowed: true, Remaining: rule.Limit - count}, nil
}

// Remaining reports the hits id has left under rule without counting one.
func (l *Limiter) Remaining(ctx context.Context, id string, rule Rule) (int, error) {
	count, err := l.rdb.Get(ctx, l.key(rule, id)).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		return rule.Limit, fmt.Errorf("ratelimit: remaining: %w", err)
	}
	return max(rule.Limit-count, 0), nil
}
