package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PresencePrefix is the Redis key prefix for presence keys.
	PresencePrefix = "presence:"

	// PresenceTTL bounds how long a presence hash outlives its last touch.
	PresenceTTL = 5 * time.Minute
)

// leaveLua removes a user's presence only if this server still owns it, so a
// node cleaning up a superseded connection does not erase the entry written
// by the node now serving the user.
//
// KEYS[1] = presence:<user>, KEYS[2] = presence:online
// ARGV[1] = server name, ARGV[2] = user id
const leaveLua = `
local owner = redis.call('HGET', KEYS[1], 'server')
if owner and owner ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`

// Presence mirrors online users into Redis so every relay node can report the
// same participant count. The sorted set score is the last-seen unix time.
type Presence struct {
	rdb        *redis.Client
	serverName string
	prefix     string
	staleAfter time.Duration
	now        func() time.Time

	leaveScript *redis.Script
}

// NewPresence creates a Presence for this server. Entries not touched within
// staleAfter are excluded from Count.
func NewPresence(rdb *redis.Client, serverName string, staleAfter time.Duration) *Presence {
	return &Presence{
		rdb:         rdb,
		serverName:  serverName,
		prefix:      PresencePrefix,
		staleAfter:  staleAfter,
		now:         time.Now,
		leaveScript: redis.NewScript(leaveLua),
	}
}

func (p *Presence) onlineKey() string { return p.prefix + "online" }
func (p *Presence) userKey(userID string) string { return p.prefix + userID }

// Join records userID as online on this server.
func (p *Presence) Join(ctx context.Context, userID string, connectedAt time.Time) error {
	key := p.userKey(userID)
	now := p.now()

	pipe := p.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_id":      userID,
		"server":       p.serverName,
		"connected_at": connectedAt.Unix(),
	})
	pipe.Expire(ctx, key, PresenceTTL)
	pipe.ZAdd(ctx, p.onlineKey(), redis.Z{Score: float64(now.Unix()), Member: userID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: presence join: %w", err)
	}
	return nil
}

// Touch refreshes the last-seen score and the hash TTL.
func (p *Presence) Touch(ctx context.Context, userID string) error {
	pipe := p.rdb.Pipeline()
	pipe.ZAdd(ctx, p.onlineKey(), redis.Z{Score: float64(p.now().Unix()), Member: userID})
	pipe.Expire(ctx, p.userKey(userID), PresenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: presence touch: %w", err)
	}
	return nil
}

// Leave removes userID from presence unless another server has taken over.
func (p *Presence) Leave(ctx context.Context, userID string) error {
	keys := []string{p.userKey(userID), p.onlineKey()}
	if err := p.leaveScript.Run(ctx, p.rdb, keys, p.serverName, userID).Err(); err != nil {
		return fmt.Errorf("session: presence leave: %w", err)
	}
	return nil
}

// Server returns the server currently serving userID, or "" if offline.
func (p *Presence) Server(ctx context.Context, userID string) (string, error) {
	server, err := p.rdb.HGet(ctx, p.userKey(userID), "server").Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: presence server: %w", err)
	}
	return server, nil
}

// Count returns the number of users seen within staleAfter. Older members are
// trimmed from the set as a side effect.
func (p *Presence) Count(ctx context.Context) (int, error) {
	cutoff := p.now().Add(-p.staleAfter).Unix()

	pipe := p.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, p.onlineKey(), "-inf", fmt.Sprintf("(%d", cutoff))
	card := pipe.ZCard(ctx, p.onlineKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("session: presence count: %w", err)
	}
	return int(card.Val()), nil
}
