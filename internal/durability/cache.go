package durability

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/relay/internal/chat"
)

const (
	// RecentKey is the Redis list of the newest messages across all users.
	RecentKey = "messages:recent"

	// UserRecentPrefix prefixes the per-user recent message lists.
	UserRecentPrefix = "messages:user:"

	// RecentCap and UserRecentCap bound the two lists.
	RecentCap     = 500
	UserRecentCap = 50
)

// RedisCache keeps capped Redis lists of recent messages, newest first. It is
// a read mirror only; the in-memory buffer remains the source for durability.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCache creates a RedisCache on the given client.
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) recentKey() string { return c.prefix + RecentKey }

func (c *RedisCache) userKey(userID string) string {
	return c.prefix + UserRecentPrefix + userID
}

// Push prepends msg to the global and sender lists and trims both.
func (c *RedisCache) Push(ctx context.Context, msg chat.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("durability: cache push: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, c.recentKey(), data)
	pipe.LTrim(ctx, c.recentKey(), 0, RecentCap-1)
	pipe.LPush(ctx, c.userKey(msg.SenderID), data)
	pipe.LTrim(ctx, c.userKey(msg.SenderID), 0, UserRecentCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("durability: cache push: %w", err)
	}
	return nil
}

// Recent returns up to limit messages across all users, newest first.
func (c *RedisCache) Recent(ctx context.Context, limit int) ([]chat.Message, error) {
	return c.read(ctx, c.recentKey(), limit)
}

// UserRecent returns up to limit messages sent by userID, newest first.
func (c *RedisCache) UserRecent(ctx context.Context, userID string, limit int) ([]chat.Message, error) {
	return c.read(ctx, c.userKey(userID), limit)
}

func (c *RedisCache) read(ctx context.Context, key string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := c.rdb.LRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("durability: cache read %s: %w", key, err)
	}
	out := make([]chat.Message, 0, len(raw))
	for _, r := range raw {
		var m chat.Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("durability: cache decode: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}
