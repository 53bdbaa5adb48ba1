// Package cache is the optional Cache (CA, spec section 4): a
// Redis-backed read-through layer in front of PS for chat list/history
// and dashboard aggregate reads. When no Redis URL is configured, a
// nil cache is used transparently so every caller works the same way
// whether or not Redis is present (spec section 6: REDIS_URL optional).
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Cache is implemented by both the Redis-backed client and the no-op
// fallback, so callers never branch on whether caching is enabled.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	InvalidatePrefix(ctx context.Context, prefix string) error
	Close() error
}

// New connects to Redis at url. An empty url returns a Noop cache.
func New(url string, log zerolog.Logger) (Cache, error) {
	if url == "" {
		return Noop{}, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	return &redisCache{client: client, log: log.With().Str("component", "cache").Logger()}, nil
}

type redisCache struct {
	client *redis.Client
	log    zerolog.Logger
}

func (c *redisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache: getting %s: %w", key, err)
	}
	return val, true, nil
}

func (c *redisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: setting %s: %w", key, err)
	}
	return nil
}

// InvalidatePrefix deletes every key matching prefix+"*", per spec
// section 5's key-prefix invalidation scheme
// (`chat:list:<user>:<ws>:*`, `chat:history:<user>:<ws>:<chat>:*`).
func (c *redisCache) InvalidatePrefix(ctx context.Context, prefix string) error {
	iter := c.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache: scanning prefix %s: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: deleting prefix %s: %w", prefix, err)
	}
	return nil
}

func (c *redisCache) Close() error {
	return c.client.Close()
}

// Noop is the fallback Cache used when no Redis URL is configured.
// Every read misses, every write is a no-op.
type Noop struct{}

func (Noop) Get(context.Context, string) (string, bool, error) { return "", false, nil }
func (Noop) Set(context.Context, string, string, time.Duration) error { return nil }
func (Noop) InvalidatePrefix(context.Context, string) error           { return nil }
func (Noop) Close() error                                             { return nil }

// Keys builds the prefix/key strings spec section 5 names for chat
// caching, kept in one place so callers never hand-format them.
func ChatListKey(userID, workspaceID string) string {
	return ChatListPrefix(userID, workspaceID) + "all"
}

func ChatListPrefix(userID, workspaceID string) string {
	return fmt.Sprintf("chat:list:%s:%s:", userID, workspaceID)
}

func ChatHistoryKey(userID, workspaceID, chatID string) string {
	return ChatHistoryPrefix(userID, workspaceID, chatID) + "all"
}

func ChatHistoryPrefix(userID, workspaceID, chatID string) string {
	return fmt.Sprintf("chat:history:%s:%s:%s:", userID, workspaceID, chatID)
}
