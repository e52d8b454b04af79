// Package redis provides the Redis-backed recent-event cache. The cache is
// advisory only: the storage uniqueness constraints stay authoritative, so
// a flushed or unavailable Redis never affects correctness, only the cost
// of re-admitting a replayed event.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis key prefix for recently admitted source events
	seenEventKeyPrefix = "recon:seen:"

	defaultSeenTTL = 24 * time.Hour
)

// RecentEventCache marks (source, event id) pairs that were recently
// admitted so gateway retries skip the matching pipeline.
type RecentEventCache struct {
	client *redis.Client
	ttl    time.Duration
}

// RecentEventCacheOption configures a RecentEventCache.
type RecentEventCacheOption func(*RecentEventCache)

// WithTTL sets how long an admitted event id stays in the cache.
func WithTTL(ttl time.Duration) RecentEventCacheOption {
	return func(c *RecentEventCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// NewRecentEventCache constructs a Redis-backed recent-event cache.
func NewRecentEventCache(client *redis.Client, opts ...RecentEventCacheOption) *RecentEventCache {
	cache := &RecentEventCache{
		client: client,
		ttl:    defaultSeenTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cache)
		}
	}
	return cache
}

// Seen reports whether the key was admitted within the TTL window.
func (c *RecentEventCache) Seen(ctx context.Context, key string) (bool, error) {
	err := c.client.Get(ctx, seenEventKeyPrefix+key).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Remember marks the key as admitted. The value is a marker; the key's
// existence is what matters.
func (c *RecentEventCache) Remember(ctx context.Context, key string) error {
	return c.client.Set(ctx, seenEventKeyPrefix+key, "1", c.ttl).Err()
}
