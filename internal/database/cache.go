package database

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Cache key prefixes
	CacheKeyGroupFingerprint = "radsync:group:"

	// Cache TTLs
	CacheTTLGroupFingerprint = 10 * time.Minute
)

// GroupCache keeps the fingerprint of each group's last written attributes
// in Redis so repeated syncs can skip reading the group back
type GroupCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewGroupCache creates a fingerprint cache. ttl <= 0 uses the default.
func NewGroupCache(rdb *redis.Client, ttl time.Duration) *GroupCache {
	if ttl <= 0 {
		ttl = CacheTTLGroupFingerprint
	}
	return &GroupCache{rdb: rdb, ttl: ttl}
}

// Get returns the cached fingerprint, "" on a miss
func (c *GroupCache) Get(ctx context.Context, groupName string) (string, error) {
	fp, err := c.rdb.Get(ctx, CacheKeyGroupFingerprint+groupName).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return fp, err
}

func (c *GroupCache) Set(ctx context.Context, groupName, fingerprint string) error {
	return c.rdb.Set(ctx, CacheKeyGroupFingerprint+groupName, fingerprint, c.ttl).Err()
}

func (c *GroupCache) Delete(ctx context.Context, groupName string) error {
	return c.rdb.Del(ctx, CacheKeyGroupFingerprint+groupName).Err()
}

// Flush removes every cached fingerprint
func (c *GroupCache) Flush(ctx context.Context) error {
	iter := c.rdb.Scan(ctx, 0, CacheKeyGroupFingerprint+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) > 0 {
		return c.rdb.Del(ctx, keys...).Err()
	}
	return nil
}
