package rules

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/commission/internal/logger"
)

// RedisRulesCache shares the active rule list between service instances.
// Redis failures are logged and treated as cache misses.
type RedisRulesCache struct {
	client redis.UniversalClient
	key    string
	config CacheConfig
}

// NewRedisRulesCache creates a cache storing its entry under "commission:rules:<namespace>".
func NewRedisRulesCache(client redis.UniversalClient, namespace string, config CacheConfig) *RedisRulesCache {
	return &RedisRulesCache{
		client: client,
		key:    "commission:rules:" + namespace,
		config: config,
	}
}

// Get retrieves cached records
func (c *RedisRulesCache) Get(ctx context.Context) ([]*Record, bool) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		logger.Warn("rules cache read failed", "key", c.key, "error", err)
		return nil, false
	}

	var recs []*Record
	if err := json.Unmarshal(data, &recs); err != nil {
		logger.Warn("rules cache entry is corrupt, discarding", "key", c.key, "error", err)
		c.Invalidate(ctx)
		return nil, false
	}
	return recs, true
}

// Set stores records in cache
func (c *RedisRulesCache) Set(ctx context.Context, recs []*Record) {
	if recs == nil {
		recs = []*Record{}
	}
	data, err := json.Marshal(recs)
	if err != nil {
		logger.Warn("rules cache encode failed", "key", c.key, "error", err)
		return
	}
	if err := c.client.Set(ctx, c.key, data, c.config.TTL).Err(); err != nil {
		logger.Warn("rules cache write failed", "key", c.key, "error", err)
	}
}

// Invalidate clears the cache
func (c *RedisRulesCache) Invalidate(ctx context.Context) {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		logger.Warn("rules cache invalidate failed", "key", c.key, "error", err)
	}
}
