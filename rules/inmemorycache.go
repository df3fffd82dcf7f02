package rules

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const activeRulesKey = "active"

// InMemoryRulesCache is a process-local RulesCache backed by go-cache.
// Safe for concurrent use.
type InMemoryRulesCache struct {
	cache *gocache.Cache
}

// NewInMemoryRulesCache creates a new in-memory rules cache
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	expiration := gocache.NoExpiration
	cleanup := time.Duration(0)
	if config.TTL > 0 {
		expiration = config.TTL
		cleanup = 2 * config.TTL
	}

	return &InMemoryRulesCache{
		cache: gocache.New(expiration, cleanup),
	}
}

// Get retrieves cached records
func (c *InMemoryRulesCache) Get(_ context.Context) ([]*Record, bool) {
	v, found := c.cache.Get(activeRulesKey)
	if !found {
		return nil, false
	}
	recs, ok := v.([]*Record)
	if !ok {
		return nil, false
	}
	return copyRecords(recs), true
}

// Set stores records in cache
func (c *InMemoryRulesCache) Set(_ context.Context, recs []*Record) {
	c.cache.Set(activeRulesKey, copyRecords(recs), gocache.DefaultExpiration)
}

// Invalidate clears the cache
func (c *InMemoryRulesCache) Invalidate(_ context.Context) {
	c.cache.Delete(activeRulesKey)
}
