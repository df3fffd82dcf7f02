package rules

import (
	"context"
	"time"
)

// RulesCache caches the active rule records of one store so calculations do
// not hit the store on every request. Implementations copy on the way in and out.
type RulesCache interface {
	// Get returns the cached records, ok is false on a miss or after expiry
	Get(ctx context.Context) (recs []*Record, ok bool)

	// Set stores records in the cache
	Set(ctx context.Context, recs []*Record)

	// Invalidate clears the cache, forcing a refresh on the next Get
	Invalidate(ctx context.Context)
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries.
	// Zero means entries live until invalidated.
	TTL time.Duration
}

// DefaultCacheConfig returns the defaults: no TTL, invalidate on mutation only
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL: 0,
	}
}

func copyRecords(recs []*Record) []*Record {
	out := make([]*Record, len(recs))
	copy(out, recs)
	return out
}
