package rules

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisCache(t *testing.T, ttl time.Duration) (*RedisRulesCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisRulesCache(client, "tenant-a", CacheConfig{TTL: ttl}), mr
}

func TestRedisRulesCacheGetSet(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestRedisCache(t, 0)

	_, ok := cache.Get(ctx)
	assert.False(t, ok, "empty cache should miss")

	recs := []*Record{
		{ID: "a", Name: "Fixo", Active: true, Priority: intPtr(1), Definition: json.RawMessage(`{"calc":{"type":"fixo","valor":100}}`)},
		{ID: "b", Name: "Teto", Active: true, Definition: json.RawMessage(`{"calc":{"type":"maximo","valor":900}}`)},
	}
	cache.Set(ctx, recs)

	assert.True(t, mr.Exists("commission:rules:tenant-a"))

	got, ok := cache.Get(ctx)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, 1, *got[0].Priority)
	assert.Nil(t, got[1].Priority)
	assert.JSONEq(t, string(recs[1].Definition), string(got[1].Definition))
}

func TestRedisRulesCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestRedisCache(t, 0)

	cache.Set(ctx, []*Record{{ID: "a", Active: true, Definition: json.RawMessage(`{}`)}})
	cache.Invalidate(ctx)

	_, ok := cache.Get(ctx)
	assert.False(t, ok)
	assert.False(t, mr.Exists("commission:rules:tenant-a"))
}

func TestRedisRulesCacheTTL(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestRedisCache(t, time.Minute)

	cache.Set(ctx, []*Record{})
	assert.Equal(t, time.Minute, mr.TTL("commission:rules:tenant-a"))

	got, ok := cache.Get(ctx)
	require.True(t, ok, "empty rule set should be cached")
	assert.Empty(t, got)

	mr.FastForward(2 * time.Minute)

	_, ok = cache.Get(ctx)
	assert.False(t, ok, "expired entry should miss")
}

// TestRedisRulesCacheCorruptEntry verifies undecodable entries are discarded
func TestRedisRulesCacheCorruptEntry(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestRedisCache(t, 0)

	require.NoError(t, mr.Set("commission:rules:tenant-a", "not json"))

	_, ok := cache.Get(ctx)
	assert.False(t, ok)
	assert.False(t, mr.Exists("commission:rules:tenant-a"))
}

// TestRedisRulesCacheUnavailable verifies a Redis outage degrades to misses
func TestRedisRulesCacheUnavailable(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestRedisCache(t, 0)
	mr.Close()

	cache.Set(ctx, []*Record{{ID: "a"}})
	_, ok := cache.Get(ctx)
	assert.False(t, ok)
}

// TestEngineWithRedisCache verifies two engines sharing Redis see each other's writes
func TestEngineWithRedisCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewInMemoryRuleStore()
	first, err := NewEngine(ctx, store, WithCache(NewRedisRulesCache(client, "shared", DefaultCacheConfig())))
	require.NoError(t, err)
	second, err := NewEngine(ctx, store, WithCache(NewRedisRulesCache(client, "shared", DefaultCacheConfig())))
	require.NoError(t, err)

	require.NoError(t, first.AddRule(ctx, testRecord("floor", true, `{"calc":{"type":"minimo","valor":700}}`)))

	res, err := second.Calculate(ctx, 100, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(700), res.Total)
}
