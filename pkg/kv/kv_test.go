package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { cache.Close() })
	return cache, mr
}

type sample struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

func TestSetGetRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	in := sample{Name: "acme/foo", Score: 90}
	require.NoError(t, cache.SetJSON(ctx, RepoKey("acme/foo"), &in, 0))

	var out sample
	found, err := cache.GetJSON(ctx, RepoKey("acme/foo"), &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, in, out)
}

func TestGetMissingKey(t *testing.T) {
	cache, _ := newTestCache(t)

	var out sample
	found, err := cache.GetJSON(context.Background(), RepoKey("absent/repo"), &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTTLExpiry(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.SetJSON(ctx, CohesivenessKey("acme/foo"), &sample{Score: 71}, TTLCohesiveness))

	mr.FastForward(TTLCohesiveness + time.Minute)

	var out sample
	found, err := cache.GetJSON(ctx, CohesivenessKey("acme/foo"), &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEscalatedKeyHasNoTTL(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.SetJSON(ctx, EscalatedKey("task-1"), &sample{Name: "t"}, 0))

	mr.FastForward(365 * 24 * time.Hour)

	var out sample
	found, err := cache.GetJSON(ctx, EscalatedKey("task-1"), &out)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestDelete(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.SetJSON(ctx, RepoKey("acme/foo"), &sample{}, 0))
	require.NoError(t, cache.SetJSON(ctx, CohesivenessKey("acme/foo"), &sample{}, 0))
	require.NoError(t, cache.Delete(ctx, RepoKey("acme/foo"), CohesivenessKey("acme/foo")))

	var out sample
	found, err := cache.GetJSON(ctx, RepoKey("acme/foo"), &out)
	require.NoError(t, err)
	assert.False(t, found)

	// Deleting missing keys is not an error.
	assert.NoError(t, cache.Delete(ctx, RepoKey("never/there")))
}

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "repo:acme/foo", RepoKey("acme/foo"))
	assert.Equal(t, "cohesiveness:acme/foo", CohesivenessKey("acme/foo"))
	assert.Equal(t, "skipped:t1", SkippedKey("t1"))
	assert.Equal(t, "escalated:t1", EscalatedKey("t1"))
	assert.Equal(t, "cache:j1", JobCacheKey("j1"))
	assert.Equal(t, "report:daily:2026-08-24", DailyReportKey("2026-08-24"))
}
