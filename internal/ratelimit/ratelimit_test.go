package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, limits map[Scope]Limit) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLimiter(client, limits), mr
}

func TestAllow_UnderLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[Scope]Limit{
		ScopeQuery: {Requests: 3, Window: time.Minute},
	})
	tenant := uuid.New()

	for i := 0; i < 3; i++ {
		d, err := limiter.Allow(context.Background(), tenant, ScopeQuery)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be allowed", i)
		assert.Equal(t, 3-i-1, d.Remaining)
	}
}

func TestAllow_DeniesOverLimitWithRetryAfter(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[Scope]Limit{
		ScopeQuery: {Requests: 2, Window: time.Minute},
	})
	tenant := uuid.New()

	for i := 0; i < 2; i++ {
		_, err := limiter.Allow(context.Background(), tenant, ScopeQuery)
		require.NoError(t, err)
	}

	d, err := limiter.Allow(context.Background(), tenant, ScopeQuery)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)
}

func TestAllow_WindowSlides(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[Scope]Limit{
		ScopeUpload: {Requests: 1, Window: 50 * time.Millisecond},
	})
	tenant := uuid.New()

	d, err := limiter.Allow(context.Background(), tenant, ScopeUpload)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = limiter.Allow(context.Background(), tenant, ScopeUpload)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	// Once the only recorded request ages past the window, a slot opens.
	time.Sleep(100 * time.Millisecond)
	d, err = limiter.Allow(context.Background(), tenant, ScopeUpload)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAllow_TenantsIsolated(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[Scope]Limit{
		ScopeQuery: {Requests: 1, Window: time.Minute},
	})

	a, b := uuid.New(), uuid.New()
	d, err := limiter.Allow(context.Background(), a, ScopeQuery)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = limiter.Allow(context.Background(), b, ScopeQuery)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "tenant b must not consume tenant a's budget")
}

func TestAllow_UnconfiguredScopePasses(t *testing.T) {
	limiter, _ := newTestLimiter(t, map[Scope]Limit{})

	d, err := limiter.Allow(context.Background(), uuid.New(), ScopeGeneral)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, -1, d.Remaining)
}

func TestAllow_FailsOpenWhenRedisDown(t *testing.T) {
	limiter, mr := newTestLimiter(t, map[Scope]Limit{
		ScopeQuery: {Requests: 1, Window: time.Minute},
	})
	mr.Close()

	d, err := limiter.Allow(context.Background(), uuid.New(), ScopeQuery)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "limiter must fail open on coordinator outage")
}

func TestConcurrentTracker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	tracker := NewConcurrentTracker(client, 2)
	tenant := uuid.New()

	end1, err := tracker.Begin(context.Background(), tenant)
	require.NoError(t, err)
	_, err = tracker.Begin(context.Background(), tenant)
	require.NoError(t, err)

	_, err = tracker.Begin(context.Background(), tenant)
	assert.Error(t, err, "third in-flight request should be rejected")

	end1()
	end1() // releasing twice must be harmless
	_, err = tracker.Begin(context.Background(), tenant)
	assert.NoError(t, err, "slot should reopen after release")
}
