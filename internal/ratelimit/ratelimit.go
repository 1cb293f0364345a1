// Package ratelimit enforces per-tenant request rates with Redis-backed
// sliding windows.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Scope is a rate-limited operation category.
type Scope string

const (
	// ScopeGeneral covers all API requests.
	ScopeGeneral Scope = "general"

	// ScopeQuery covers retrieval and chat requests.
	ScopeQuery Scope = "query"

	// ScopeUpload covers document registrations.
	ScopeUpload Scope = "upload"
)

// Limit is one scope's allowance.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Decision is the outcome of a rate check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter answers whether a tenant request may proceed.
type Limiter interface {
	Allow(ctx context.Context, tenantID uuid.UUID, scope Scope) (Decision, error)
}

// RedisLimiter implements sliding-window rate limiting in a Lua script. A
// Redis outage fails open: requests proceed unthrottled rather than the API
// hard-failing on its coordinator.
type RedisLimiter struct {
	client    redis.UniversalClient
	limits    map[Scope]Limit
	keyPrefix string
	script    *redis.Script
}

// slideScript drops entries older than the window, counts the rest, and
// either records this request or reports when the oldest entry expires.
var slideScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, window)
	return {1, limit - count - 1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry_after = 0
if oldest[2] then
	retry_after = tonumber(oldest[2]) + window - now
end
return {0, 0, retry_after}
`)

// NewRedisLimiter creates a limiter with per-scope limits.
func NewRedisLimiter(client redis.UniversalClient, limits map[Scope]Limit) *RedisLimiter {
	return &RedisLimiter{
		client:    client,
		limits:    limits,
		keyPrefix: "ratelimit",
		script:    slideScript,
	}
}

func (l *RedisLimiter) key(tenantID uuid.UUID, scope Scope) string {
	return fmt.Sprintf("%s:%s:%s", l.keyPrefix, tenantID, scope)
}

// Allow records the request if the tenant is under its limit for the scope.
// When denied, RetryAfter says how long until the oldest window entry ages
// out and a slot opens.
func (l *RedisLimiter) Allow(ctx context.Context, tenantID uuid.UUID, scope Scope) (Decision, error) {
	limit, ok := l.limits[scope]
	if !ok || limit.Requests <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d:%s", now, uuid.NewString())

	res, err := l.script.Run(ctx, l.client,
		[]string{l.key(tenantID, scope)},
		now, limit.Window.Milliseconds(), limit.Requests, member,
	).Int64Slice()
	if err != nil {
		slog.Warn("rate limit check unavailable, failing open",
			"tenant_id", tenantID, "scope", scope, "error", err)
		return Decision{Allowed: true, Remaining: -1}, nil
	}
	if len(res) != 3 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	return Decision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

// ConcurrentTracker counts a tenant's in-flight requests. Counters carry a
// long TTL so a crashed instance cannot leak a tenant's budget forever.
type ConcurrentTracker struct {
	client    redis.UniversalClient
	max       int
	keyPrefix string
}

// NewConcurrentTracker creates a tracker allowing max in-flight requests per
// tenant; max <= 0 disables the check.
func NewConcurrentTracker(client redis.UniversalClient, max int) *ConcurrentTracker {
	return &ConcurrentTracker{client: client, max: max, keyPrefix: "ratelimit:inflight"}
}

func (t *ConcurrentTracker) key(tenantID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", t.keyPrefix, tenantID)
}

// Begin increments the tenant's in-flight counter, rejecting when over
// budget. The returned func decrements; it is safe to call after failure.
func (t *ConcurrentTracker) Begin(ctx context.Context, tenantID uuid.UUID) (func(), error) {
	if t.max <= 0 {
		return func() {}, nil
	}

	key := t.key(tenantID)
	n, err := t.client.Incr(ctx, key).Result()
	if err != nil {
		slog.Warn("concurrency check unavailable, failing open", "tenant_id", tenantID, "error", err)
		return func() {}, nil
	}
	t.client.Expire(ctx, key, 24*time.Hour)

	if n > int64(t.max) {
		t.client.Decr(ctx, key)
		return nil, fmt.Errorf("tenant %s exceeds %d concurrent requests", tenantID, t.max)
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		if err := t.client.Decr(context.Background(), key).Err(); err != nil {
			slog.Warn("failed to decrement in-flight counter", "tenant_id", tenantID, "error", err)
		}
	}, nil
}

// Ensure interface is satisfied
var _ Limiter = (*RedisLimiter)(nil)
