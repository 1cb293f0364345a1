// Package capacity admission-controls expensive work across service
// instances with Redis-backed leases. Each class of work has reserved slots
// so background jobs can never starve interactive chat.
package capacity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Class identifies a category of capacity-controlled work.
type Class int

const (
	// ClassChat is interactive query work; highest priority.
	ClassChat Class = iota

	// ClassIngestion is document processing.
	ClassIngestion

	// ClassCommunities is background graph maintenance; lowest priority.
	ClassCommunities

	numClasses
)

func (c Class) String() string {
	switch c {
	case ClassChat:
		return "chat"
	case ClassIngestion:
		return "ingestion"
	case ClassCommunities:
		return "communities"
	default:
		return "unknown"
	}
}

// Default sizing: total concurrent slots across all classes, per-class
// reserved slots, and how long an unreleased lease survives a crashed holder.
const (
	DefaultTotalSlots        = 12
	DefaultReservedChat      = 4
	DefaultReservedIngestion = 4
	DefaultLeaseTTL          = 600 * time.Second
)

// waitTimeouts bound how long each class queues for a slot. Chat gives up
// fast and degrades; background work waits.
var waitTimeouts = [numClasses]time.Duration{
	ClassChat:        15 * time.Second,
	ClassIngestion:   120 * time.Second,
	ClassCommunities: 600 * time.Second,
}

// backoffSchedule is the polling cadence while waiting for a slot.
var backoffSchedule = []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 500 * time.Millisecond}

// ErrCapacityExhausted is returned when the wait timeout expires without a
// slot becoming available.
var ErrCapacityExhausted = fmt.Errorf("capacity exhausted")

// Lease is one held capacity slot.
type Lease struct {
	limiter *RedisLimiter
	class   Class
	member  string
	noop    bool
}

// Release returns the slot. Safe to call on a fail-open lease.
func (l *Lease) Release(ctx context.Context) {
	if l == nil || l.noop {
		return
	}
	if err := l.limiter.client.ZRem(ctx, l.limiter.key(l.class), l.member).Err(); err != nil {
		slog.Warn("failed to release capacity lease", "class", l.class.String(), "error", err)
	}
}

// Limiter admits work into capacity classes.
type Limiter interface {
	Acquire(ctx context.Context, tenantID uuid.UUID, class Class) (*Lease, error)
}

// Config sizes a limiter. Reserved counts are pointers so an explicit zero
// reservation is distinguishable from an unset field, which takes the
// package default.
type Config struct {
	TotalSlots        int
	ReservedChat      *int
	ReservedIngestion *int
	LeaseTTL          time.Duration
	// KeyPrefix namespaces the Redis keys, mainly for tests.
	KeyPrefix string
}

// RedisLimiter implements Limiter with atomic admission in a Lua script.
// Redis failures fail open: work proceeds without a lease rather than the
// whole service stalling on its coordinator.
type RedisLimiter struct {
	client   redis.UniversalClient
	cfg      Config
	reserved [numClasses]int
	script   *redis.Script
}

// admitScript atomically expires stale leases, counts usage, and admits the
// caller if its class reservation or the shared pool has room.
var admitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local total = tonumber(ARGV[3])
local reserved = {tonumber(ARGV[4]), tonumber(ARGV[5]), tonumber(ARGV[6])}
local idx = tonumber(ARGV[7])
local member = ARGV[8]

local used = {}
local total_used = 0
local shared_used = 0
local reserved_total = 0
for i = 1, 3 do
	redis.call('ZREMRANGEBYSCORE', KEYS[i], '-inf', now)
	used[i] = redis.call('ZCARD', KEYS[i])
	total_used = total_used + used[i]
	reserved_total = reserved_total + reserved[i]
	local over = used[i] - reserved[i]
	if over > 0 then
		shared_used = shared_used + over
	end
end

if total_used >= total then
	return 0
end
local shared_pool = total - reserved_total
if used[idx] < reserved[idx] or shared_used < shared_pool then
	redis.call('ZADD', KEYS[idx], now + ttl, member)
	redis.call('EXPIRE', KEYS[idx], ttl * 2)
	return 1
end
return 0
`)

// NewRedisLimiter creates a lease-based limiter. Zero config fields take the
// package defaults.
func NewRedisLimiter(client redis.UniversalClient, cfg Config) *RedisLimiter {
	if cfg.TotalSlots <= 0 {
		cfg.TotalSlots = DefaultTotalSlots
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "capacity"
	}

	l := &RedisLimiter{client: client, cfg: cfg, script: admitScript}
	l.reserved[ClassChat] = reservedOrDefault(cfg.ReservedChat, DefaultReservedChat)
	l.reserved[ClassIngestion] = reservedOrDefault(cfg.ReservedIngestion, DefaultReservedIngestion)
	l.reserved[ClassCommunities] = 0
	return l
}

// reservedOrDefault resolves a reservation: nil means unset, negatives clamp
// to zero.
func reservedOrDefault(v *int, def int) int {
	if v == nil {
		return def
	}
	if *v < 0 {
		return 0
	}
	return *v
}

func (l *RedisLimiter) key(class Class) string {
	return fmt.Sprintf("%s:leases:%s", l.cfg.KeyPrefix, class)
}

// Acquire blocks until a slot is granted, the class wait timeout expires, or
// the context is canceled. Redis errors grant a fail-open lease.
func (l *RedisLimiter) Acquire(ctx context.Context, tenantID uuid.UUID, class Class) (*Lease, error) {
	member := fmt.Sprintf("%s:%s", tenantID, uuid.NewString())
	deadline := time.Now().Add(waitTimeouts[class])

	attempt := 0
	for {
		granted, err := l.tryAcquire(ctx, class, member)
		if err != nil {
			slog.Warn("capacity check unavailable, failing open", "class", class.String(), "error", err)
			return &Lease{noop: true}, nil
		}
		if granted {
			return &Lease{limiter: l, class: class, member: member}, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: class %s waited %s", ErrCapacityExhausted, class, waitTimeouts[class])
		}

		wait := backoffSchedule[len(backoffSchedule)-1]
		if attempt < len(backoffSchedule) {
			wait = backoffSchedule[attempt]
		}
		attempt++

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (l *RedisLimiter) tryAcquire(ctx context.Context, class Class, member string) (bool, error) {
	keys := []string{l.key(ClassChat), l.key(ClassIngestion), l.key(ClassCommunities)}
	res, err := l.script.Run(ctx, l.client, keys,
		time.Now().Unix(),
		int(l.cfg.LeaseTTL.Seconds()),
		l.cfg.TotalSlots,
		l.reserved[ClassChat],
		l.reserved[ClassIngestion],
		l.reserved[ClassCommunities],
		int(class)+1, // Lua arrays are 1-based
		member,
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Usage reports current lease counts per class, for diagnostics.
func (l *RedisLimiter) Usage(ctx context.Context) (map[string]int64, error) {
	now := time.Now().Unix()
	usage := make(map[string]int64, numClasses)
	for c := ClassChat; c < numClasses; c++ {
		if err := l.client.ZRemRangeByScore(ctx, l.key(c), "-inf", fmt.Sprintf("%d", now)).Err(); err != nil {
			return nil, err
		}
		n, err := l.client.ZCard(ctx, l.key(c)).Result()
		if err != nil {
			return nil, err
		}
		usage[c.String()] = n
	}
	return usage, nil
}

// Ensure interface is satisfied
var _ Limiter = (*RedisLimiter)(nil)
