// Package ratelimit implements per-API-key request throttling using the
// Generic Cell Rate Algorithm (GCRA): a token bucket expressed as a single
// "theoretical arrival time" (TAT) value per key, so that both the memory
// and Redis backends share one formula.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/airouter/gateway/pkg/apierr"
)

// Limit configures one GCRA bucket: Capacity tokens refilled every
// RefillFrequency.
type Limit struct {
	Capacity        int
	RefillFrequency time.Duration
}

// Decision is the outcome of a single Allow check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter int // seconds; only meaningful when !Allowed
}

// Backend stores and advances the TAT for a rate-limit key.
type Backend interface {
	// Allow evaluates and, if the request is allowed, advances the TAT for
	// key atomically, returning the resulting Decision.
	Allow(ctx context.Context, key string, limit Limit) (Decision, error)
}

// KeyForAPIKey builds the canonical per-user rate-limit key.
func KeyForAPIKey(userID string) string {
	return fmt.Sprintf("rl:per-api-key:%s", userID)
}

// defaultIntervalMS is used when a configured Limit would produce a
// zero-or-negative interval per token (Capacity <= 0), which would
// otherwise divide by zero.
const defaultIntervalMS = 1000.0

func intervalPerTokenMS(limit Limit, warn func(string)) float64 {
	if limit.Capacity <= 0 {
		if warn != nil {
			warn("ratelimit: non-positive capacity, falling back to default interval")
		}
		return defaultIntervalMS
	}
	interval := float64(limit.RefillFrequency.Milliseconds()) / float64(limit.Capacity)
	if interval <= 0 {
		if warn != nil {
			warn("ratelimit: computed non-positive interval, falling back to default")
		}
		return defaultIntervalMS
	}
	return interval
}

// OutageMode controls what Allow does when the backend itself is
// unreachable (not when the limit is exceeded).
type OutageMode int

const (
	// OutageAllow passes every request through when the backend is down.
	OutageAllow OutageMode = iota
	// OutageDenyAfter denies once N consecutive backend errors have been
	// observed across requests. A failed backend call is not retried within
	// the request; until the threshold is reached the request is allowed.
	OutageDenyAfter
)

// MemoryLimiter is the in-process GCRA backend: one mutex-protected map
// keyed by rate-limit key, each entry holding only the TAT timestamp.
type MemoryLimiter struct {
	mu   sync.Mutex
	tat  map[string]float64 // milliseconds since epoch
	warn func(string)
}

// NewMemoryLimiter builds a process-local GCRA limiter. warn, if non-nil, is
// called when a configured Limit underflows to the default interval.
func NewMemoryLimiter(warn func(string)) *MemoryLimiter {
	return &MemoryLimiter{tat: make(map[string]float64), warn: warn}
}

func (m *MemoryLimiter) Allow(ctx context.Context, key string, limit Limit) (Decision, error) {
	interval := intervalPerTokenMS(limit, m.warn)
	now := float64(time.Now().UnixMilli())

	m.mu.Lock()
	defer m.mu.Unlock()

	tatPrev, ok := m.tat[key]
	if !ok {
		tatPrev = now
	}
	tatNew := math.Max(tatPrev, now) + interval
	earliest := tatNew - interval*float64(limit.Capacity)

	if earliest <= now {
		m.tat[key] = tatNew
		remaining := int(float64(limit.Capacity) - (tatNew-now)/interval)
		return Decision{Allowed: true, Limit: limit.Capacity, Remaining: remaining}, nil
	}

	retryAfter := int(math.Ceil((earliest-now)/1000)) + 1
	return Decision{Allowed: false, Limit: limit.Capacity, Remaining: 0, RetryAfter: retryAfter}, nil
}

// RedisLimiter is the distributed GCRA backend. The TAT read-compute-write
// is a single Lua script so the check-and-advance is atomic across gateway
// instances sharing one Redis — a deliberate improvement over a naive
// GET-then-SET implementation, which would race under concurrent requests
// for the same key.
type RedisLimiter struct {
	rdb        *redis.Client
	warn       func(string)
	outageMode OutageMode
	failN      int // consecutive-failure threshold for OutageDenyAfter

	mu       sync.Mutex
	failures int
}

// NewRedisLimiter builds a Redis-backed GCRA limiter.
func NewRedisLimiter(rdb *redis.Client, mode OutageMode, failN int, warn func(string)) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, outageMode: mode, failN: failN, warn: warn}
}

// gcraScript computes the new TAT and decision in one round trip.
// KEYS[1] = rate limit key
// ARGV[1] = now (ms)
// ARGV[2] = interval per token (ms)
// ARGV[3] = capacity
// ARGV[4] = ttl (ms) to set on the key
// Returns: {allowed(0/1), remaining, retry_after_seconds}
var gcraScript = redis.NewScript(`
local key      = KEYS[1]
local now      = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local ttl      = tonumber(ARGV[4])

local tat_prev = tonumber(redis.call('GET', key))
if tat_prev == nil then
	tat_prev = now
end

local tat_new  = math.max(tat_prev, now) + interval
local earliest = tat_new - interval * capacity

if earliest <= now then
	redis.call('SET', key, tat_new, 'PX', ttl)
	local remaining = math.floor(capacity - (tat_new - now) / interval)
	return {1, remaining, 0}
else
	local retry_after = math.ceil((earliest - now) / 1000) + 1
	return {0, 0, retry_after}
end
`)

func (r *RedisLimiter) Allow(ctx context.Context, key string, limit Limit) (Decision, error) {
	interval := intervalPerTokenMS(limit, r.warn)
	now := float64(time.Now().UnixMilli())
	ttl := limit.RefillFrequency.Milliseconds()
	if ttl <= 0 {
		ttl = int64(defaultIntervalMS)
	}

	res, err := gcraScript.Run(ctx, r.rdb, []string{key}, now, interval, limit.Capacity, ttl).Slice()
	if err != nil {
		return r.onBackendError(limit)
	}
	r.resetFailures()

	allowed := res[0].(int64) == 1
	remaining := int(res[1].(int64))
	retryAfter := int(res[2].(int64))
	return Decision{Allowed: allowed, Limit: limit.Capacity, Remaining: remaining, RetryAfter: retryAfter}, nil
}

func (r *RedisLimiter) onBackendError(limit Limit) (Decision, error) {
	r.mu.Lock()
	r.failures++
	failures := r.failures
	r.mu.Unlock()

	if r.outageMode == OutageDenyAfter && failures >= r.failN {
		return Decision{Allowed: false, Limit: limit.Capacity, Remaining: 0, RetryAfter: 1},
			apierr.RedisError(fmt.Errorf("rate limit backend unavailable after %d consecutive failures", failures))
	}
	if r.warn != nil {
		r.warn("ratelimit: redis unavailable, allowing request (graceful degradation)")
	}
	return Decision{Allowed: true, Limit: limit.Capacity, Remaining: limit.Capacity}, nil
}

func (r *RedisLimiter) resetFailures() {
	r.mu.Lock()
	r.failures = 0
	r.mu.Unlock()
}
