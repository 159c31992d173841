// Package ratelimit admits task submissions per user with a Redis token bucket, so
// every api replica draws from the same budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// milli scales tokens to integers inside the script; Lua numbers round-trip through
// Redis replies as integers only.
const milli = 1000

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter is how long until one token is available again. Zero when allowed
	// or when the bucket never refills.
	RetryAfter time.Duration
}

// TokenBucket holds one bucket per key in a Redis hash.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket builds a limiter. A capacity of zero disables limiting, and idle
// buckets expire after ttl.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow takes one token for key and reports the tokens left.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	d, err := b.Decide(ctx, key)
	if err != nil {
		return false, 0, err
	}
	return d.Allowed, d.Remaining, nil
}

// Decide is Allow with the wait until the next token.
func (b *TokenBucket) Decide(ctx context.Context, key string) (Decision, error) {
	if b.capacity <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}
	rate := int64(b.refill * milli)
	res, err := bucketScript.Run(ctx, b.client, []string{key},
		int64(b.capacity)*milli, rate, b.now().UnixMilli(), b.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected script reply of %d values", key, len(res))
	}
	return Decision{
		Allowed:    res[0] == 1,
		Remaining:  float64(res[1]) / milli,
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

// bucketScript works in milli-tokens. ARGV[2] is milli-tokens per millisecond
// multiplied by 1000 so fractional refill rates survive integer math.
var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now

if now > ts then
  tokens = math.min(capacity, tokens + math.floor((now - ts) * rate / 1000))
end

local allowed = 0
local wait = 0
if tokens >= 1000 then
  allowed = 1
  tokens = tokens - 1000
elseif rate > 0 then
  wait = math.ceil((1000 - tokens) * 1000 / rate)
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', now)
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {allowed, tokens, wait}
`)
