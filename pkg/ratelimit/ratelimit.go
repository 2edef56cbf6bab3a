// Package ratelimit throttles outbound calls across processes with a token
// bucket kept in Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRateLimited is returned by Take when the bucket is empty.
var ErrRateLimited = errors.New("ratelimit: rate limited")

// TokenBucket is a distributed token bucket. Every process sharing the Redis
// key shares the budget.
type TokenBucket struct {
	client   redis.Scripter
	key      string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// Option configures a TokenBucket.
type Option func(*TokenBucket)

// WithTTL expires an idle bucket after d. Zero keeps it forever.
func WithTTL(d time.Duration) Option {
	return func(b *TokenBucket) { b.ttl = d }
}

// WithClock replaces time.Now. The refill is computed from this clock, not
// the Redis server's.
func WithClock(now func() time.Time) Option {
	return func(b *TokenBucket) { b.now = now }
}

// NewTokenBucket constructs a bucket holding at most capacity tokens that
// refills at refillPerSecond.
func NewTokenBucket(client redis.Scripter, key string, capacity int, refillPerSecond float64, opts ...Option) *TokenBucket {
	b := &TokenBucket{
		client:   client,
		key:      key,
		capacity: max(capacity, 1),
		refill:   refillPerSecond,
		ttl:      time.Hour,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow consumes a single token if one is available.
// Returns the allowed flag and the tokens left.
func (b *TokenBucket) Allow(ctx context.Context) (bool, float64, error) {
	now := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("ratelimit: unexpected script result %v", res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed == 1, tokens, nil
}

// Take consumes a token or returns ErrRateLimited.
func (b *TokenBucket) Take(ctx context.Context) error {
	allowed, _, err := b.Allow(ctx)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%w: %s", ErrRateLimited, b.key)
	}
	return nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens)}
`)
