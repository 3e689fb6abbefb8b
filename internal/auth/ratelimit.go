package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flopro/nexus/internal/clock"
)

// ErrRateLimited is a sentinel the HTTP layer maps to 429 rate_limit_exceeded.
type RateLimitError struct{}

func (RateLimitError) Error() string { return "rate limit exceeded" }

// InMemoryRateLimiter is a fixed-window per-key limiter used standalone in
// tests and as the fallback when Redis is unreachable.
type InMemoryRateLimiter struct {
	mu             sync.Mutex
	limitPerMinute int
	clk            clock.Clock
	hits           map[string][]time.Time
}

// NewInMemoryRateLimiter creates an in-memory limiter.
func NewInMemoryRateLimiter(limitPerMinute int, clk clock.Clock) *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		limitPerMinute: limitPerMinute,
		clk:            clk,
		hits:           make(map[string][]time.Time),
	}
}

// Check records a hit for key and returns RateLimitError when the
// sliding one-minute window exceeds the configured limit.
func (rl *InMemoryRateLimiter) Check(key string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clk.Now()
	windowStart := now.Add(-time.Minute)
	kept := rl.hits[key][:0]
	for _, t := range rl.hits[key] {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= rl.limitPerMinute {
		rl.hits[key] = kept
		return RateLimitError{}
	}
	rl.hits[key] = append(kept, now)
	return nil
}

// SignupRateLimiter limits signups per client address using Redis counters
// with an in-memory fallback when Redis is unreachable.
type SignupRateLimiter struct {
	limitPerMinute int
	prefix         string
	clk            clock.Clock

	mu       sync.Mutex
	rdb      *redis.Client
	fallback *InMemoryRateLimiter
}

// NewSignupRateLimiter creates a limiter backed by the given Redis URL.
func NewSignupRateLimiter(redisURL string, limitPerMinute int, clk clock.Clock) *SignupRateLimiter {
	rl := &SignupRateLimiter{
		limitPerMinute: limitPerMinute,
		prefix:         "ratelimit:signup",
		clk:            clk,
		fallback:       NewInMemoryRateLimiter(limitPerMinute, clk),
	}
	if opts, err := redis.ParseURL(redisURL); err == nil {
		rl.rdb = redis.NewClient(opts)
	}
	return rl
}

// Start probes Redis; on failure the limiter runs purely in memory.
func (rl *SignupRateLimiter) Start(ctx context.Context) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.rdb == nil {
		return
	}
	if err := rl.rdb.Ping(ctx).Err(); err != nil {
		rl.rdb.Close()
		rl.rdb = nil
	}
}

// Stop releases the Redis client.
func (rl *SignupRateLimiter) Stop() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.rdb != nil {
		rl.rdb.Close()
		rl.rdb = nil
	}
}

// Check counts a signup attempt from key, falling back to the in-memory
// limiter on any Redis error.
func (rl *SignupRateLimiter) Check(ctx context.Context, key string) error {
	rl.mu.Lock()
	rdb := rl.rdb
	rl.mu.Unlock()
	if rdb == nil {
		return rl.fallback.Check(key)
	}

	bucket := rl.clk.Now().Unix() / 60
	redisKey := fmt.Sprintf("%s:%d:%s", rl.prefix, bucket, key)
	count, err := rdb.Incr(ctx, redisKey).Result()
	if err != nil {
		return rl.fallback.Check(key)
	}
	if count == 1 {
		rdb.Expire(ctx, redisKey, 130*time.Second)
	}
	if count > int64(rl.limitPerMinute) {
		return RateLimitError{}
	}
	return nil
}
