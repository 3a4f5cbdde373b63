package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type RateLimiter struct {
	c *redis.Client
}

func NewRateLimiter(addr string) *RateLimiter {
	return &RateLimiter{
		c: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// Allow INCRs the key and sets its TTL when the key is first created.
// Returns (allowed, currentCount). Used for counting budgets such as
// provider calls per window; denied attempts keep the window open.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	pipe := rl.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, 0, errors.Wrap(err, "redis ratelimit")
	}
	n := incr.Val()
	return n <= limit, n, nil
}

// Acquire claims a cooldown slot. Unlike Allow, a denied attempt does not
// extend the window: the slot frees exactly `window` after the successful
// claim. retryAfter is the remaining wait when the slot is busy.
func (rl *RateLimiter) Acquire(ctx context.Context, key string, window time.Duration) (bool, time.Duration, error) {
	ok, err := rl.c.SetNX(ctx, key, 1, window).Result()
	if err != nil {
		return false, 0, errors.Wrap(err, "redis cooldown")
	}
	if ok {
		return true, 0, nil
	}
	ttl, err := rl.c.TTL(ctx, key).Result()
	if err != nil {
		return false, 0, errors.Wrap(err, "redis cooldown ttl")
	}
	if ttl < 0 {
		ttl = 0
	}
	return false, ttl, nil
}
