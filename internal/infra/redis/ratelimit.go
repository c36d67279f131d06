// File: internal/infra/redis/ratelimit.go
package redis

import (
	"context"
	"strconv"
	"time"
)

// RateLimiter is a fixed-window counter shared across ingest replicas.
// Windows live in redis so a provider burst hitting several pods still
// counts against one budget.
type RateLimiter struct {
	cli    RedisClient
	limit  int64
	window time.Duration
}

func NewRateLimiter(cli RedisClient, limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{cli: cli, limit: int64(limit), window: window}
}

// Allow reports whether one more request fits the current window. A
// redis failure fails open: dropping provider webhooks because the
// limiter store blinked would trade a nuisance for data loss.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucket := "ratelimit:" + key + ":" + strconv.FormatInt(time.Now().UnixMilli()/rl.window.Milliseconds(), 10)
	n, err := rl.cli.Incr(ctx, bucket)
	if err != nil {
		return true, err
	}
	if n == 1 {
		// First hit opens the window; expiry keeps stale buckets from piling up.
		_ = rl.cli.Expire(ctx, bucket, rl.window+time.Second)
	}
	return n <= rl.limit, nil
}
