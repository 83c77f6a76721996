// ABOUTME: Per-key rate limiting backed by Redis (GCRA via redis_rate)
// ABOUTME: Shared across worker replicas so a limit holds for the whole service

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// Limiter decides whether one more event for key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// RetryAfter is how long until the next event would be allowed; zero when Allowed
	RetryAfter time.Duration
}

// RedisLimiter limits each key to a fixed rate per minute.
type RedisLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
	prefix  string
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter allows perMinute events per key. redis_rate stores them as "rate:<prefix>:<key>".
func NewRedisLimiter(client redis.UniversalClient, prefix string, perMinute int) *RedisLimiter {
	return &RedisLimiter{
		limiter: redis_rate.NewLimiter(client),
		limit:   redis_rate.PerMinute(perMinute),
		prefix:  prefix + ":",
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := l.limiter.Allow(ctx, l.prefix+key, l.limit)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if res.Allowed > 0 {
		return Decision{Allowed: true}, nil
	}
	return Decision{RetryAfter: res.RetryAfter}, nil
}

// Unlimited allows everything.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// New returns a Redis limiter, or Unlimited when perMinute is not positive.
func New(client redis.UniversalClient, prefix string, perMinute int) Limiter {
	if perMinute <= 0 || client == nil {
		return Unlimited{}
	}
	return NewRedisLimiter(client, prefix, perMinute)
}
