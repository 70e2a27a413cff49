package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// counter is the subset of *redis.Client used here.
type counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	ExpireNX(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Redis is a fixed-window limiter shared by every server replica. The TTL is
// set with EXPIRE NX on every call, so a key whose first EXPIRE failed gets
// one on the next request instead of counting forever. Needs Redis 7.
type Redis struct {
	client counter
	prefix string
	limit  int
	period time.Duration
}

func NewRedis(client *redis.Client, limit int, period time.Duration) *Redis {
	return newRedis(client, limit, period)
}

func newRedis(client counter, limit int, period time.Duration) *Redis {
	if period <= 0 {
		period = time.Minute
	}
	return &Redis{client: client, prefix: "limen:rl:", limit: limit, period: period}
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	if r.limit <= 0 {
		return true, nil
	}
	k := r.prefix + key

	n, err := r.client.Incr(ctx, k).Result()
	if err != nil {
		return true, fmt.Errorf("ratelimit incr: %w", err)
	}
	if err := r.client.ExpireNX(ctx, k, r.period).Err(); err != nil {
		return true, fmt.Errorf("ratelimit expire: %w", err)
	}
	return n <= int64(r.limit), nil
}
