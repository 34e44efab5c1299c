package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window rate limiter shared across replicas. Each
// tenant gets a counter per minute window; the first increment sets the
// window's expiry.
type RedisLimiter struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisLimiter connects a limiter to the Redis at addr.
func NewRedisLimiter(addr string) *RedisLimiter {
	return &RedisLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		now:    time.Now,
	}
}

// Allow reports whether the tenant may make one more request this minute.
// rpm <= 0 disables limiting for the tenant.
func (l *RedisLimiter) Allow(ctx context.Context, tenantID string, rpm int) (bool, error) {
	if rpm <= 0 {
		return true, nil
	}
	window := l.now().UTC().Unix() / 60
	key := fmt.Sprintf("arbiter:rl:%s:%d", tenantID, window)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	return incr.Val() <= int64(rpm), nil
}

// Close releases the underlying connection pool.
func (l *RedisLimiter) Close() error { return l.client.Close() }
