package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openpulse/pulse/internal/platform/logger"
)

type redisLimiter struct {
	log    *logger.Logger
	cfg    Config
	client *redis.Client
}

// NewRedis returns a limiter sharing its counters across processes through
// redis. Counters live in per-window buckets that expire on their own.
func NewRedis(log *logger.Logger, cfg Config, client *redis.Client) Limiter {
	log = log.With("service", "ratelimit", "backend", "redis")
	log.Info("rate limiter configured", "max", cfg.Max, "window", cfg.Window)
	return &redisLimiter{log: log, cfg: cfg, client: client}
}

// Allow implements Limiter. Redis failures fail open: dropping analytics
// beacons because the counter backend is down would be worse than briefly
// losing admission control.
func (l *redisLimiter) Allow(ctx context.Context, key string) bool {
	now := time.Now()
	windowIdx := now.UnixNano() / int64(l.cfg.Window)
	elapsed := now.Sub(now.Truncate(l.cfg.Window))

	currKey := fmt.Sprintf("ratelimit:%s:%d", key, windowIdx)
	prevKey := fmt.Sprintf("ratelimit:%s:%d", key, windowIdx-1)

	pipe := l.client.Pipeline()
	currCmd := pipe.Incr(ctx, currKey)
	pipe.Expire(ctx, currKey, 2*l.cfg.Window)
	prevCmd := pipe.Get(ctx, prevKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		l.log.Warn("rate limit backend unavailable, failing open", "error", err)
		return true
	}

	prev, _ := prevCmd.Int64()
	// Incr counted this request already; compare against the budget inclusive.
	return weightedCount(prev, currCmd.Val(), elapsed, l.cfg.Window) <= int64(l.cfg.Max)
}
