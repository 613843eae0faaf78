// Package ratelimit implements the admission controller: a sliding-window
// request budget per resolved client identity, enforced before any other
// request processing.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openpulse/pulse/internal/platform/logger"
)

// Config holds the per-identity request budget.
type Config struct {
	// Max requests allowed per identity per window.
	Max int
	// Window length of the sliding window.
	Window time.Duration
}

// Limiter answers whether one more request from key fits its budget.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// New picks the backend: redis-backed counters when a redis URL is
// configured, in-process counters otherwise.
func New(log *logger.Logger, cfg Config, redisURL string) (Limiter, error) {
	if redisURL == "" {
		return NewMemory(log, cfg), nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return NewRedis(log, cfg, redis.NewClient(opts)), nil
}

// weightedCount estimates the sliding-window total from two fixed-window
// buckets: the previous bucket contributes proportionally to how much of it
// still overlaps the sliding window.
func weightedCount(prev, curr int64, elapsed, window time.Duration) int64 {
	weight := 1 - float64(elapsed)/float64(window)
	if weight < 0 {
		weight = 0
	}
	return curr + int64(float64(prev)*weight)
}
