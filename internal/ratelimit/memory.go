package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/openpulse/pulse/internal/platform/logger"
)

type memoryEntry struct {
	windowStart int64
	prev        int64
	curr        int64
}

type memoryLimiter struct {
	log *logger.Logger
	cfg Config

	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// NewMemory returns an in-process sliding-window limiter. Counters reset on
// restart, which is acceptable for admission control.
func NewMemory(log *logger.Logger, cfg Config) Limiter {
	l := &memoryLimiter{
		log:     log.With("service", "ratelimit", "backend", "memory"),
		cfg:     cfg,
		entries: make(map[string]*memoryEntry),
	}

	go l.janitor()

	l.log.Info("rate limiter configured", "max", cfg.Max, "window", cfg.Window)
	return l
}

// Allow implements Limiter.
func (l *memoryLimiter) Allow(_ context.Context, key string) bool {
	now := time.Now()
	windowStart := now.Truncate(l.cfg.Window).UnixNano()
	elapsed := now.Sub(now.Truncate(l.cfg.Window))

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entries[key]
	if e == nil {
		e = &memoryEntry{windowStart: windowStart}
		l.entries[key] = e
	}

	switch {
	case e.windowStart == windowStart:
	case e.windowStart == windowStart-int64(l.cfg.Window):
		e.prev, e.curr = e.curr, 0
		e.windowStart = windowStart
	default:
		// Idle for more than a full window, history is irrelevant.
		e.prev, e.curr = 0, 0
		e.windowStart = windowStart
	}

	if weightedCount(e.prev, e.curr, elapsed, l.cfg.Window) >= int64(l.cfg.Max) {
		return false
	}
	e.curr++
	return true
}

func (l *memoryLimiter) janitor() {
	tick := time.NewTicker(l.cfg.Window)
	defer tick.Stop()

	for now := range tick.C {
		stale := now.Add(-2 * l.cfg.Window).UnixNano()
		l.mu.Lock()
		for key, e := range l.entries {
			if e.windowStart < stale {
				delete(l.entries, key)
			}
		}
		l.mu.Unlock()
	}
}
