// Package ratelimit throttles tool invocations per run.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config is the per-run token bucket. A zero PerSecond disables limiting.
type Config struct {
	PerSecond float64
	Burst     int
	// IdleTTL drops buckets of runs that have not invoked anything for
	// this long.
	IdleTTL time.Duration
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per run id.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	sweptAt time.Time
}

func NewLimiter(cfg Config) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &Limiter{cfg: cfg, now: time.Now, buckets: make(map[string]*bucket)}
}

// Allow consumes one token from runID's bucket.
func (l *Limiter) Allow(runID string) bool {
	if l == nil || l.cfg.PerSecond <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)
	b, ok := l.buckets[runID]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(l.cfg.PerSecond), l.cfg.Burst)}
		l.buckets[runID] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

// Tokens reports the tokens left in runID's bucket.
func (l *Limiter) Tokens(runID string) float64 {
	if l == nil || l.cfg.PerSecond <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[runID]
	if !ok {
		return float64(l.cfg.Burst)
	}
	return b.lim.TokensAt(l.now())
}

// Runs returns the number of tracked buckets.
func (l *Limiter) Runs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) sweepLocked(now time.Time) {
	if now.Sub(l.sweptAt) < l.cfg.IdleTTL {
		return
	}
	l.sweptAt = now
	for id, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.cfg.IdleTTL {
			delete(l.buckets, id)
		}
	}
}
