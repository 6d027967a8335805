// Package ratelimit implements the shared token bucket gating all upstream
// API calls. The police API enforces one aggressive global limit, so every
// fetch worker draws from the same bucket.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/stopsearch-ingest/internal/metrics"
)

// Limiter wraps a single rate.Limiter shared by all fetch tasks.
type Limiter struct {
	limiter *rate.Limiter
}

// Config holds rate limiter configuration.
type Config struct {
	RPS   float64
	Burst int
}

// New creates a Limiter. Non-positive RPS means unlimited.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(r, burst)}
}

// Wait blocks until a token is available, respecting the context.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Measuring the whole Wait call is a good proxy for the delay the
	// limiter introduced; an immediately available token observes ~0.
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(d)
	}
	return nil
}
