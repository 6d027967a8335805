package ingest

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// RetryPolicy implements jittered exponential backoff with separate
// attempt budgets for rate-limited and transient failures. Malformed
// responses are never retried.
type RetryPolicy struct {
	maxRateLimited int
	maxTransient   int
	baseDelay      time.Duration
	maxDelay       time.Duration
}

// NewRetryPolicy builds a policy with sane defaults.
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		maxRateLimited: 5,
		maxTransient:   3,
		baseDelay:      250 * time.Millisecond,
		maxDelay:       30 * time.Second,
	}
}

// NewRetryPolicyWith builds a policy from configured budgets. Non-positive
// values fall back to the defaults.
func NewRetryPolicyWith(maxRateLimited, maxTransient int, base, maxDelay time.Duration) *RetryPolicy {
	p := NewRetryPolicy()
	if maxRateLimited > 0 {
		p.maxRateLimited = maxRateLimited
	}
	if maxTransient > 0 {
		p.maxTransient = maxTransient
	}
	if base > 0 {
		p.baseDelay = base
	}
	if maxDelay > 0 {
		p.maxDelay = maxDelay
	}
	return p
}

// ShouldRetry decides whether the error is retryable at this attempt.
// Attempt counts from 0 for the first failure.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrMalformed):
		return false
	case errors.Is(err, ErrRateLimited):
		return attempt < p.maxRateLimited-1
	case errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout):
		return attempt < p.maxTransient-1
	}
	return false
}

// Backoff returns the wait before the next attempt. A Retry-After hint
// from the upstream takes precedence over the computed delay.
func (p *RetryPolicy) Backoff(err error, attempt int) time.Duration {
	var rle *RateLimitError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		return rle.RetryAfter
	}
	base := p.baseDelay
	if errors.Is(err, ErrRateLimited) {
		// Rate-limited retries back off harder than transient ones.
		base *= 4
	}
	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
