package ingest

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors classifying upstream and persistence failures. Callers
// match with errors.Is to pick the right backoff or failure handling.
var (
	// ErrRateLimited marks a 429 from the upstream API.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnavailable marks 5xx responses and connection failures.
	ErrUnavailable = errors.New("upstream unavailable")
	// ErrTimeout marks request deadline expiry.
	ErrTimeout = errors.New("request timed out")
	// ErrMalformed marks an unparseable response body. Not retried.
	ErrMalformed = errors.New("malformed response")
	// ErrConstraintViolation marks a bulk load rejected by a constraint.
	ErrConstraintViolation = errors.New("constraint violation")
	// ErrConnectionLost marks a dropped database connection.
	ErrConnectionLost = errors.New("connection lost")
)

// RateLimitError carries the upstream's Retry-After hint. It unwraps to
// ErrRateLimited so classification stays uniform.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }
