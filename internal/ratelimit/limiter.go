// Package ratelimit defines the control-surface rate limiting port.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed bool
	// RetryAfter is how long the client should wait before retrying.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration
	// FailedOpen marks decisions granted because the limiter's backing
	// store was unavailable; the limiter is advisory and prefers
	// availability over strict enforcement.
	FailedOpen bool
}

// RateLimiter counts requests per (endpoint, client) over a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, endpoint, clientKey string, limit int) (Decision, error)
}
