// Package retry provides an exponential-backoff executor with
// transient/permanent error classification.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = time.Second
	defaultMaxDelay   = 30 * time.Second
)

// Options configures a Policy. Zero values fall back to defaults.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Retryable decides whether a failure is worth another attempt.
	// Nil means DefaultRetryable.
	Retryable func(error) bool
}

// Policy executes functions with bounded retries and jittered backoff.
type Policy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	retryable  func(error) bool

	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
}

func NewPolicy(opts Options) *Policy {
	p := &Policy{
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		retryable:  opts.Retryable,
		sleep:      sleepWithContext,
		randFloat:  rand.Float64,
	}
	if p.maxRetries < 0 {
		p.maxRetries = 0
	}
	if opts.MaxRetries == 0 {
		p.maxRetries = defaultMaxRetries
	}
	if p.baseDelay <= 0 {
		p.baseDelay = defaultBaseDelay
	}
	if p.maxDelay <= 0 {
		p.maxDelay = defaultMaxDelay
	}
	if p.retryable == nil {
		p.retryable = DefaultRetryable
	}
	return p
}

// Execute runs fn up to maxRetries+1 times. It returns the zero-based
// attempt index that succeeded, or the last error once attempts are
// exhausted or the error is classified permanent. Between attempts it
// sleeps min(baseDelay*2^attempt, maxDelay) scaled by a random factor
// in [0.5, 1.0].
func (p *Policy) Execute(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if attempt == p.maxRetries || !p.retryable(lastErr) {
			return attempt, lastErr
		}
		if err := p.sleep(ctx, p.delayFor(attempt)); err != nil {
			return attempt, err
		}
	}

	return p.maxRetries, lastErr
}

func (p *Policy) delayFor(attempt int) time.Duration {
	delay := p.baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.maxDelay {
			delay = p.maxDelay
			break
		}
	}

	factor := 0.5
	if p.randFloat != nil {
		factor = 0.5 + 0.5*p.randFloat()
	}
	return time.Duration(float64(delay) * factor)
}

// transienter is implemented by errors that carry their own classification,
// e.g. provider errors derived from HTTP status codes.
type transienter interface {
	Transient() bool
}

// DefaultRetryable classifies network failures, timeouts, and errors that
// self-report as transient as retryable. Everything else is permanent.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var t transienter
	if errors.As(err, &t) {
		return t.Transient()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
