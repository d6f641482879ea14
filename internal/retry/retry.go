// Package retry runs operations with capped exponential backoff.
//
// It is shared by the embedding providers and the upstream catalog client so
// both honor the same policy and cancellation rules. Delays are spread with
// random jitter, and a server's Retry-After hint replaces the computed
// backoff when an error carries one.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Defaults
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 100 * time.Millisecond
	DefaultMaxDelay    = 5 * time.Second
	DefaultMultiplier  = 2.0
	DefaultJitter      = 0.2
)

// Policy configures exponential backoff retry behavior
type Policy struct {
	MaxAttempts int           // Total attempts including the first one
	BaseDelay   time.Duration // Delay before the second attempt
	MaxDelay    time.Duration // Upper bound for any single delay
	Multiplier  float64       // Growth factor between delays
	Jitter      float64       // Each delay is spread by +/- this fraction; 0 disables
}

// DefaultPolicy returns sensible defaults for remote calls
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Multiplier:  DefaultMultiplier,
		Jitter:      DefaultJitter,
	}
}

// normalized fills zero fields with defaults
func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

// Delay returns the backoff before the given retry (1-based)
func (p Policy) Delay(retry int) time.Duration {
	p = p.normalized()
	d := p.BaseDelay
	for i := 1; i < retry; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// wait is the pause before the given retry: the server hint when err has
// one, the backoff otherwise, then jittered and capped at MaxDelay.
func (p Policy) wait(retry int, err error) time.Duration {
	d := p.Delay(retry)
	if hint, ok := RetryAfterHint(err); ok {
		d = hint
	}
	if p.Jitter > 0 && d > 0 {
		spread := 1 + p.Jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * spread)
	}
	return min(d, p.MaxDelay)
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

// WithRetryAfter attaches a server supplied delay to a retryable error.
// A non-positive delay returns err unchanged.
func WithRetryAfter(err error, after time.Duration) error {
	if err == nil || after <= 0 {
		return err
	}
	return &retryAfterError{err: err, after: after}
}

// RetryAfterHint returns the delay attached with WithRetryAfter
func RetryAfterHint(err error) (time.Duration, bool) {
	var ra *retryAfterError
	if errors.As(err, &ra) {
		return ra.after, true
	}
	return 0, false
}

// ParseRetryAfter reads a Retry-After header value, either delay seconds or
// an HTTP date. It returns 0 when the header is absent or unusable.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error as is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do executes fn until it succeeds, returns a permanent error, the context is
// done, or the policy runs out of attempts. It returns the number of attempts
// made alongside the result.
func Do[T any](ctx context.Context, policy Policy, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var zero T
	policy = policy.normalized()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return zero, attempt, ctx.Err()
		}

		var p *permanentError
		if errors.As(err, &p) {
			return zero, attempt, p.err
		}

		if attempt == policy.MaxAttempts {
			break
		}

		timer := time.NewTimer(policy.wait(attempt, err))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempt, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, policy.MaxAttempts, lastErr
}
