// Package retry re-runs flaky reads with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Policy bounds how often and how slowly an operation is retried.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Base is the backoff before the second try; it doubles per attempt.
	Base time.Duration
	// Max caps the backoff.
	Max time.Duration
}

// Default suits reads made from a poll loop: short enough that a flaky
// source does not stall the loop for long.
var Default = Policy{Attempts: 3, Base: 100 * time.Millisecond, Max: time.Second}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so that [Do] returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, returns a [Permanent] error, the policy's
// attempts are used up, or ctx is done.
func Do(ctx context.Context, p Policy, fn func() error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	var lastErr error
	for attempt := range p.Attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}

		if attempt == p.Attempts-1 {
			break
		}
		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", p.Attempts, lastErr)
}

// delay is the backoff after the given zero-based attempt, jittered
// uniformly in [d/2, d).
func (p Policy) delay(attempt int) time.Duration {
	d := p.Base << attempt
	if d > p.Max || d <= 0 {
		d = p.Max
	}
	if d < 2 {
		return d
	}
	return d/2 + time.Duration(rand.Int63n(int64(d)/2)) //nolint:gosec // jitter does not need crypto/rand
}
