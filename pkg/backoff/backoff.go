// Package backoff holds the exponential delay policy shared by channel and
// peer reconnection, plus a small retry helper built on it.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// maxShift is the largest doubling of a 1ns base that fits a Duration.
const maxShift = 62

const maxDuration = time.Duration(math.MaxInt64)

// Policy describes an exponential backoff: BaseDelay * 2^(attempt-1),
// bounded by MaxAttempts. A zero MaxDelay means no clamp.
type Policy struct {
	BaseDelay   time.Duration
	MaxAttempts int
	MaxDelay    time.Duration
}

// ChannelPolicy is the default for bus channel reconnection.
func ChannelPolicy() Policy {
	return Policy{
		BaseDelay:   time.Second,
		MaxAttempts: 8,
	}
}

// PeerPolicy is the default for peer transport reconnection. A stalled
// call is visible to the user immediately, so it gives up quickly.
func PeerPolicy() Policy {
	return Policy{
		BaseDelay:   100 * time.Millisecond,
		MaxAttempts: 3,
	}
}

// NextDelay returns the wait before the given attempt. Attempts start at 1.
// The delay doubles until it would overflow and then saturates, so it never
// decreases with the attempt number.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	delay := maxDuration
	if shift <= maxShift && p.BaseDelay <= maxDuration>>uint(shift) {
		delay = p.BaseDelay << uint(shift)
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Exhausted reports whether attempt is past the budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt > p.MaxAttempts
}

// Validate checks the policy is usable.
func (p Policy) Validate() error {
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be > 0")
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must be >= 0")
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("max delay must be >= 0")
	}
	return nil
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so Retry stops without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls fn once and then retries it up to MaxAttempts times, waiting
// NextDelay(n) before retry n.
func Retry(ctx context.Context, p Policy, fn func() error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if p.Exhausted(attempt) {
				return fmt.Errorf("max attempts (%d) exceeded: %w", p.MaxAttempts, lastErr)
			}
			timer := time.NewTimer(p.NextDelay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
			case <-timer.C:
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
	}
}

// RetryWithResult is Retry for functions that produce a value.
func RetryWithResult[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	var result T
	err := Retry(ctx, p, func() error {
		var err error
		result, err = fn()
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
