// Package retry provides the bounded retry loop shared by the transport,
// capture and transfer layers.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// Policy bounds a retry loop.
type Policy struct {
	// Attempts is the total number of tries, including the first. Values
	// below 1 are treated as 1.
	Attempts int

	// Delay is the pause before the second attempt.
	Delay time.Duration

	// Multiplier grows the delay after every failed attempt. Zero or one
	// keeps the delay constant.
	Multiplier float64

	// MaxDelay caps the grown delay. Zero means no cap.
	MaxDelay time.Duration

	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Exponential returns a policy that doubles the delay between attempts,
// starting at initial and capped at maxDelay.
func Exponential(attempts int, initial, maxDelay time.Duration) Policy {
	return Policy{
		Attempts:   attempts,
		Delay:      initial,
		Multiplier: 2,
		MaxDelay:   maxDelay,
	}
}

// backOff builds the delay schedule. Jitter is off so that timings on the
// wire stay reproducible.
func (p Policy) backOff() backoff.BackOff {
	if p.Multiplier <= 1 {
		return backoff.NewConstantBackOff(p.Delay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Delay
	b.RandomizationFactor = 0
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Permanent marks err as not worth retrying. Do returns the wrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a Permanent error, the attempt
// budget is spent, or ctx is done. op receives the 1-based attempt number.
// When the budget is spent the last error is returned annotated with the
// number of attempts; errors.Is/As still see the original error.
func Do[T any](ctx context.Context, p Policy, op func(attempt int) (T, error)) (T, error) {
	attempts := max(p.Attempts, 1)
	b := backoff.WithContext(backoff.WithMaxRetries(p.backOff(), uint64(attempts-1)), ctx)

	attempt := 0
	permanent := false
	v, err := backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		if err := ctx.Err(); err != nil {
			return *new(T), backoff.Permanent(err)
		}
		v, err := op(attempt)
		var perm *backoff.PermanentError
		permanent = errors.As(err, &perm)
		return v, err
	}, b, func(err error, d time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, d)
		}
	})
	switch {
	case err == nil:
		return v, nil
	case permanent, ctx.Err() != nil:
		return v, err
	}
	var zero T
	return zero, errors.WithMessagef(err, "gave up after %d attempts", attempts)
}

// Sleep pauses for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
