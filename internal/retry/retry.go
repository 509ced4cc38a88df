// Package retry implements the bounded exponential-backoff policy used for
// exchange API calls. Transient failures are retried with jittered backoff;
// everything else propagates immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/coinbutler/coinbutler/internal/domain"
)

// Policy describes how an operation is retried. The zero value is not usable;
// construct with DefaultPolicy or fill all fields.
type Policy struct {
	// MaxRetries is the total number of attempts, including the first.
	MaxRetries int
	// BaseDelay is the backoff unit: the delay before attempt n (1-indexed)
	// is BaseDelay * 2^(n-2) plus jitter.
	BaseDelay time.Duration
	// MaxJitter bounds the uniform random jitter added to each delay.
	MaxJitter time.Duration
	// RetryIf reports whether an error is transient. When nil every error is
	// considered transient.
	RetryIf func(error) bool
	// OnRetry, when set, is invoked before each wait with the attempt number
	// just failed, the error, and the chosen delay.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns the gateway's standard policy: 3 attempts with delays
// of 500ms and 1s (plus up to 250ms jitter).
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxJitter:  250 * time.Millisecond,
	}
}

// delay returns the backoff before attempt n (1-indexed, n >= 2).
func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 2)
	if p.MaxJitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.MaxJitter)))
	}
	return d
}

// Do runs op until it succeeds, fails with a non-transient error, the context
// is cancelled, or MaxRetries attempts have been spent. Exhaustion returns an
// error wrapping both domain.ErrExhaustedRetries and the last attempt's
// error, and guarantees op is not invoked again.
func Do(ctx context.Context, p Policy, op func(context.Context) error) error {
	if p.MaxRetries < 1 {
		p.MaxRetries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxRetries; attempt++ {
		if attempt > 1 {
			d := p.delay(attempt)
			if p.OnRetry != nil {
				p.OnRetry(attempt-1, lastErr, d)
			}
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if p.RetryIf != nil && !p.RetryIf(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%w after %d attempts: %w", domain.ErrExhaustedRetries, p.MaxRetries, lastErr)
}

// Exhausted reports whether err is the result of a retry policy running out
// of attempts.
func Exhausted(err error) bool {
	return errors.Is(err, domain.ErrExhaustedRetries)
}
