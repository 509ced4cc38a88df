// Package ratelimit paces outbound exchange API calls. The exchange enforces
// a server-side request budget; the limiter keeps the client safely under it
// by spacing calls at a fixed minimum interval.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter enforces a minimum interval between successive Acquire returns.
// Unlike a token bucket it allows no bursts: two calls are always separated
// by at least 1/rate, which is what the exchange's per-second budget actually
// requires. Safe for concurrent use; the spacing is global across callers.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

// New creates a Limiter allowing callsPerSec calls per second. Non-positive
// rates fall back to 8 calls/sec, the default client budget.
func New(callsPerSec float64) *Limiter {
	if callsPerSec <= 0 {
		callsPerSec = 8
	}
	return &Limiter{
		interval: time.Duration(float64(time.Second) / callsPerSec),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Acquire blocks until at least the configured interval has elapsed since the
// previous Acquire returned, then returns nil. It returns the context error
// if ctx is cancelled while waiting. Calls are delayed, never dropped or
// reordered relative to the caller's own sequencing.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	now := l.now()
	wait := l.interval - now.Sub(l.last)
	if wait <= 0 {
		l.last = now
		l.mu.Unlock()
		return nil
	}
	// Reserve the slot before releasing the lock so concurrent callers queue
	// behind this one instead of racing for the same interval.
	l.last = now.Add(wait)
	l.mu.Unlock()

	if err := l.sleep(ctx, wait); err != nil {
		return err
	}
	return nil
}

// Interval returns the minimum spacing between calls.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}
