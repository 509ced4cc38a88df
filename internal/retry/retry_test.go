package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coinbutler/coinbutler/internal/domain"
)

var errTransient = errors.New("connection reset")

func TestDoSucceedsEventually(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, domain.ErrExhaustedRetries) {
		t.Fatalf("Do() = %v, want ErrExhaustedRetries", err)
	}
	if !errors.Is(err, errTransient) {
		t.Errorf("exhaustion error should wrap the last attempt error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want exactly 3 (no attempts after exhaustion)", calls)
	}
	if !Exhausted(err) {
		t.Error("Exhausted(err) = false, want true")
	}
}

func TestDoStopsOnNonTransient(t *testing.T) {
	fatal := errors.New("401 unauthorized")
	p := Policy{
		MaxRetries: 5,
		BaseDelay:  time.Millisecond,
		RetryIf:    func(err error) bool { return !errors.Is(err, fatal) },
	}

	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("Do() = %v, want the non-transient error unwrapped", err)
	}
	if errors.Is(err, domain.ErrExhaustedRetries) {
		t.Error("non-transient failure must not be reported as exhaustion")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDelayWithinBackoffBounds(t *testing.T) {
	p := Policy{
		MaxRetries: 5,
		BaseDelay:  10 * time.Millisecond,
		MaxJitter:  5 * time.Millisecond,
	}

	// delay before attempt n is BaseDelay*2^(n-2) + [0, MaxJitter).
	for attempt := 2; attempt <= 5; attempt++ {
		lower := p.BaseDelay << (attempt - 2)
		upper := lower + p.MaxJitter
		for i := 0; i < 50; i++ {
			d := p.delay(attempt)
			if d < lower || d >= upper {
				t.Fatalf("delay(attempt=%d) = %v, want in [%v, %v)", attempt, d, lower, upper)
			}
		}
	}
}

func TestDoObservesContextDuringBackoff(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, p, func(context.Context) error {
			calls++
			return errTransient
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Do() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (cancelled during first backoff)", calls)
	}
}

func TestDoReportsRetriesViaCallback(t *testing.T) {
	var attempts []int
	p := Policy{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		OnRetry:    func(attempt int, _ error, _ time.Duration) { attempts = append(attempts, attempt) },
	}

	_ = Do(context.Background(), p, func(context.Context) error { return errTransient })

	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", attempts)
	}
}
