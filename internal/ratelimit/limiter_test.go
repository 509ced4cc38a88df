package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireEnforcesMinimumSpacing(t *testing.T) {
	l := New(100) // 10ms interval
	ctx := context.Background()

	var stamps []time.Time
	for i := 0; i < 5; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		stamps = append(stamps, time.Now())
	}

	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		// Allow a small scheduling tolerance below the nominal interval.
		if gap < l.Interval()-2*time.Millisecond {
			t.Errorf("gap %d = %v, want >= %v", i, gap, l.Interval())
		}
	}
}

func TestAcquireConcurrentCallersShareSpacing(t *testing.T) {
	const callers = 8
	l := New(200) // 5ms interval

	var (
		mu     sync.Mutex
		stamps []time.Time
		wg     sync.WaitGroup
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background()); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			stamps = append(stamps, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(stamps) != callers {
		t.Fatalf("got %d stamps, want %d", len(stamps), callers)
	}
	// The whole batch cannot complete faster than (callers-1) intervals.
	first, last := stamps[0], stamps[0]
	for _, s := range stamps[1:] {
		if s.Before(first) {
			first = s
		}
		if s.After(last) {
			last = s
		}
	}
	minSpan := time.Duration(callers-1)*l.Interval() - 5*time.Millisecond
	if span := last.Sub(first); span < minSpan {
		t.Errorf("batch span %v, want >= %v", span, minSpan)
	}
}

func TestAcquireHonoursCancellation(t *testing.T) {
	l := New(1) // 1s interval, forces a wait on the second call

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := l.Acquire(ctx)
	if err == nil {
		t.Fatal("expected context error, got nil")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("cancelled acquire took %v, should return promptly", elapsed)
	}
}

func TestNewDefaultsBadRate(t *testing.T) {
	for _, rate := range []float64{0, -3} {
		l := New(rate)
		if l.Interval() != time.Second/8 {
			t.Errorf("New(%v).Interval() = %v, want %v", rate, l.Interval(), time.Second/8)
		}
	}
}
