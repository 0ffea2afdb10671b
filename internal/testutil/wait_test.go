package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitForHeldImmediately(t *testing.T) {
	t.Parallel()
	checks := 0
	ok := WaitFor(t, func() bool {
		checks++
		return true
	}, WithTimeout(time.Second))

	if !ok {
		t.Error("WaitFor = false for a condition that holds immediately")
	}
	if checks != 1 {
		t.Errorf("condition checked %d times, want 1", checks)
	}
}

func TestWaitForEventuallyHolds(t *testing.T) {
	t.Parallel()
	var done atomic.Bool
	go func() {
		time.Sleep(30 * time.Millisecond)
		done.Store(true)
	}()

	ok := WaitFor(t, done.Load, WithTimeout(time.Second), WithInterval(5*time.Millisecond))
	if !ok {
		t.Error("WaitFor = false for a condition that holds within the timeout")
	}
}

func TestWaitForTimesOut(t *testing.T) {
	t.Parallel()
	start := time.Now()
	ok := WaitFor(t, func() bool { return false },
		WithTimeout(50*time.Millisecond), WithInterval(10*time.Millisecond))

	if ok {
		t.Error("WaitFor = true for a condition that never holds")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("returned after %v, before the timeout", elapsed)
	}
}

func TestMustWaitForPasses(t *testing.T) {
	t.Parallel()
	MustWaitFor(t, func() bool { return true }, WithTimeout(time.Second))
}

func TestOptionsOverrideDefaults(t *testing.T) {
	t.Parallel()
	o := defaultOptions()
	if o.Timeout != defaultTimeout || o.Interval != defaultInterval {
		t.Fatalf("defaults = %+v", o)
	}

	WithTimeout(2 * time.Second)(&o)
	WithInterval(time.Millisecond)(&o)
	if o.Timeout != 2*time.Second || o.Interval != time.Millisecond {
		t.Errorf("overridden options = %+v", o)
	}
}
