package backoff

import (
	"testing"
	"time"
)

func TestExponentialDefaultSchedule(t *testing.T) {
	t.Parallel()

	// The default curve a webhook delivery walks: 100ms, doubling, capped
	// at 5s once the endpoint has refused six times.
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 100 * time.Millisecond},
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, 1600 * time.Millisecond},
		{6, 3200 * time.Millisecond},
		{7, 5 * time.Second},
		{50, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := Exponential(tt.attempt, nil); got != tt.want {
			t.Errorf("Exponential(%d, nil) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponentialCustomCurve(t *testing.T) {
	t.Parallel()

	cfg := &Config{Initial: 25 * time.Millisecond, Max: 150 * time.Millisecond}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 25 * time.Millisecond},
		{2, 50 * time.Millisecond},
		{3, 100 * time.Millisecond},
		{4, 150 * time.Millisecond},
		{9, 150 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := Exponential(tt.attempt, cfg); got != tt.want {
			t.Errorf("Exponential(%d, cfg) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponentialPartialConfigKeepsOtherDefault(t *testing.T) {
	t.Parallel()

	if got := Exponential(1, &Config{Max: time.Second}); got != 100*time.Millisecond {
		t.Errorf("Initial default not applied: got %v", got)
	}
	if got := Exponential(20, &Config{Initial: 10 * time.Millisecond}); got != 5*time.Second {
		t.Errorf("Max default not applied: got %v", got)
	}
}

func TestExponentialLargeAttemptStaysCapped(t *testing.T) {
	t.Parallel()

	// Doubling past 63 attempts would overflow a Duration; the cap must
	// hold regardless.
	if got := Exponential(500, nil); got != 5*time.Second {
		t.Errorf("Exponential(500, nil) = %v, want 5s", got)
	}
}
