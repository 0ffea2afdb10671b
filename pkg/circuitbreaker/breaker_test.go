package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 3, Cooldown: time.Minute})

	for i := 0; i < 2; i++ {
		if !b.Allow() {
			t.Fatalf("delivery %d blocked below threshold", i+1)
		}
		b.RecordFailure()
	}
	if b.State() != Closed {
		t.Fatalf("State = %v before threshold, want closed", b.State())
	}

	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("State = %v after threshold, want open", b.State())
	}
	if b.Allow() {
		t.Error("delivery allowed while tripped")
	}
	if b.Failures() != 3 {
		t.Errorf("Failures = %d, want 3", b.Failures())
	}
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 2, Cooldown: time.Minute})

	// Failures separated by a success never accumulate to the threshold.
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	if b.State() != Closed {
		t.Errorf("State = %v, want closed after interleaved success", b.State())
	}
}

func TestBreakerAllowsSingleProbeAfterCooldown(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 1, Cooldown: 20 * time.Millisecond})
	b.RecordFailure()

	if b.Allow() {
		t.Fatal("delivery allowed during cooldown")
	}
	time.Sleep(30 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("probe blocked after cooldown")
	}
	if b.State() != HalfOpen {
		t.Fatalf("State = %v, want half-open", b.State())
	}
	// Only the probe goes through until its outcome is known.
	if b.Allow() {
		t.Error("second delivery allowed while probe in flight")
	}
}

func TestBreakerProbeOutcome(t *testing.T) {
	t.Parallel()

	trip := func() *Breaker {
		b := New(Config{Threshold: 1, Cooldown: 10 * time.Millisecond})
		b.RecordFailure()
		time.Sleep(20 * time.Millisecond)
		if !b.Allow() {
			t.Fatal("probe blocked after cooldown")
		}
		return b
	}

	b := trip()
	b.RecordSuccess()
	if b.State() != Closed {
		t.Errorf("State after successful probe = %v, want closed", b.State())
	}
	if !b.Allow() {
		t.Error("delivery blocked after recovery")
	}

	b = trip()
	b.RecordFailure()
	if b.State() != Open {
		t.Errorf("State after failed probe = %v, want open", b.State())
	}
	if b.Allow() {
		t.Error("delivery allowed right after a failed probe")
	}
}

func TestBreakerDefaults(t *testing.T) {
	t.Parallel()
	b := New(Config{})

	for i := 0; i < defaultThreshold-1; i++ {
		b.RecordFailure()
	}
	if b.State() != Closed {
		t.Fatalf("State = %v below default threshold, want closed", b.State())
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Errorf("State = %v at default threshold, want open", b.State())
	}
}

func TestBreakerReset(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 1, Cooldown: time.Minute})
	b.RecordFailure()

	b.Reset()
	if b.State() != Closed || b.Failures() != 0 {
		t.Errorf("after Reset: state=%v failures=%d, want closed/0", b.State(), b.Failures())
	}
	if !b.Allow() {
		t.Error("delivery blocked after reset")
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state State
		want  string
	}{
		{Closed, "closed"},
		{Open, "open"},
		{HalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestRegistryIsolatesHosts(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 1, Cooldown: time.Minute})

	r.Get("hooks.example.com").RecordFailure()

	if r.Get("hooks.example.com").Allow() {
		t.Error("tripped host still accepting deliveries")
	}
	if !r.Get("other.example.com").Allow() {
		t.Error("healthy host blocked by another host's breaker")
	}
	if r.Get("hooks.example.com") != r.Get("hooks.example.com") {
		t.Error("Get returned different breakers for one host")
	}
}

func TestRegistryStats(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 1, Cooldown: time.Minute})

	r.Get("a.example.com").RecordFailure()
	r.Get("b.example.com")

	stats := r.Stats()
	if stats.Total != 2 || stats.Open != 1 || stats.Closed != 1 {
		t.Errorf("Stats = %+v, want total=2 open=1 closed=1", stats)
	}

	r.Reset()
	stats = r.Stats()
	if stats.Open != 0 || stats.Closed != 2 {
		t.Errorf("Stats after Reset = %+v, want all closed", stats)
	}
}
