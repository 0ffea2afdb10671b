// Package circuitbreaker guards callback destinations that keep refusing
// deliveries. Each destination host gets its own breaker: enough consecutive
// failures trip it and deliveries to that host are held back until a cooldown
// passes, after which a single probe delivery decides whether the host is
// back.
package circuitbreaker

import (
	"sync"
	"time"
)

// State of a breaker.
type State int

const (
	Closed   State = iota // deliveries flow normally
	Open                  // host presumed down, deliveries held back
	HalfOpen              // cooldown elapsed, probe delivery in flight
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// A host that refused three deliveries in a row is treated as down and not
// retried for a minute.
const (
	defaultThreshold = 3
	defaultCooldown  = time.Minute
)

// Config tunes when a breaker trips and how long it stays tripped. Zero
// values use the delivery defaults.
type Config struct {
	Threshold int           // consecutive failures before the breaker trips
	Cooldown  time.Duration // how long a tripped host is left alone
}

// Breaker tracks consecutive delivery failures for one destination host.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	probing   bool      // a half-open probe is in flight
	trippedAt time.Time // when the breaker last opened
	threshold int
	cooldown  time.Duration
}

// New creates a breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	return &Breaker{
		state:     Closed,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
	}
}

// Allow reports whether a delivery to the host should be attempted now.
// Once the cooldown of an open breaker elapses, exactly one delivery is let
// through as a probe; further deliveries wait for its outcome.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.trippedAt) < b.cooldown {
			return false
		}
		b.state = HalfOpen
		b.probing = true
		return true

	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true

	default:
		return true
	}
}

// RecordSuccess closes the breaker after a delivery landed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probing = false
}

// RecordFailure counts a refused delivery. A failed probe re-trips the
// breaker for a full cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.probing = false
	if b.state == HalfOpen || b.failures >= b.threshold {
		b.state = Open
		b.trippedAt = time.Now()
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset force-closes the breaker and clears its failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probing = false
}
