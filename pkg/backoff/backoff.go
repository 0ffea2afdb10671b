// Package backoff computes the delay schedule for retried operations:
// webhook deliveries to flaky callback endpoints and SQLite opens that hit
// a locked database.
package backoff

import "time"

// Defaults cover both retry sites: short enough that a transiently locked
// database resolves within the first attempts, capped so a dead callback
// endpoint never stretches a delivery slot past a few seconds.
const (
	defaultInitial = 100 * time.Millisecond
	defaultCeiling = 5 * time.Second
)

// Config shapes the delay curve. Zero values use the defaults.
type Config struct {
	Initial time.Duration // delay before the first retry
	Max     time.Duration // ceiling for every later retry
}

// Exponential returns the delay to sleep before the given attempt: Initial
// for attempt 1, doubling per attempt after that, capped at Max. Attempts
// below 1 are treated as the first. A nil cfg uses the defaults.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := defaultInitial
	ceiling := defaultCeiling
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			ceiling = cfg.Max
		}
	}

	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		// d <= 0 catches duration overflow on absurd attempt counts.
		if d >= ceiling || d <= 0 {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
