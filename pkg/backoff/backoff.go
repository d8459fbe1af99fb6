// Package backoff maps delivery attempt counts to retry delays.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Schedule is a monotonically non-decreasing list of retry delays indexed by
// the number of failed attempts so far. Attempts beyond the end clamp to the
// last entry.
type Schedule []time.Duration

// DefaultSchedule escalates from one minute to two days.
var DefaultSchedule = Schedule{
	60 * time.Second,
	300 * time.Second,
	1800 * time.Second,
	7200 * time.Second,
	43200 * time.Second,
	86400 * time.Second,
	172800 * time.Second,
}

// Delay returns the wait before the next attempt after attempts previous
// failures. attempts=0 (first failure) maps to the first entry.
func (s Schedule) Delay(attempts int) time.Duration {
	if len(s) == 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= len(s) {
		attempts = len(s) - 1
	}
	return s[attempts]
}

// Delay looks up attempts in DefaultSchedule.
func Delay(attempts int) time.Duration {
	return DefaultSchedule.Delay(attempts)
}

// Jitter adds a uniformly random extra delay of up to fraction*d.
// Fractions <= 0 return d unchanged; fractions above 1 are capped at 1.
func Jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || d <= 0 {
		return d
	}
	if fraction > 1 {
		fraction = 1
	}
	spread := int64(float64(d) * fraction)
	if spread <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(spread+1)) // #nosec G404 -- jitter, not security sensitive
}
