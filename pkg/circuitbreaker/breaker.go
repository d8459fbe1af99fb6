// Package circuitbreaker trips on consecutive failures to one destination.
//
// Breakers here have no cooldown: they are meant to live for the span of a
// single dispatch cycle, so a receiver that keeps failing stops being called
// for the rest of that batch and gets a fresh breaker on the next cycle.
//
// States:
//   - Closed: requests allowed
//   - Open: threshold reached, requests blocked for the breaker's lifetime
package circuitbreaker

import (
	"sync"
)

// State represents the state of a circuit breaker.
type State int

const (
	Closed State = iota
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// DefaultThreshold is used when a non-positive threshold is given.
const DefaultThreshold = 5

// Breaker counts consecutive failures for a single destination.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	threshold int
}

// New creates a breaker that opens after threshold consecutive failures.
func New(threshold int) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Breaker{
		state:     Closed,
		threshold: threshold,
	}
}

// Allow reports whether a request should be attempted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == Closed
}

// RecordSuccess clears the consecutive failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// RecordFailure records a failed request and opens the breaker at threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures >= b.threshold {
		b.state = Open
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
