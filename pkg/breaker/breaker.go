// Package breaker implements a per-backend circuit breaker. It accumulates
// consecutive failures, opens at a configured threshold, and lets exactly one
// trial request through after the cooldown elapses. State only changes when
// an outcome is recorded or Allow observes an expired cooldown; there is no
// background timer and no I/O.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Breaker guards a single backend. Safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration

	state       State
	consecutive int
	lastFailure time.Time

	// now is swapped in tests to drive the cooldown clock.
	now func() time.Time
}

// New builds a closed breaker that opens after threshold consecutive failures
// and re-tests after cooldown. A threshold below one is clamped to one.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
		now:       time.Now,
	}
}

// Allow reports whether a request may proceed. An open breaker whose cooldown
// has elapsed moves to half-open and admits exactly one request; further
// calls are rejected until the trial's outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.cooldown {
			b.state = StateHalfOpen
			return true
		}
		return false
	default: // half-open: the single trial slot is already taken
		return false
	}
}

// RecordSuccess resets the failure counter and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.state = StateClosed
}

// RecordFailure increments the failure counter, stamps the failure time, and
// opens the breaker when the threshold is reached. A failed half-open trial
// reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	b.lastFailure = b.now()
	if b.state == StateHalfOpen || b.consecutive >= b.threshold {
		b.state = StateOpen
	}
}

// Reset forces the breaker closed and clears the failure counter.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutive = 0
	b.lastFailure = time.Time{}
}

// State returns the current position without consuming the half-open slot.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// ConsecutiveFailures returns the current failure streak.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive
}

// LastFailure returns when the most recent failure was recorded, or the zero
// time if none has been.
func (b *Breaker) LastFailure() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailure
}
