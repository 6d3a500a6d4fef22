// ABOUTME: Per-channel circuit breaker state machine
// ABOUTME: closed -> open after consecutive failures, half-open probe after recovery

package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Run when the breaker rejects the call without
// invoking it.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker's position in its state machine.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Defaults match the roomkit channel guard configuration.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTime     = 60 * time.Second
)

// Breaker isolates a failing channel. After failureThreshold consecutive
// failures it opens and rejects calls for recoveryTime; the first call
// after that window runs as a half-open probe — success closes the
// breaker, failure re-opens it. A success while closed resets the
// failure count.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failures         int
	failureThreshold int
	recoveryTime     time.Duration
	openedAt         time.Time
	probing          bool

	now func() time.Time
}

// New creates a closed breaker. Non-positive parameters fall back to the
// defaults.
func New(failureThreshold int, recoveryTime time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if recoveryTime <= 0 {
		recoveryTime = DefaultRecoveryTime
	}
	return &Breaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		recoveryTime:     recoveryTime,
		now:              time.Now,
	}
}

// State returns the breaker's current state, accounting for an elapsed
// recovery window.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.recoveryTime {
		return StateHalfOpen
	}
	return b.state
}

// Run executes fn under the breaker. It returns ErrOpen without calling
// fn when the breaker is open, fn's error on failure, or nil. A nil
// Breaker admits everything.
func (b *Breaker) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if b == nil {
		return fn(ctx)
	}
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err == nil)
	return err
}

// admit decides whether a call may proceed, transitioning open -> half
// open when the recovery window has elapsed. Half-open admits exactly
// one probe; concurrent callers are rejected until the probe settles.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.recoveryTime {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.failureThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	case StateHalfOpen:
		b.probing = false
		if success {
			b.state = StateClosed
			b.failures = 0
			return
		}
		b.state = StateOpen
		b.openedAt = b.now()
	case StateOpen:
		// A call admitted before the state flipped; only failures matter
		// and the breaker is already open.
	}
}
