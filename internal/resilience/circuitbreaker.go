// Package resilience keeps a call translating when a speech or translation
// backend misbehaves.
//
// Each backend gets a [CircuitBreaker] that stops sending it work after a
// run of failures and tries it again once a cool-down has passed. A
// [FallbackGroup] orders several backends of one kind (primary first) and
// hands each request to the first one whose breaker is not open. The typed
// wrappers [STTFallback], [MTFallback] and [TTSFallback] adapt groups to the
// provider interfaces the relay consumes.
//
// Work abandoned because the caller hung up (context.Canceled) is never
// held against a backend.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// is refusing calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen refuses calls with [ErrCircuitOpen] until the reset timeout
	// has passed since the last failure.
	StateOpen

	// StateHalfOpen lets a limited number of trial calls through. Enough
	// successful trials close the breaker; one failed trial re-opens it.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker defaults.
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
	DefaultHalfOpenMax  = 3
)

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take the
// Default* values.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs, usually the backend name.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before probing.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of trials admitted while half-open, and the
	// number of successful trials needed to close again.
	HalfOpenMax int

	// Now is the clock. Nil means time.Now.
	Now func() time.Time
}

// CircuitBreaker is a three-state breaker guarding one backend.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     State
	failures  int // consecutive failures while closed
	openedAt  time.Time
	trials    int // trials admitted in the current half-open round
	succeeded int // trials that succeeded in the current round
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = DefaultHalfOpenMax
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute calls fn unless the breaker refuses it, and records the outcome.
// An error wrapping context.Canceled counts neither as failure nor as
// success.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.record(trial, err)
	return err
}

// admit decides whether a call may proceed and whether it is a trial.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.cooledLocked() {
		cb.setLocked(StateHalfOpen)
	}
	switch cb.state {
	case StateOpen:
		return false, ErrCircuitOpen
	case StateHalfOpen:
		if cb.trials >= cb.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.trials++
		return true, nil
	default:
		return false, nil
	}
}

// record books the outcome of an admitted call.
func (cb *CircuitBreaker) record(trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if errors.Is(err, context.Canceled) {
		if trial && cb.state == StateHalfOpen {
			cb.trials--
		}
		return
	}

	if trial {
		// The round may have ended while this trial was in flight.
		if cb.state != StateHalfOpen {
			return
		}
		if err != nil {
			cb.openLocked()
			return
		}
		cb.succeeded++
		if cb.succeeded >= cb.cfg.HalfOpenMax {
			cb.setLocked(StateClosed)
		}
		return
	}

	if err == nil {
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
		cb.openLocked()
	}
}

func (cb *CircuitBreaker) cooledLocked() bool {
	return cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

func (cb *CircuitBreaker) openLocked() {
	cb.openedAt = cb.cfg.Now()
	cb.setLocked(StateOpen)
}

// setLocked moves to state s and starts it with clean counters.
func (cb *CircuitBreaker) setLocked(s State) {
	from := cb.state
	cb.state = s
	cb.trials, cb.succeeded = 0, 0
	if s == StateClosed {
		cb.failures = 0
	}
	if from == s {
		return
	}
	if s == StateOpen {
		slog.Warn("circuit breaker opened", "backend", cb.cfg.Name, "from", from.String(), "failures", cb.failures)
		return
	}
	slog.Info("circuit breaker state changed", "backend", cb.cfg.Name, "from", from.String(), "to", s.String())
}

// State reports the breaker's state. An open breaker whose reset timeout
// has passed reports [StateHalfOpen]; the switch itself happens on the
// next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cooledLocked() {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setLocked(StateClosed)
}
