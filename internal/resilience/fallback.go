package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no backend in a [FallbackGroup] could serve
// a request. It wraps every backend's error.
var ErrAllFailed = errors.New("resilience: all backends failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for each backend's breaker. Name is
	// replaced by the backend name.
	CircuitBreaker CircuitBreakerConfig

	// OnFailure, if set, is called for every failed backend call. Calls an
	// open breaker refused and calls abandoned by cancellation are not
	// reported.
	OnFailure func(backend string, err error)
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds backends of one kind in preference order. Backends
// are added while wiring, before the group serves requests.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
}

// NewFallbackGroup returns a group whose preferred backend is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a backend after those already registered.
func (fg *FallbackGroup[T]) AddFallback(name string, backend T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	fg.members = append(fg.members, member[T]{name: name, value: backend, breaker: NewCircuitBreaker(bc)})
}

// Execute runs fn against backends in order until one succeeds.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult runs fn against the backends of fg in order and returns
// the first successful result. Backends with an open breaker are skipped.
// A cancelled call stops the walk and its error is returned as is, since
// the caller is gone and no other backend would be heard either.
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for i := range fg.members {
		m := &fg.members[i]
		var out R
		err := m.breaker.Execute(func() error {
			var err error
			out, err = fn(m.value)
			return err
		})
		switch {
		case err == nil:
			if i > 0 {
				slog.Debug("served by fallback backend", "backend", m.name, "position", i)
			}
			return out, nil
		case errors.Is(err, context.Canceled):
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("skipping backend, circuit open", "backend", m.name)
		default:
			slog.Warn("backend failed, trying next", "backend", m.name, "err", err)
			if fg.cfg.OnFailure != nil {
				fg.cfg.OnFailure(m.name, err)
			}
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// Primary returns the preferred backend.
func (fg *FallbackGroup[T]) Primary() T {
	return fg.members[0].value
}

// Names returns the backend names in preference order.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.members))
	for i, m := range fg.members {
		names[i] = m.name
	}
	return names
}

// States returns each backend's breaker state keyed by backend name.
func (fg *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(fg.members))
	for _, m := range fg.members {
		out[m.name] = m.breaker.State()
	}
	return out
}

// Available reports whether any backend's breaker would admit a call.
func (fg *FallbackGroup[T]) Available() bool {
	for _, m := range fg.members {
		if m.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}
