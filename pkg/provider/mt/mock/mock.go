// Package mock provides a test double for the mt.Translator interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/mt"
)

// Translator is a mock implementation of mt.Translator.
//
// By default it answers every request with Prefix + req.Text, which makes
// translated text easy to recognise in assertions.
type Translator struct {
	mu sync.Mutex

	// Prefix is prepended to the source text when Fn is nil.
	Prefix string

	// Fn, if set, computes the answer instead of Prefix.
	Fn func(req mt.Request) (string, error)

	// Err, if non-nil, is returned from every call.
	Err error

	// Calls records every request in order.
	Calls []mt.Request
}

var _ mt.Translator = (*Translator)(nil)

// Translate records the call and returns the configured answer.
func (t *Translator) Translate(_ context.Context, req mt.Request) (string, error) {
	t.mu.Lock()
	t.Calls = append(t.Calls, req)
	fn, prefix, err := t.Fn, t.Prefix, t.Err
	t.mu.Unlock()

	if err != nil {
		return "", err
	}
	if fn != nil {
		return fn(req)
	}
	return prefix + req.Text, nil
}

// CallCount returns the number of Translate calls. Thread-safe.
func (t *Translator) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Calls)
}

// Requests returns a copy of the recorded requests. Thread-safe.
func (t *Translator) Requests() []mt.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]mt.Request(nil), t.Calls...)
}
