// Package mock provides test doubles for the translation package interfaces.
//
// Use Provider to verify the SessionConfig a relay opens with and Session to
// script events and inspect the audio the relay pushed into recognition.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	sess.Emit(translation.Event{Kind: translation.EventPartial, ...})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/translation"
)

// StartSessionCall records a single invocation of Provider.StartSession.
type StartSessionCall struct {
	Cfg translation.SessionConfig
}

// Provider is a mock implementation of translation.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by StartSession. When nil a fresh Session is
	// created per call; it is then available via Sessions.
	Session *Session

	// StartSessionErr, if non-nil, is returned by StartSession.
	StartSessionErr error

	// StartSessionCalls records every call to StartSession.
	StartSessionCalls []StartSessionCall

	created []*Session
}

// StartSession records the call and returns Session or a new one.
func (p *Provider) StartSession(_ context.Context, cfg translation.SessionConfig) (translation.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartSessionCalls = append(p.StartSessionCalls, StartSessionCall{Cfg: cfg})
	if p.StartSessionErr != nil {
		return nil, p.StartSessionErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	s := NewSession()
	p.created = append(p.created, s)
	return s, nil
}

// Sessions returns the sessions created by StartSession when Session is nil.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.created))
	copy(out, p.created)
	return out
}

// CallCount returns the number of StartSession calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartSessionCalls)
}

var _ translation.Provider = (*Provider)(nil)

// Session is a mock implementation of translation.Session.
type Session struct {
	mu sync.Mutex

	// WriteErr, if non-nil, is returned by every Write call.
	WriteErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// Writes records a copy of every chunk passed to Write.
	Writes [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	events chan translation.Event
	closed bool
}

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan translation.Event, 64)}
}

// Write records the chunk and returns WriteErr.
func (s *Session) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return translation.ErrSessionClosed
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.Writes = append(s.Writes, cp)
	return s.WriteErr
}

// WriteCount returns the number of recorded writes. Thread-safe.
func (s *Session) WriteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Writes)
}

// Emit queues ev on the event channel. It is a no-op after Close.
func (s *Session) Emit(ev translation.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// Events returns the event channel.
func (s *Session) Events() <-chan translation.Event { return s.events }

// Close records the call, closes the event channel once, and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return s.CloseErr
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ translation.Session = (*Session)(nil)
