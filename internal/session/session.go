// Package session pairs the two legs of a translated call into one
// addressable [Session] and keeps the leg-id index consistent.
//
// A Session is created when the first leg (usually the caller) connects and
// becomes paired when the second leg joins it. The [Store] indexes a session
// under each of its leg ids; detaching either id removes both in one step so
// that no caller ever observes a half-registered pair.
//
// The package owns no audio logic. Legs carry their transport and relay only
// as [io.Closer] / [Stopper] handles so that teardown can reach them.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role tags a leg for diagnostics and transcript labelling.
type Role string

const (
	RoleCaller Role = "caller"
	RoleAgent  Role = "agent"
)

var (
	// ErrAlreadyPaired is returned by [Store.Join] when both slots are taken.
	ErrAlreadyPaired = errors.New("session: already paired")

	// ErrDuplicateLeg is returned by [Store.Join] when the joining leg has
	// the same id as the first leg.
	ErrDuplicateLeg = errors.New("session: duplicate leg id")

	// ErrClosed is returned when operating on a session that was torn down.
	ErrClosed = errors.New("session: closed")
)

// Stopper is anything with an idempotent Stop, typically the leg's relay
// engine.
type Stopper interface {
	Stop()
}

// Leg is one side of the call. Conn and Relay are set by the signaling
// layer once the transport is accepted and the relay engine is built; both
// may be nil while the leg is still being wired.
type Leg struct {
	ID             string
	Role           Role
	SourceLanguage string
	TargetLanguage string
	Voice          string

	mu    sync.Mutex
	conn  io.Closer
	relay Stopper
}

// Bind attaches the leg's transport and relay handles. Either may be nil.
func (l *Leg) Bind(conn io.Closer, relay Stopper) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if conn != nil {
		l.conn = conn
	}
	if relay != nil {
		l.relay = relay
	}
}

// Conn returns the leg's bound transport, or nil before [Leg.Bind].
func (l *Leg) Conn() io.Closer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

// teardown stops the relay and closes the transport.
func (l *Leg) teardown() error {
	l.mu.Lock()
	conn, relay := l.conn, l.relay
	l.mu.Unlock()

	if relay != nil {
		relay.Stop()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Session is a paired correlation of exactly two legs.
//
// All methods are safe for concurrent use.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu     sync.Mutex
	first  *Leg
	second *Leg

	paired    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewSession creates an unpaired session around its first leg.
func NewSession(first *Leg) *Session {
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		first:     first,
		paired:    make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

// join adds the second leg and releases every [Session.WaitPaired] caller.
// Callers pair a stored session through [Store.Join] so both leg ids are
// indexed in the same step.
func (s *Session) join(second *Leg) error {
	if second == nil || second.ID == "" {
		return fmt.Errorf("session: join: %w", ErrInvalidKey)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	if s.second != nil {
		return ErrAlreadyPaired
	}
	if s.first.ID == second.ID {
		return ErrDuplicateLeg
	}
	s.second = second
	close(s.paired)
	return nil
}

// Paired returns a channel that is closed once the second leg has joined.
func (s *Session) Paired() <-chan struct{} { return s.paired }

// Closed returns a channel that is closed once the session is torn down.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// IsPaired reports whether both legs are present.
func (s *Session) IsPaired() bool {
	select {
	case <-s.paired:
		return true
	default:
		return false
	}
}

// WaitPaired blocks until the second leg joins, the session is closed, or
// ctx is done.
func (s *Session) WaitPaired(ctx context.Context) error {
	select {
	case <-s.paired:
		return nil
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("session: wait for paired leg: %w", ctx.Err())
	}
}

// Leg returns the leg with the given id, or nil.
func (s *Session) Leg(id string) *Leg {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.first != nil && s.first.ID == id:
		return s.first
	case s.second != nil && s.second.ID == id:
		return s.second
	}
	return nil
}

// Peer returns the leg paired with id, or nil when id is unknown or the
// session is not paired yet.
func (s *Session) Peer(id string) *Leg {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.first == nil || s.second == nil {
		return nil
	}
	switch id {
	case s.first.ID:
		return s.second
	case s.second.ID:
		return s.first
	}
	return nil
}

// LegIDs returns the ids of both legs. The second is empty while unpaired.
func (s *Session) LegIDs() (first, second string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.first != nil {
		first = s.first.ID
	}
	if s.second != nil {
		second = s.second.ID
	}
	return first, second
}

// Close stops both legs' relays and closes both transports. It is
// idempotent; every call returns the result of the first.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		legs := []*Leg{s.first, s.second}
		close(s.closed)
		s.mu.Unlock()

		var errs []error
		for _, l := range legs {
			if l == nil {
				continue
			}
			if err := l.teardown(); err != nil {
				errs = append(errs, fmt.Errorf("leg %s: %w", l.ID, err))
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Info is a point-in-time view of a session for diagnostics.
type Info struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Legs      []LegInfo `json:"legs"`
	Paired    bool      `json:"paired"`
}

// LegInfo describes one leg in an [Info].
type LegInfo struct {
	ID             string `json:"id"`
	Role           Role   `json:"role"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{ID: s.ID, CreatedAt: s.CreatedAt}
	for _, l := range []*Leg{s.first, s.second} {
		if l == nil {
			continue
		}
		info.Legs = append(info.Legs, LegInfo{
			ID:             l.ID,
			Role:           l.Role,
			SourceLanguage: l.SourceLanguage,
			TargetLanguage: l.TargetLanguage,
		})
	}
	info.Paired = s.second != nil
	return info
}
