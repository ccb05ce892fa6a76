package session

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrInvalidKey is returned for an empty leg id.
	ErrInvalidKey = errors.New("session: invalid leg id")

	// ErrNotFound is returned by [Store.Lookup] for unknown leg ids.
	ErrNotFound = errors.New("session: not found")

	// ErrNotMember is returned by [Store.Attach] when the leg id does not
	// belong to the session being attached.
	ErrNotMember = errors.New("session: leg is not part of session")

	// ErrLegInUse is returned by [Store.Attach] when the leg id is already
	// bound to a different session.
	ErrLegInUse = errors.New("session: leg already attached to another session")
)

// Store maps leg ids to their [Session]. A paired session is reachable
// under both of its leg ids or under neither.
//
// All methods are safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	byLeg map[string]*Session
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{byLeg: make(map[string]*Session)}
}

// Attach registers s under legID. legID must be one of s's legs. When s is
// already paired and the peer id is not yet indexed, the peer is indexed in
// the same step. Attaching the same pair twice is a no-op.
func (st *Store) Attach(legID string, s *Session) error {
	if legID == "" {
		return ErrInvalidKey
	}
	if s == nil || s.Leg(legID) == nil {
		return fmt.Errorf("%w: %q", ErrNotMember, legID)
	}
	select {
	case <-s.Closed():
		return ErrClosed
	default:
	}

	keys := []string{legID}
	if peer := s.Peer(legID); peer != nil {
		keys = append(keys, peer.ID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for _, k := range keys {
		if cur, ok := st.byLeg[k]; ok && cur != s {
			return fmt.Errorf("%w: %q", ErrLegInUse, k)
		}
	}
	for _, k := range keys {
		st.byLeg[k] = s
	}
	return nil
}

// Join adds second to the session registered under firstID and indexes
// second.ID, holding the store lock across both steps so the pair becomes
// visible atomically.
func (st *Store) Join(firstID string, second *Leg) (*Session, error) {
	if firstID == "" || second == nil || second.ID == "" {
		return nil, ErrInvalidKey
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.byLeg[firstID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, firstID)
	}
	if cur, ok := st.byLeg[second.ID]; ok && cur != s {
		return nil, fmt.Errorf("%w: %q", ErrLegInUse, second.ID)
	}
	if err := s.join(second); err != nil {
		return nil, err
	}
	st.byLeg[second.ID] = s
	return s, nil
}

// Lookup returns the session registered under legID.
func (st *Store) Lookup(legID string) (*Session, error) {
	if legID == "" {
		return nil, ErrInvalidKey
	}
	st.mu.RLock()
	s, ok := st.byLeg[legID]
	st.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, legID)
	}
	return s, nil
}

// Detach removes the session under legID and under its paired leg's id in
// one step. It reports whether anything was removed; a second call for the
// same id returns false. Detach does not close the session.
func (st *Store) Detach(legID string) bool {
	if legID == "" {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.byLeg[legID]
	if !ok {
		return false
	}
	first, second := s.LegIDs()
	for _, k := range []string{legID, first, second} {
		if k != "" && st.byLeg[k] == s {
			delete(st.byLeg, k)
		}
	}
	return true
}

// Len returns the number of distinct sessions in the store.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	seen := make(map[*Session]struct{}, len(st.byLeg))
	for _, s := range st.byLeg {
		seen[s] = struct{}{}
	}
	return len(seen)
}

// Sessions returns a snapshot of every distinct session in the store.
func (st *Store) Sessions() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	seen := make(map[*Session]struct{}, len(st.byLeg))
	out := make([]*Session, 0, len(st.byLeg))
	for _, s := range st.byLeg {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Keys returns every indexed leg id. Intended for diagnostics and tests.
func (st *Store) Keys() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]string, 0, len(st.byLeg))
	for k := range st.byLeg {
		out = append(out, k)
	}
	return out
}
