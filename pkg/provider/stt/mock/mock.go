// Package mock provides test doubles for the stt package.
//
// A [Session] stands in for a live recogniser: tests push transcripts into
// it and inspect the audio it was fed.
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	sess.PushPartial(stt.Transcript{Text: "Guten"})
//	sess.PushFinal(stt.Transcript{Text: "Guten Morgen."})
//	sess.End() // the recogniser hung up
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

// ErrClosed is returned by SendAudio after Close.
var ErrClosed = errors.New("mock: stt session closed")

// StartStreamCall records one StartStream invocation.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider is a scripted [stt.Provider].
type Provider struct {
	mu sync.Mutex

	// Session is returned by every StartStream. Nil means a fresh
	// [NewSession] per call.
	Session *Session

	// StartStreamErr, if set, fails every StartStream.
	StartStreamErr error

	StartStreamCalls []StartStreamCall
}

var _ stt.Provider = (*Provider)(nil)

// StartStream records the call and returns Session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// CallCount returns the number of StartStream calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Session is a scripted [stt.SessionHandle].
type Session struct {
	SendAudioErr   error
	SetKeywordsErr error
	CloseErr       error

	mu         sync.Mutex
	audio      [][]byte
	keywords   [][]stt.KeywordBoost
	closeCalls int
	closed     bool
	ended      bool
	partials   chan stt.Transcript
	finals     chan stt.Transcript
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession returns a session with room for 64 queued transcripts of
// each kind.
func NewSession() *Session {
	return &Session{
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
	}
}

// PushPartial queues an interim transcript. No-op once the session ended.
func (s *Session) PushPartial(t stt.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		t.IsFinal = false
		s.partials <- t
	}
}

// PushFinal queues a settled transcript. No-op once the session ended.
func (s *Session) PushFinal(t stt.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		t.IsFinal = true
		s.finals <- t
	}
}

// End closes both transcript channels as a recogniser does when its
// stream drops. Safe to call more than once.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked()
}

func (s *Session) endLocked() {
	if s.ended {
		return
	}
	s.ended = true
	close(s.partials)
	close(s.finals)
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.audio = append(s.audio, append([]byte(nil), chunk...))
	return nil
}

// Partials implements [stt.SessionHandle].
func (s *Session) Partials() <-chan stt.Transcript { return s.partials }

// Finals implements [stt.SessionHandle].
func (s *Session) Finals() <-chan stt.Transcript { return s.finals }

// SetKeywords records the keyword list.
func (s *Session) SetKeywords(keywords []stt.KeywordBoost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SetKeywordsErr != nil {
		return s.SetKeywordsErr
	}
	s.keywords = append(s.keywords, append([]stt.KeywordBoost(nil), keywords...))
	return nil
}

// Close ends the session and returns CloseErr on every call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	s.closed = true
	s.endLocked()
	return s.CloseErr
}

// Audio returns the chunks accepted by SendAudio.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

// SendAudioCount returns the number of accepted SendAudio calls.
func (s *Session) SendAudioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

// Keywords returns every keyword list passed to SetKeywords.
func (s *Session) Keywords() [][]stt.KeywordBoost {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]stt.KeywordBoost(nil), s.keywords...)
}

// CloseCount returns the number of Close calls.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}
