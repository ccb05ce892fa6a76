// Package cascade implements a translation provider out of two stages: a
// streaming speech recogniser followed by a text translator.
//
// Every partial transcript is translated so the relay can start speaking a
// sentence before the caller has finished the utterance. When partials arrive
// faster than the translator answers, only the newest one is translated; the
// final transcript of an utterance is always translated.
//
//	rec, _ := deepgram.New(key)
//	tr, _ := openai.New(key, "gpt-4o-mini")
//	p := cascade.New(rec, tr)
//	sess, _ := p.StartSession(ctx, translation.SessionConfig{...})
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/provider/mt"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/translation"
)

const (
	// defaultEventBuf is the buffer depth of a session's event channel.
	defaultEventBuf = 64

	// Final result reasons.
	ReasonTranslated = "translated"
	ReasonNoMatch    = "no_match"
	ReasonFailed     = "translation_failed"

	// Cancellation reasons.
	ReasonError = "error"
)

// Provider implements [translation.Provider] by cascading an STT session into
// a machine translator.
type Provider struct {
	stt      stt.Provider
	mt       mt.Translator
	keywords []stt.KeywordBoost
	interval time.Duration
	logger   *slog.Logger
}

var _ translation.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithKeywords passes vocabulary hints to every recognition session.
func WithKeywords(kws []stt.KeywordBoost) Option {
	return func(p *Provider) { p.keywords = kws }
}

// WithPartialInterval sets the minimum gap between two partial translations
// of the same leg. Zero translates every partial the translator can keep up
// with.
func WithPartialInterval(d time.Duration) Option {
	return func(p *Provider) { p.interval = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New constructs a cascade Provider.
func New(rec stt.Provider, tr mt.Translator, opts ...Option) *Provider {
	p := &Provider{stt: rec, mt: tr, logger: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// StartSession opens a recognition stream and starts translating its results
// into cfg.TargetLanguage.
func (p *Provider) StartSession(ctx context.Context, cfg translation.SessionConfig) (translation.Session, error) {
	if cfg.TargetLanguage == "" {
		return nil, errors.New("cascade: target language must not be empty")
	}

	lang := cfg.SourceLanguage
	if cfg.AutoDetectSource() {
		lang = ""
	}
	h, err := p.stt.StartStream(ctx, stt.StreamConfig{
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		Language:   lang,
		Keywords:   p.keywords,
	})
	if err != nil {
		return nil, fmt.Errorf("cascade: start recognition: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		p:      p,
		cfg:    cfg,
		handle: h,
		events: make(chan translation.Event, defaultEventBuf),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    runCtx,
		cancel: cancel,
		log:    p.logger.With("target", cfg.TargetLanguage),
	}
	s.stopWatch = context.AfterFunc(ctx, func() { _ = s.Close() })

	s.events <- translation.Event{Kind: translation.EventSessionStarted, Language: lang}
	go s.run()
	return s, nil
}

// session is one live cascade. It implements [translation.Session].
type session struct {
	p      *Provider
	cfg    translation.SessionConfig
	handle stt.SessionHandle
	events chan translation.Event
	log    *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch func() bool

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}

	// Owned by run.
	lastPartial string
	lastAt      time.Time
}

var _ translation.Session = (*session)(nil)

// Write forwards PCM to the recogniser.
func (s *session) Write(pcm []byte) error {
	select {
	case <-s.closed:
		return translation.ErrSessionClosed
	default:
	}
	if err := s.handle.SendAudio(pcm); err != nil {
		return fmt.Errorf("cascade: send audio: %w", err)
	}
	return nil
}

// Events returns the event stream.
func (s *session) Events() <-chan translation.Event { return s.events }

// Close ends recognition and waits for the event stream to close.
func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stopWatch()
		close(s.closed)
		s.cancel()
		err = s.handle.Close()
		<-s.done
	})
	return err
}

func (s *session) run() {
	defer close(s.done)
	defer close(s.events)

	partials, finals := s.handle.Partials(), s.handle.Finals()
	for partials != nil || finals != nil {
		select {
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			// Partials still queued describe the utterance that just settled.
			if partials != nil {
				latest(stt.Transcript{}, partials)
			}
			s.final(t)
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			s.partial(latest(t, partials))
		case <-s.closed:
			s.emit(translation.Event{Kind: translation.EventSessionStopped})
			return
		}
	}

	select {
	case <-s.closed:
	default:
		s.emit(translation.Event{
			Kind:        translation.EventCanceled,
			Reason:      ReasonError,
			Details:     "recognition stream ended",
			Recoverable: true,
		})
	}
	s.emit(translation.Event{Kind: translation.EventSessionStopped})
}

// latest returns the newest transcript already queued behind t.
func latest(t stt.Transcript, ch <-chan stt.Transcript) stt.Transcript {
	for {
		select {
		case next, ok := <-ch:
			if !ok {
				return t
			}
			t = next
		default:
			return t
		}
	}
}

func (s *session) partial(t stt.Transcript) {
	text := strings.TrimSpace(t.Text)
	if text == "" || text == s.lastPartial {
		return
	}
	if s.p.interval > 0 && !s.lastAt.IsZero() && time.Since(s.lastAt) < s.p.interval {
		return
	}
	out, err := s.translate(text, t.Language)
	if err != nil {
		s.log.Debug("partial translation failed", "err", err)
		return
	}
	s.lastPartial, s.lastAt = text, time.Now()
	s.emit(translation.Event{
		Kind:         translation.EventPartial,
		SourceText:   text,
		Translations: map[string]string{s.cfg.TargetLanguage: out},
		Language:     s.language(t),
	})
}

func (s *session) final(t stt.Transcript) {
	s.lastPartial, s.lastAt = "", time.Time{}

	text := strings.TrimSpace(t.Text)
	ev := translation.Event{Kind: translation.EventFinal, SourceText: text, Language: s.language(t)}
	if text == "" {
		ev.Reason = ReasonNoMatch
		s.emit(ev)
		return
	}
	out, err := s.translate(text, t.Language)
	if err != nil {
		s.log.Warn("final translation failed", "err", err)
		ev.Reason = ReasonFailed
		ev.Details = err.Error()
		s.emit(ev)
		return
	}
	ev.Reason = ReasonTranslated
	ev.Translations = map[string]string{s.cfg.TargetLanguage: out}
	s.emit(ev)
}

func (s *session) translate(text, detected string) (string, error) {
	from := s.cfg.SourceLanguage
	if s.cfg.AutoDetectSource() {
		from = detected
	}
	return s.p.mt.Translate(s.ctx, mt.Request{Text: text, From: from, To: s.cfg.TargetLanguage})
}

func (s *session) language(t stt.Transcript) string {
	if t.Language != "" {
		return t.Language
	}
	if s.cfg.AutoDetectSource() {
		return ""
	}
	return s.cfg.SourceLanguage
}

// emit delivers ev unless the session is closing and the consumer is gone.
func (s *session) emit(ev translation.Event) {
	select {
	case s.events <- ev:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}
