// Package app wires the Parley subsystems into a running relay.
//
// The App struct owns the full lifecycle: New builds the recognition
// cascade, transcript sink and signaling server around the configured
// providers, Run serves call legs until the context ends, and Shutdown
// hangs up active calls and tears everything down in order.
//
// For testing, inject doubles through [Providers] and the functional
// options (WithSink, WithMetrics, ...).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/relay"
	"github.com/MrWong99/parley/internal/server"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/provider/translation"
	"github.com/MrWong99/parley/pkg/provider/translation/cascade"
)

// App owns all subsystem lifetimes of the relay.
type App struct {
	cfg       atomic.Pointer[config.Config]
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	recognizer translation.Provider
	sink       transcript.Sink
	metrics    *observe.Metrics
	health     *health.Handler
	store      *session.Store
	server     *server.Server
	httpSrv    *http.Server
	level      *slog.LevelVar

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSink injects a transcript sink instead of creating one from config.
func WithSink(s transcript.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets configuration reloads change the log level.
func WithLogLevel(l *slog.LevelVar) Option {
	return func(a *App) { a.level = l }
}

// WithRecognizer replaces the STT+MT cascade with another translation
// provider.
func WithRecognizer(p translation.Provider) Option {
	return func(a *App) { a.recognizer = p }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from [BuildProviders] (or test doubles).
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.TTS == nil {
		return nil, errors.New("app: a tts provider is required")
	}
	a := &App{providers: providers}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Recognition cascade ───────────────────────────────────────────
	if a.recognizer == nil {
		if providers.STT == nil || providers.MT == nil {
			return nil, errors.New("app: stt and mt providers are required")
		}
		a.recognizer = cascade.New(providers.STT, providers.MT,
			cascade.WithKeywords(cfg.Recognition.KeywordBoosts()),
			cascade.WithPartialInterval(cfg.Recognition.PartialInterval),
		)
	}

	// ── 2. Transcript sink ───────────────────────────────────────────────
	if err := a.initSink(cfg.Transcript); err != nil {
		return nil, fmt.Errorf("app: init transcript: %w", err)
	}

	// ── 3. Signaling server ──────────────────────────────────────────────
	a.health = health.New(providers.Checks...)
	a.store = session.NewStore()
	a.server = server.New(a.store, a.buildEngine,
		server.WithPairTimeout(cfg.Relay.PairTimeout),
		server.WithProfiles(a.profile),
		server.WithHealth(a.health),
		server.WithMetrics(a.metrics),
	)
	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// initSink creates the HTTP transcript sink unless one was injected.
func (a *App) initSink(tc config.TranscriptConfig) error {
	if a.sink != nil {
		return nil
	}
	if tc.BoardURL == "" {
		a.sink = transcript.Nop{}
		return nil
	}
	var opts []transcript.HTTPSinkOption
	if tc.QueueSize > 0 {
		opts = append(opts, transcript.WithQueueSize(tc.QueueSize))
	}
	s, err := transcript.NewHTTPSink(tc.BoardURL, opts...)
	if err != nil {
		return err
	}
	a.sink = s
	a.closers = append(a.closers, s.Close)
	slog.Info("transcript board enabled", "url", tc.BoardURL)
	return nil
}

// ─── Legs ────────────────────────────────────────────────────────────────────

// legConfig returns the configuration of role and of its peer.
func legConfig(cfg *config.Config, role session.Role) (self, peer config.LegConfig) {
	if role == session.RoleAgent {
		return cfg.Legs.Agent, cfg.Legs.Caller
	}
	return cfg.Legs.Caller, cfg.Legs.Agent
}

// profile maps a connecting leg to its languages. A leg's speech is
// translated into the language its peer speaks.
func (a *App) profile(role session.Role) server.Profile {
	self, peer := legConfig(a.cfg.Load(), role)
	return server.Profile{
		SourceLanguage: self.SourceLanguage(),
		TargetLanguage: peer.Language,
		Voice:          self.Voice.VoiceID,
	}
}

// buildEngine creates the relay engine for leg. Settings are read from the
// current configuration so reloads apply to new calls.
func (a *App) buildEngine(_ context.Context, leg, _ *session.Leg, in, out relay.Transport) (server.Engine, error) {
	cfg := a.cfg.Load()
	self, _ := legConfig(cfg, leg.Role)
	rc := cfg.Relay

	return relay.New(relay.Config{
		LegID:           leg.ID,
		Role:            string(leg.Role),
		SourceLanguage:  leg.SourceLanguage,
		TargetLanguage:  leg.TargetLanguage,
		Voice:           self.VoiceProfile(cfg.Providers.TTS.Name, leg.TargetLanguage),
		Format:          rc.Format(),
		SynthesisFormat: a.providers.SynthesisFormat,
		EchoAttenuation: rc.EchoAttenuation,
		ReceiveTimeout:  rc.ReceiveTimeout,
		WriteTimeout:    rc.WriteTimeout,
		SentenceMarks:   rc.SentenceMarks,
		SegmentQueue:    rc.SegmentQueue,
		Reconnect:       rc.ReconnectConfig(),
	}, in, out, a.recognizer, a.providers.TTS,
		relay.WithMetrics(a.metrics),
		relay.WithSink(a.sink),
	)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves call legs until ctx is
// cancelled. It returns ctx's error on cancellation.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.httpSrv.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves call legs on ln until ctx is cancelled.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	tls := a.cfg.Load().Server.TLS
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls != nil {
			err = a.httpSrv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.Serve(ln)
		}
		errCh <- err
	}()
	slog.Info("relay listening", "addr", ln.Addr().String(), "tls", tls != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Handler returns the relay's HTTP routes.
func (a *App) Handler() http.Handler { return a.httpSrv.Handler }

// Store returns the session store.
func (a *App) Store() *session.Store { return a.store }

// Config returns the configuration new calls are built from.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig adopts a reloaded configuration. Leg, relay, and log level
// changes take effect for calls that start afterwards; sections bound at
// startup are only reported.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(LogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	for _, ld := range d.LegChanges {
		slog.Info("leg settings changed", "role", ld.Role,
			"language", ld.LanguageChanged,
			"auto_detect", ld.AutoDetectChanged,
			"voice", ld.VoiceChanged,
		)
	}
	if d.RelayChanged {
		slog.Info("relay settings changed; applies to new calls")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration changes need a restart", "sections", d.RestartRequired)
	}
	a.cfg.Store(new)
}

// LogLevel maps a configured level to its slog level.
func LogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown hangs up every active call, stops the HTTP server, and runs the
// closers. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.store.Len(), "closers", len(a.closers))

		// Hang up calls first so readiness flips before the listener closes.
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("relay shutdown error", "err", err)
		}
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
