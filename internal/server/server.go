// Package server is the signaling surface of the relay: it accepts the two
// websocket legs of a call, pairs them through the session store, and runs
// one relay engine per leg until either side hangs up.
//
// Routes:
//
//   - GET /ws/caller: the caller leg. Its id comes from the
//     x-ms-call-connection-id header, the "leg" query parameter, or a new
//     uuid.
//   - GET /ws/agent?peer=<caller leg id>: the agent leg joining a caller.
//   - GET /sessions: JSON snapshot of the active sessions.
//   - GET /healthz, GET /readyz: liveness and readiness.
//   - GET /metrics: Prometheus exposition of the OpenTelemetry metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/relay"
	"github.com/MrWong99/parley/internal/session"
)

// DefaultPairTimeout bounds how long a leg waits for its peer to connect.
const DefaultPairTimeout = 30 * time.Second

// ConnectionIDHeader carries the telephony platform's call connection id.
const ConnectionIDHeader = "x-ms-call-connection-id"

// ErrDraining is returned to legs that connect after shutdown began.
var ErrDraining = errors.New("server: draining")

// Engine is a running relay for one leg. [relay.Engine] implements it.
type Engine interface {
	Start(ctx context.Context) error
	Stop()
	Done() <-chan struct{}
}

var _ Engine = (*relay.Engine)(nil)

// BuildFunc creates the engine relaying leg: in carries leg's own audio and
// out is the peer's transport.
type BuildFunc func(ctx context.Context, leg, peer *session.Leg, in, out relay.Transport) (Engine, error)

// Profile is the per-role leg settings applied when a leg connects.
type Profile struct {
	SourceLanguage string
	TargetLanguage string
	Voice          string
}

// ProfileFunc returns the settings for a newly connected leg. It is called
// on every connection so configuration reloads reach new calls.
type ProfileFunc func(role session.Role) Profile

// Option is a functional option for [New].
type Option func(*Server)

// WithPairTimeout sets how long a leg waits for its peer. Default: 30s.
func WithPairTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pairTimeout = d
		}
	}
}

// WithProfiles sets the per-role leg settings.
func WithProfiles(p ProfileFunc) Option {
	return func(s *Server) { s.profiles = p }
}

// WithHealth serves /healthz and /readyz from h. Shutdown marks it draining.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics records server metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithOriginPatterns allows browser origins matching patterns to open legs.
// Telephony platforms send no Origin header and need no pattern.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = append(s.origins, patterns...) }
}

// Server accepts call legs and relays them. Create it with [New] and mount
// [Server.Handler] on an [http.Server].
type Server struct {
	store       *session.Store
	build       BuildFunc
	profiles    ProfileFunc
	health      *health.Handler
	metrics     *observe.Metrics
	log         *slog.Logger
	pairTimeout time.Duration
	origins     []string

	// base outlives individual requests; hijacked websocket handlers are
	// not cancelled by http.Server.Shutdown.
	base   context.Context
	cancel context.CancelFunc

	draining atomic.Bool
	legs     sync.WaitGroup
}

// New creates a server that registers sessions in store and builds relay
// engines with build.
func New(store *session.Store, build BuildFunc, opts ...Option) *Server {
	s := &Server{
		store:       store,
		build:       build,
		profiles:    func(session.Role) Profile { return Profile{} },
		pairTimeout: DefaultPairTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.health == nil {
		s.health = health.New()
	}
	s.base, s.cancel = context.WithCancel(context.Background())
	return s
}

// Handler returns the server's routes wrapped in tracing and metrics
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/caller", s.handleCaller)
	mux.HandleFunc("GET /ws/agent", s.handleAgent)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.health.Register(mux)

	return observe.Middleware(s.metrics)(mux)
}

// Shutdown stops accepting legs, hangs up every active call, and waits for
// the leg handlers to return or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	s.health.SetDraining(true)

	var errs []error
	for _, sess := range s.store.Sessions() {
		first, _ := sess.LegIDs()
		s.store.Detach(first)
		if err := sess.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.legs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

// Store returns the session store.
func (s *Server) Store() *session.Store { return s.store }

// ── /sessions ─────────────────────────────────────────────────────────────────

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.store.Sessions()
	infos := make([]session.Info, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	slices.SortFunc(infos, func(a, b session.Info) int { return a.CreatedAt.Compare(b.CreatedAt) })

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(struct {
		Count    int            `json:"count"`
		Sessions []session.Info `json:"sessions"`
	}{len(infos), infos}); err != nil {
		s.log.Warn("encode sessions", "err", err)
	}
}
