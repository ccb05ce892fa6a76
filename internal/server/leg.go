package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/relay"
	"github.com/MrWong99/parley/internal/session"
)

// legIDFrom resolves the id of a connecting leg.
func legIDFrom(r *http.Request) string {
	if id := r.Header.Get(ConnectionIDHeader); id != "" {
		return id
	}
	if id := r.URL.Query().Get("leg"); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) handleCaller(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, ErrDraining.Error(), http.StatusServiceUnavailable)
		return
	}
	id := legIDFrom(r)
	if _, err := s.store.Lookup(id); err == nil {
		http.Error(w, fmt.Sprintf("leg %q is already connected", id), http.StatusConflict)
		return
	}

	t, ok := s.accept(w, r)
	if !ok {
		return
	}
	leg := s.newLeg(id, session.RoleCaller, t)
	sess := session.NewSession(leg)
	if err := s.store.Attach(id, sess); err != nil {
		s.log.Warn("caller rejected", "leg", id, "err", err)
		t.reject(websocket.StatusTryAgainLater, "leg already connected")
		return
	}
	s.log.Info("caller connected", "leg", id, "session", sess.ID)
	s.runLeg(r.Context(), leg, sess, t)
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, ErrDraining.Error(), http.StatusServiceUnavailable)
		return
	}
	peer := r.URL.Query().Get("peer")
	if peer == "" {
		http.Error(w, "missing peer query parameter", http.StatusBadRequest)
		return
	}
	sess, err := s.store.Lookup(peer)
	if err != nil {
		http.Error(w, fmt.Sprintf("no call for leg %q", peer), http.StatusNotFound)
		return
	}
	if sess.IsPaired() {
		http.Error(w, fmt.Sprintf("call for leg %q is already paired", peer), http.StatusConflict)
		return
	}

	id := legIDFrom(r)
	t, ok := s.accept(w, r)
	if !ok {
		return
	}
	leg := s.newLeg(id, session.RoleAgent, t)
	if sess, err = s.store.Join(peer, leg); err != nil {
		s.log.Warn("agent rejected", "leg", id, "peer", peer, "err", err)
		t.reject(websocket.StatusTryAgainLater, "cannot join call")
		return
	}
	s.log.Info("agent connected", "leg", id, "peer", peer, "session", sess.ID)
	s.runLeg(r.Context(), leg, sess, t)
}

// accept upgrades the request. On failure the response has been written.
func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*Transport, bool) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "path", r.URL.Path, "err", err)
		return nil, false
	}
	return NewTransport(conn), true
}

func (s *Server) newLeg(id string, role session.Role, t *Transport) *session.Leg {
	p := s.profiles(role)
	leg := &session.Leg{
		ID:             id,
		Role:           role,
		SourceLanguage: p.SourceLanguage,
		TargetLanguage: p.TargetLanguage,
		Voice:          p.Voice,
	}
	leg.Bind(t, nil)
	return leg
}

// runLeg waits for the peer, runs the leg's engine, and tears the whole call
// down when the engine ends or the peer hangs up. The leg's span joins the
// trace of the upgrade request rctx.
func (s *Server) runLeg(rctx context.Context, leg *session.Leg, sess *session.Session, t *Transport) {
	s.legs.Add(1)
	defer s.legs.Done()

	ctx, cancel := context.WithCancel(observe.WithSpanOf(s.base, rctx))
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "relay.leg", trace.WithAttributes(
		attribute.String("parley.leg", leg.ID),
		attribute.String("parley.role", string(leg.Role)),
		attribute.String("parley.session", sess.ID),
	))
	defer span.End()

	roleAttr := metric.WithAttributes(observe.Attr("role", string(leg.Role)))
	s.metrics.ActiveLegs.Add(ctx, 1, roleAttr)
	defer s.metrics.ActiveLegs.Add(context.Background(), -1, roleAttr)

	log := observe.Logger(ctx, s.log).With("leg", leg.ID, "role", string(leg.Role), "session", sess.ID)
	defer func() {
		s.store.Detach(leg.ID)
		if err := sess.Close(); err != nil {
			log.Debug("session close", "err", err)
		}
	}()

	wctx, wcancel := context.WithTimeout(ctx, s.pairTimeout)
	err := sess.WaitPaired(wctx)
	wcancel()
	if err != nil {
		if !errors.Is(err, session.ErrClosed) {
			log.Warn("peer did not connect", "timeout", s.pairTimeout, "err", err)
			t.reject(websocket.StatusTryAgainLater, "peer did not connect")
		}
		return
	}

	peer := sess.Peer(leg.ID)
	if peer == nil {
		log.Error("paired session has no peer")
		return
	}
	out, ok := peer.Conn().(relay.Transport)
	if !ok {
		log.Error("peer has no transport")
		return
	}

	eng, err := s.build(ctx, leg, peer, t, out)
	if err != nil {
		log.Error("build relay", "err", err)
		return
	}
	leg.Bind(nil, eng)
	select {
	case <-sess.Closed():
		// Torn down while building; Close ran before the engine was bound.
		eng.Stop()
		return
	default:
	}

	if err := eng.Start(ctx); err != nil {
		log.Error("start relay", "err", err)
		eng.Stop()
		return
	}
	if leg.Role == session.RoleCaller {
		s.metrics.ActiveSessions.Add(ctx, 1)
		defer s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	log.Info("leg relaying", "peer", peer.ID, "source", leg.SourceLanguage, "target", leg.TargetLanguage)

	select {
	case <-eng.Done():
		log.Info("leg ended")
	case <-sess.Closed():
		log.Info("peer hung up")
	case <-ctx.Done():
	}
}
