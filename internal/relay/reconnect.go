package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/provider/translation"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ErrReconnectStopped is returned by [Reconnector.Connect] after Stop.
var ErrReconnectStopped = errors.New("relay: reconnector stopped")

// DialFunc opens a fresh recognition session.
type DialFunc func(ctx context.Context) (translation.Session, error)

// ReconnectConfig configures a [Reconnector].
type ReconnectConfig struct {
	// MaxRetries is the maximum number of reconnection attempts before giving
	// up. Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial backoff between retries. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff. Defaults to 30s if zero.
	MaxBackoff time.Duration
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	return c
}

// Reconnector keeps a leg's continuous recognition session alive.
//
// The engine obtains the first session with [Reconnector.Connect] and starts
// [Reconnector.Monitor]. When the session drops (its event stream closes
// early or the provider reports a recoverable cancellation) the engine calls
// [Reconnector.NotifyDisconnect]; the monitor then redials with exponential
// backoff, closes the dead session, and hands the new one to OnReconnect.
// OnGiveUp runs once the retries are exhausted.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	dial        DialFunc
	legID       string
	cfg         ReconnectConfig
	onReconnect func(translation.Session)
	onGiveUp    func(error)

	mu           sync.Mutex
	sess         translation.Session
	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{}
}

// NewReconnector creates a [Reconnector]. onReconnect and onGiveUp may be nil.
func NewReconnector(legID string, dial DialFunc, cfg ReconnectConfig, onReconnect func(translation.Session), onGiveUp func(error)) *Reconnector {
	return &Reconnector{
		dial:         dial,
		legID:        legID,
		cfg:          cfg.withDefaults(),
		onReconnect:  onReconnect,
		onGiveUp:     onGiveUp,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Connect opens the initial recognition session.
func (r *Reconnector) Connect(ctx context.Context) (translation.Session, error) {
	sess, err := r.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("relay: start recognition: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
		_ = sess.Close()
		return nil, ErrReconnectStopped
	default:
	}
	r.sess = sess
	return sess, nil
}

// Monitor starts watching for disconnect notifications in a background
// goroutine that ends with ctx or Stop.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect signals that the current session is gone. Safe to call
// multiple times; only the first call per reconnection cycle has effect.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// Stop halts monitoring and closes the current session. Idempotent.
func (r *Reconnector) Stop() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	sess := r.sess
	r.sess = nil
	r.mu.Unlock()

	if sess != nil {
		return sess.Close()
	}
	return nil
}

// Session returns the live recognition session, or nil while reconnecting
// or after Stop.
func (r *Reconnector) Session() translation.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess
}

func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.mu.Lock()
			old := r.sess
			r.sess = nil
			r.mu.Unlock()
			if old != nil {
				_ = old.Close()
			}
			r.attemptReconnect(ctx)
		}
	}
}

func (r *Reconnector) attemptReconnect(ctx context.Context) {
	backoff := r.cfg.Backoff
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		slog.Info("reconnecting recognition",
			"leg", r.legID,
			"attempt", attempt,
			"max_retries", r.cfg.MaxRetries,
		)

		sess, err := r.dial(ctx)
		if err == nil {
			r.mu.Lock()
			select {
			case <-r.done:
				r.mu.Unlock()
				_ = sess.Close()
				return
			default:
			}
			r.sess = sess
			r.mu.Unlock()

			slog.Info("recognition reconnected", "leg", r.legID, "attempt", attempt)
			if r.onReconnect != nil {
				r.onReconnect(sess)
			}
			return
		}
		lastErr = err

		slog.Warn("recognition reconnect failed",
			"leg", r.legID,
			"attempt", attempt,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}

	slog.Error("recognition reconnect gave up", "leg", r.legID, "max_retries", r.cfg.MaxRetries)
	if r.onGiveUp != nil {
		r.onGiveUp(fmt.Errorf("relay: reconnect after %d attempts: %w", r.cfg.MaxRetries, lastErr))
	}
}
