package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] looks at the config file.
const DefaultWatchInterval = 5 * time.Second

// Watcher follows a config file while the relay runs. Each new revision
// that parses and validates becomes current and is handed to the change
// callback; a broken revision is logged and the previous config stays in
// force.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	kick     chan struct{}

	mu      sync.Mutex
	current *Config
	raw     []byte // last contents read, valid or not
	modTime time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and returns a watcher holding it as the current
// config. Polling starts with [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	cfg, err := parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.raw, w.modTime = cfg, raw, info.ModTime()
	return w, nil
}

// Current returns the config most recently adopted.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload asks a running watcher to re-read the file now, even if its
// modification time has not moved. Requests made while one is pending
// are merged.
func (w *Watcher) Reload() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run polls the file until ctx is done. It always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.check(false)
		case <-w.kick:
			w.check(true)
		}
	}
}

// check re-reads the file when it looks modified (or when forced) and
// adopts it if its contents differ and are valid. It reports whether a
// new config was adopted.
func (w *Watcher) check(force bool) bool {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config reload: cannot stat file", "path", w.path, "err", err)
		return false
	}

	w.mu.Lock()
	stale := force || !info.ModTime().Equal(w.modTime)
	w.mu.Unlock()
	if !stale {
		return false
	}

	raw, err := os.ReadFile(w.path)
	if err != nil {
		slog.Warn("config reload: cannot read file", "path", w.path, "err", err)
		return false
	}

	w.mu.Lock()
	w.modTime = info.ModTime()
	if bytes.Equal(raw, w.raw) {
		w.mu.Unlock()
		return false
	}
	w.raw = raw
	w.mu.Unlock()

	cfg, err := parse(raw)
	if err != nil {
		slog.Warn("config reload rejected, keeping previous config", "path", w.path, "err", err)
		return false
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	slog.Info("config reloaded", "path", w.path)
	// Outside the lock so the callback may call Current.
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true
}
