package transcript

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// maxUpdateBytes bounds a single board update body.
const maxUpdateBytes = 64 << 10

// clearedText is what a board shows right after a clear.
const clearedText = " "

// ErrEmptyText is returned by [Board.Update] for blank text.
var ErrEmptyText = errors.New("transcript: text cannot be empty")

// Board is an in-memory display of a running conversation.
//
// Text ending in [FinalSuffix] is appended to the settled conversation.
// Text containing [ClearCommand] resets it to a single space. Anything else is shown after
// the settled conversation as the utterance in progress, replacing the
// previous one.
//
// Board is safe for concurrent use.
type Board struct {
	mu      sync.RWMutex
	settled string
	shown   string

	anyOrigin bool
	origins   map[string]struct{}
}

// NewBoard creates an empty board. allowedOrigins lists the browser origins
// allowed to read it cross-origin; "*" allows any.
func NewBoard(allowedOrigins ...string) *Board {
	b := &Board{origins: make(map[string]struct{})}
	for _, o := range allowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			b.anyOrigin = true
			continue
		}
		if o != "" {
			b.origins[o] = struct{}{}
		}
	}
	return b
}

// Update applies one update to the board.
func (b *Board) Update(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case strings.HasSuffix(text, FinalSuffix):
		b.settled += text
		b.shown = b.settled
	case strings.Contains(text, ClearCommand):
		b.settled = ""
		b.shown = clearedText
	default:
		b.shown = b.settled + text
	}
	return nil
}

// Text returns what the board currently shows.
func (b *Board) Text() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.shown
}

// Handler serves POST /update-text with a text/plain body and
// GET /get-text.
func (b *Board) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /update-text", b.handleUpdate)
	mux.HandleFunc("GET /get-text", b.handleGet)
	return b.cors(mux)
}

func (b *Board) handleUpdate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUpdateBytes))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err := b.Update(string(body)); err != nil {
		http.Error(w, "Text cannot be empty.", http.StatusBadRequest)
		return
	}
	slog.Debug("board updated", "bytes", len(body))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "Text updated successfully.")
}

func (b *Board) handleGet(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.WriteString(w, b.Text())
}

func (b *Board) allowed(origin string) bool {
	if origin == "" {
		return false
	}
	if b.anyOrigin {
		return true
	}
	_, ok := b.origins[origin]
	return ok
}

func (b *Board) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		ok := b.allowed(origin)
		if ok {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if !ok {
				http.Error(w, "cors preflight not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
