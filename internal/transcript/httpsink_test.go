package transcript

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   Entry
		want string
	}{
		{"partial", Entry{Role: "caller", Text: "Hallo"}, "caller: Hallo"},
		{"final", Entry{Role: "agent", Text: "Hi.", Final: true}, "agent: Hi.\n\n"},
		{"no role", Entry{Text: " Hi "}, "Hi"},
		{"blank", Entry{Role: "caller", Text: "  "}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Format(tc.in); got != tc.want {
				t.Errorf("Format() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewHTTPSink_InvalidURL(t *testing.T) {
	t.Parallel()

	for _, u := range []string{"", "board", "://nope"} {
		if _, err := NewHTTPSink(u); err == nil {
			t.Errorf("NewHTTPSink(%q) succeeded, want error", u)
		}
	}
}

func TestHTTPSink_DeliversToBoard(t *testing.T) {
	t.Parallel()

	board := NewBoard()
	srv := httptest.NewServer(board.Handler())
	t.Cleanup(srv.Close)

	sink, err := NewHTTPSink(srv.URL + "/")
	if err != nil {
		t.Fatalf("NewHTTPSink: %v", err)
	}
	ctx := context.Background()
	entries := []Entry{
		{Role: "caller", Text: "Guten"},
		{Role: "caller", Text: "Guten Morgen.", Final: true},
		{Role: "agent", Text: "Good"},
	}
	for _, e := range entries {
		if err := sink.Post(ctx, e); err != nil {
			t.Fatalf("Post: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got, want := board.Text(), "caller: Guten Morgen.\n\nagent: Good"; got != want {
		t.Errorf("board = %q, want %q", got, want)
	}
	if err := sink.Post(ctx, entries[0]); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("Post after Close = %v, want ErrSinkClosed", err)
	}
}

func TestHTTPSink_QueueFull(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { once.Do(func() { close(release) }) })

	sink, err := NewHTTPSink(srv.URL, WithQueueSize(1))
	if err != nil {
		t.Fatalf("NewHTTPSink: %v", err)
	}
	t.Cleanup(func() {
		once.Do(func() { close(release) })
		_ = sink.Close()
	})

	ctx := context.Background()
	var full bool
	for range 10 {
		if err := sink.Post(ctx, Entry{Text: "x"}); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	if !full {
		t.Error("expected ErrQueueFull while the board is stalled")
	}
}

func TestHTTPSink_BoardErrorsAreNotFatal(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	sink, err := NewHTTPSink(srv.URL)
	if err != nil {
		t.Fatalf("NewHTTPSink: %v", err)
	}
	_ = sink.Post(context.Background(), Entry{Text: "one"})
	_ = sink.Post(context.Background(), Entry{Text: "two"})
	_ = sink.Close()

	mu.Lock()
	defer mu.Unlock()
	if hits != 2 {
		t.Errorf("board hits = %d, want 2", hits)
	}
}
