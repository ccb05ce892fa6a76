package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	oai "github.com/openai/openai-go"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed"`
	Instructions   string  `json:"instructions"`
}

func speechServer(t *testing.T, body []byte) (*httptest.Server, func() []speechRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []speechRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/speech") {
			http.NotFound(w, r)
			return
		}
		var req speechRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []speechRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]speechRequest(nil), seen...)
	}
}

func TestSynthesizeStream(t *testing.T) {
	t.Parallel()
	body := bytes.Repeat([]byte{7}, chunkSize+100)
	srv, seen := speechServer(t, body)

	p, err := New("sk-test", "", WithBaseURL(srv.URL+"/v1/"), WithInstructions("calm"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	text := make(chan string, 2)
	text <- "Hola."
	text <- " "
	close(text)

	audioCh, err := p.SynthesizeStream(ctx, text, tts.VoiceProfile{ID: "nova", SpeedFactor: 1.25})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	var sizes []int
	var total int
	for chunk := range audioCh {
		sizes = append(sizes, len(chunk))
		total += len(chunk)
	}
	if total != len(body) {
		t.Errorf("received %d bytes, want %d", total, len(body))
	}
	if len(sizes) != 2 || sizes[0] != chunkSize || sizes[1] != 100 {
		t.Errorf("chunk sizes = %v", sizes)
	}

	reqs := seen()
	if len(reqs) != 1 {
		t.Fatalf("server saw %d requests, want 1 (blank text skipped)", len(reqs))
	}
	r := reqs[0]
	if r.Model != DefaultModel || r.Input != "Hola." || r.Voice != "nova" || r.ResponseFormat != "wav" {
		t.Errorf("request = %+v", r)
	}
	if r.Speed != 1.25 || r.Instructions != "calm" {
		t.Errorf("speed/instructions = %v/%q", r.Speed, r.Instructions)
	}
}

// scriptedServer answers the n-th speech request with statuses[n], or 200
// and body once the script runs out.
func scriptedServer(t *testing.T, body []byte, statuses ...int) *httptest.Server {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		if n < len(statuses) && statuses[n] != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("x-should-retry", "false")
			w.WriteHeader(statuses[n])
			_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded","type":"insufficient_quota"}}`))
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSynthesizeStream_FirstRequestErrorReturned(t *testing.T) {
	t.Parallel()
	srv := scriptedServer(t, nil, http.StatusTooManyRequests, http.StatusTooManyRequests)
	p, _ := New("sk-test", "", WithBaseURL(srv.URL+"/v1/"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	text := make(chan string, 1)
	text <- "Hola."
	close(text)

	ch, err := p.SynthesizeStream(ctx, text, tts.VoiceProfile{ID: "nova"})
	if err == nil {
		t.Fatal("SynthesizeStream succeeded against a 429")
	}
	if ch != nil {
		t.Error("audio channel returned alongside an error")
	}
	var apiErr *oai.Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("err = %v, want a 429 API error", err)
	}
}

func TestSynthesizeStream_LaterFailureLogged(t *testing.T) {
	t.Parallel()
	body := bytes.Repeat([]byte{1}, 10)
	srv := scriptedServer(t, body, http.StatusOK, http.StatusInternalServerError, http.StatusInternalServerError)

	var logs bytes.Buffer
	p, _ := New("sk-test", "", WithBaseURL(srv.URL+"/v1/"),
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	text := make(chan string, 3)
	text <- "Uno."
	text <- "Dos."
	text <- "Tres."
	close(text)

	ch, err := p.SynthesizeStream(ctx, text, tts.VoiceProfile{ID: "nova"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	var total int
	for chunk := range ch {
		total += len(chunk)
	}
	if total != len(body) {
		t.Errorf("received %d bytes, want only the first segment's %d", total, len(body))
	}
	if out := logs.String(); !strings.Contains(out, "openai tts: segment failed") || !strings.Contains(out, "500") {
		t.Errorf("log = %q, want the failed segment logged", out)
	}
}

func TestSynthesizeStream_NothingToSpeak(t *testing.T) {
	t.Parallel()
	p, _ := New("sk-test", "", WithBaseURL("http://127.0.0.1:1/v1/"))
	text := make(chan string, 1)
	text <- "  "
	close(text)

	ch, err := p.SynthesizeStream(context.Background(), text, tts.VoiceProfile{ID: "nova"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("audio emitted for blank text")
	}
}

func TestSynthesizeStream_EmptyVoice(t *testing.T) {
	t.Parallel()
	p, _ := New("sk-test", "tts-1")
	if _, err := p.SynthesizeStream(context.Background(), nil, tts.VoiceProfile{}); err == nil {
		t.Fatal("expected error for empty voice")
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	if _, err := New("", ""); err == nil {
		t.Error("expected error for missing API key")
	}
	p, _ := New("sk-test", "tts-1")
	if p.model != "tts-1" {
		t.Errorf("model = %q", p.model)
	}
	if f := p.Format(); f.SampleRate != SampleRate || f.Channels != 1 {
		t.Errorf("Format = %v", f)
	}
}

func TestListVoices(t *testing.T) {
	t.Parallel()
	p, _ := New("sk-test", "")
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != len(builtinVoices) {
		t.Fatalf("got %d voices", len(voices))
	}
	for _, v := range voices {
		if v.Provider != "openai" || v.ID == "" {
			t.Errorf("voice = %+v", v)
		}
	}
}
