package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/parley/pkg/provider/mt"
)

type chatRequest struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	Messages    []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// chatServer answers chat completion requests with reply and records what it
// received.
func chatServer(t *testing.T, status int, reply string) (*httptest.Server, func() []chatRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []chatRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var body chatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		seen = append(seen, body)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   body.Model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": reply},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, func() []chatRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]chatRequest(nil), seen...)
	}
}

func TestTranslate(t *testing.T) {
	t.Parallel()
	srv, seen := chatServer(t, http.StatusOK, `"Guten Morgen."`)

	tr, err := New("sk-test", "gpt-4o", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := tr.Translate(context.Background(), mt.Request{Text: "Good morning.", From: "en-US", To: "de-DE"})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got != "Guten Morgen." {
		t.Errorf("Translate = %q, want %q", got, "Guten Morgen.")
	}

	reqs := seen()
	if len(reqs) != 1 {
		t.Fatalf("server saw %d requests, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Model != "gpt-4o" {
		t.Errorf("model = %q", req.Model)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("messages = %+v", req.Messages)
	}
	if req.Messages[0].Role != "system" || !strings.Contains(req.Messages[0].Content, "from en-US to de-DE") {
		t.Errorf("system message = %+v", req.Messages[0])
	}
	if req.Messages[1].Role != "user" || req.Messages[1].Content != "Good morning." {
		t.Errorf("user message = %+v", req.Messages[1])
	}
}

func TestTranslate_ServerError(t *testing.T) {
	t.Parallel()
	srv, _ := chatServer(t, http.StatusInternalServerError, "")

	tr, _ := New("sk-test", "", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
	if _, err := tr.Translate(context.Background(), mt.Request{Text: "hi", To: "de"}); err == nil {
		t.Fatal("expected error from failing server")
	}
}

func TestTranslate_EmptyText(t *testing.T) {
	t.Parallel()
	srv, seen := chatServer(t, http.StatusOK, "x")

	tr, _ := New("sk-test", "", WithBaseURL(srv.URL+"/v1/"))
	_, err := tr.Translate(context.Background(), mt.Request{Text: " ", To: "de"})
	if !errors.Is(err, mt.ErrEmptyText) {
		t.Fatalf("err = %v, want ErrEmptyText", err)
	}
	if n := len(seen()); n != 0 {
		t.Errorf("server saw %d requests, want 0", n)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for missing API key")
	}
	tr, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tr.model != DefaultModel {
		t.Errorf("model = %q, want %q", tr.model, DefaultModel)
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()
	tr, _ := New("sk-test", "gpt-4o-mini")
	params := tr.buildParams(mt.Request{Text: "hola", From: "es", To: "en"})
	if len(params.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("first message should be the system instruction")
	}
	if params.Messages[1].OfUser == nil {
		t.Error("second message should carry the text")
	}
}
