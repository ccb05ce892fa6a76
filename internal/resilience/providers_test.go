package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/parley/pkg/provider/mt"
	mtmock "github.com/MrWong99/parley/pkg/provider/mt/mock"
	"github.com/MrWong99/parley/pkg/provider/stt"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	"github.com/MrWong99/parley/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
)

func testFallbackConfig(maxFailures int) FallbackConfig {
	return FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: maxFailures, Now: newFakeClock().Now}}
}

// ── STT ──────────────────────────────────────────────────────────────────────

func TestSTTFallback_StartStream(t *testing.T) {
	t.Parallel()
	cfg := stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "de-DE"}

	t.Run("primary", func(t *testing.T) {
		t.Parallel()
		primary, secondary := &sttmock.Provider{}, &sttmock.Provider{}
		fb := NewSTTFallback(primary, "deepgram", testFallbackConfig(3))
		fb.AddFallback("deepgram-eu", secondary)

		h, err := fb.StartStream(context.Background(), cfg)
		if err != nil || h == nil {
			t.Fatalf("StartStream = %v, %v", h, err)
		}
		defer h.Close()
		if len(primary.StartStreamCalls) != 1 || len(secondary.StartStreamCalls) != 0 {
			t.Errorf("calls: primary %d, secondary %d", len(primary.StartStreamCalls), len(secondary.StartStreamCalls))
		}
		if got := primary.StartStreamCalls[0].Cfg.Language; got != "de-DE" {
			t.Errorf("language = %q, want de-DE", got)
		}
	})

	t.Run("failover", func(t *testing.T) {
		t.Parallel()
		primary := &sttmock.Provider{StartStreamErr: errors.New("dial: 503")}
		secondary := &sttmock.Provider{}
		fb := NewSTTFallback(primary, "deepgram", testFallbackConfig(3))
		fb.AddFallback("deepgram-eu", secondary)

		h, err := fb.StartStream(context.Background(), cfg)
		if err != nil {
			t.Fatalf("StartStream: %v", err)
		}
		defer h.Close()
		if len(secondary.StartStreamCalls) != 1 {
			t.Errorf("secondary calls = %d, want 1", len(secondary.StartStreamCalls))
		}
	})

	t.Run("all fail", func(t *testing.T) {
		t.Parallel()
		fb := NewSTTFallback(&sttmock.Provider{StartStreamErr: errors.New("down")}, "deepgram", testFallbackConfig(3))
		if _, err := fb.StartStream(context.Background(), cfg); !errors.Is(err, ErrAllFailed) {
			t.Fatalf("err = %v, want ErrAllFailed", err)
		}
	})
}

// ── MT ───────────────────────────────────────────────────────────────────────

func TestMTFallback_Translate(t *testing.T) {
	t.Parallel()
	req := mt.Request{Text: "Guten Morgen", From: "de", To: "en"}

	t.Run("primary", func(t *testing.T) {
		t.Parallel()
		primary := &mtmock.Translator{Prefix: "openai:"}
		secondary := &mtmock.Translator{Prefix: "anthropic:"}
		fb := NewMTFallback(primary, "openai", testFallbackConfig(3))
		fb.AddFallback("anthropic", secondary)

		got, err := fb.Translate(context.Background(), req)
		if err != nil || got != "openai:Guten Morgen" {
			t.Fatalf("Translate = %q, %v", got, err)
		}
		if secondary.CallCount() != 0 {
			t.Errorf("secondary called %d times", secondary.CallCount())
		}
	})

	t.Run("failover", func(t *testing.T) {
		t.Parallel()
		var failures []string
		fb := NewMTFallback(&mtmock.Translator{Err: errors.New("quota")}, "openai", FallbackConfig{
			CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
			OnFailure:      func(name string, _ error) { failures = append(failures, name) },
		})
		fb.AddFallback("anthropic", &mtmock.Translator{Prefix: "anthropic:"})

		got, err := fb.Translate(context.Background(), req)
		if err != nil || got != "anthropic:Guten Morgen" {
			t.Fatalf("Translate = %q, %v", got, err)
		}
		if len(failures) != 1 || failures[0] != "openai" {
			t.Errorf("failures = %v, want [openai]", failures)
		}
	})

	t.Run("invalid request skips breakers", func(t *testing.T) {
		t.Parallel()
		primary := &mtmock.Translator{}
		fb := NewMTFallback(primary, "openai", testFallbackConfig(1))
		for range 3 {
			if _, err := fb.Translate(context.Background(), mt.Request{To: "en"}); !errors.Is(err, mt.ErrEmptyText) {
				t.Fatalf("err = %v, want ErrEmptyText", err)
			}
		}
		if primary.CallCount() != 0 {
			t.Errorf("primary called %d times", primary.CallCount())
		}
		if st := fb.Group().States()["openai"]; st != StateClosed {
			t.Errorf("breaker = %v, want closed", st)
		}
	})

	t.Run("breaker opens and skips", func(t *testing.T) {
		t.Parallel()
		primary := &mtmock.Translator{Err: errors.New("down")}
		fb := NewMTFallback(primary, "openai", testFallbackConfig(2))
		fb.AddFallback("anthropic", &mtmock.Translator{Prefix: "ok:"})

		for range 4 {
			if _, err := fb.Translate(context.Background(), req); err != nil {
				t.Fatalf("Translate: %v", err)
			}
		}
		if n := primary.CallCount(); n != 2 {
			t.Errorf("primary called %d times, want 2", n)
		}
		if !fb.Group().Available() {
			t.Error("group should stay available through the fallback")
		}
	})
}

// ── TTS ──────────────────────────────────────────────────────────────────────

func drain(ch <-chan []byte) []string {
	var out []string
	for c := range ch {
		out = append(out, string(c))
	}
	return out
}

func oneLine(s string) <-chan string {
	ch := make(chan string, 1)
	ch <- s
	close(ch)
	return ch
}

func TestTTSFallback_SynthesizeStream(t *testing.T) {
	t.Parallel()
	voice := tts.VoiceProfile{ID: "agent-voice", Language: "en-US"}

	t.Run("primary", func(t *testing.T) {
		t.Parallel()
		primary := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("a1"), []byte("a2")}}
		secondary := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("b1")}}
		fb := NewTTSFallback(primary, "elevenlabs", testFallbackConfig(3))
		fb.AddFallback("openai", secondary)

		ch, err := fb.SynthesizeStream(context.Background(), oneLine("Good morning."), voice)
		if err != nil {
			t.Fatalf("SynthesizeStream: %v", err)
		}
		if got := drain(ch); len(got) != 2 || got[0] != "a1" {
			t.Errorf("chunks = %q", got)
		}
		if primary.SynthesizeStreamCalls[0].Voice.ID != "agent-voice" {
			t.Errorf("voice = %+v", primary.SynthesizeStreamCalls[0].Voice)
		}
		if secondary.CallCount() != 0 {
			t.Errorf("secondary called %d times", secondary.CallCount())
		}
	})

	t.Run("failover", func(t *testing.T) {
		t.Parallel()
		fb := NewTTSFallback(&ttsmock.Provider{SynthesizeErr: errors.New("429")}, "elevenlabs", testFallbackConfig(3))
		fb.AddFallback("openai", &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("b1")}})

		ch, err := fb.SynthesizeStream(context.Background(), oneLine("Good morning."), voice)
		if err != nil {
			t.Fatalf("SynthesizeStream: %v", err)
		}
		if got := drain(ch); len(got) != 1 || got[0] != "b1" {
			t.Errorf("chunks = %q", got)
		}
	})

	t.Run("failover replays consumed text", func(t *testing.T) {
		t.Parallel()
		primary := &ttsmock.Provider{SynthesizeErr: errors.New("429"), ReadBeforeErr: true}
		secondary := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("b1")}}
		fb := NewTTSFallback(primary, "openai", testFallbackConfig(3))
		fb.AddFallback("elevenlabs", secondary)

		text := make(chan string, 2)
		text <- "Good morning."
		text <- "How can I help?"
		close(text)

		ch, err := fb.SynthesizeStream(context.Background(), text, voice)
		if err != nil {
			t.Fatalf("SynthesizeStream: %v", err)
		}
		if got := drain(ch); len(got) != 1 || got[0] != "b1" {
			t.Errorf("chunks = %q", got)
		}
		if got := primary.TextsSnapshot(); len(got) != 1 || got[0] != "Good morning." {
			t.Errorf("primary texts = %q", got)
		}
		want := []string{"Good morning.", "How can I help?"}
		if got := secondary.TextsSnapshot(); !slices.Equal(got, want) {
			t.Errorf("secondary texts = %q, want %q", got, want)
		}
	})

	t.Run("all fail", func(t *testing.T) {
		t.Parallel()
		fb := NewTTSFallback(&ttsmock.Provider{SynthesizeErr: errors.New("429")}, "elevenlabs", testFallbackConfig(3))
		fb.AddFallback("openai", &ttsmock.Provider{SynthesizeErr: errors.New("500")})
		if _, err := fb.SynthesizeStream(context.Background(), oneLine("x"), voice); !errors.Is(err, ErrAllFailed) {
			t.Fatalf("err = %v, want ErrAllFailed", err)
		}
	})
}

func TestTTSFallback_ListVoices(t *testing.T) {
	t.Parallel()
	fb := NewTTSFallback(&ttsmock.Provider{ListVoicesErr: errors.New("down")}, "elevenlabs", testFallbackConfig(3))
	fb.AddFallback("openai", &ttsmock.Provider{ListVoicesResult: []tts.VoiceProfile{{ID: "alloy"}, {ID: "nova"}}})

	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 || voices[0].ID != "alloy" {
		t.Errorf("voices = %+v", voices)
	}
}
