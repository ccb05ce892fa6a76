package resilience

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/mt"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// ── STT ──────────────────────────────────────────────────────────────────────

// STTFallback is an [stt.Provider] that opens each stream on the first
// recognizer whose breaker admits it. Failover covers stream setup only;
// a stream that dies later is reopened by the relay's reconnect loop.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback returns an [STTFallback] preferring primary.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a recognizer.
func (f *STTFallback) AddFallback(name string, p stt.Provider) { f.group.AddFallback(name, p) }

// StartStream implements [stt.Provider].
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// Group exposes the breakers for readiness checks.
func (f *STTFallback) Group() *FallbackGroup[stt.Provider] { return f.group }

// ── MT ───────────────────────────────────────────────────────────────────────

// MTFallback is an [mt.Translator] that sends each utterance to the first
// translator whose breaker admits it.
type MTFallback struct {
	group *FallbackGroup[mt.Translator]
}

var _ mt.Translator = (*MTFallback)(nil)

// NewMTFallback returns an [MTFallback] preferring primary.
func NewMTFallback(primary mt.Translator, primaryName string, cfg FallbackConfig) *MTFallback {
	return &MTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a translator.
func (f *MTFallback) AddFallback(name string, tr mt.Translator) { f.group.AddFallback(name, tr) }

// Translate implements [mt.Translator]. Invalid requests are rejected
// before any backend sees them so they never count against a breaker.
func (f *MTFallback) Translate(ctx context.Context, req mt.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	return ExecuteWithResult(f.group, func(tr mt.Translator) (string, error) {
		return tr.Translate(ctx, req)
	})
}

// Group exposes the breakers for readiness checks.
func (f *MTFallback) Group() *FallbackGroup[mt.Translator] { return f.group }

// ── TTS ──────────────────────────────────────────────────────────────────────

// TTSFallback is a [tts.Provider] that starts each synthesis on the first
// voice backend whose breaker admits it. All backends in a group must emit
// the same PCM format; the caller checks this while wiring.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback returns a [TTSFallback] preferring primary.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a voice backend.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) { f.group.AddFallback(name, p) }

// SynthesizeStream implements [tts.Provider]. Failover covers stream setup.
// A backend may read text before it fails; those segments are replayed to
// the next backend so no sentence is lost.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	tape := &textTape{src: text}
	return ExecuteWithResult(f.group, func(p tts.Provider) (<-chan []byte, error) {
		in, stop := tape.play(ctx)
		out, err := p.SynthesizeStream(ctx, in, voice)
		if err != nil {
			stop()
		}
		return out, err
	})
}

// textTape records the segments read from src so a later reader sees them
// again before anything new.
type textTape struct {
	src <-chan string

	mu   sync.Mutex
	seen []string
}

// play starts a reader over the tape. stop ends it and waits until it no
// longer touches src, so the next play continues where it left off.
func (t *textTape) play(ctx context.Context) (<-chan string, func()) {
	out := make(chan string)
	quit := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(out)
		send := func(s string) bool {
			select {
			case out <- s:
				return true
			case <-quit:
			case <-ctx.Done():
			}
			return false
		}

		t.mu.Lock()
		replay := append([]string(nil), t.seen...)
		t.mu.Unlock()
		for _, s := range replay {
			if !send(s) {
				return
			}
		}
		for {
			select {
			case s, ok := <-t.src:
				if !ok {
					return
				}
				t.mu.Lock()
				t.seen = append(t.seen, s)
				t.mu.Unlock()
				if !send(s) {
					return
				}
			case <-quit:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() { close(quit) })
		<-done
	}
}

// ListVoices implements [tts.Provider].
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// Group exposes the breakers for readiness checks.
func (f *TTSFallback) Group() *FallbackGroup[tts.Provider] { return f.group }
