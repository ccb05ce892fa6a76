package app_test

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/mt"
	mtmock "github.com/MrWong99/parley/pkg/provider/mt/mock"
	"github.com/MrWong99/parley/pkg/provider/stt"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	"github.com/MrWong99/parley/pkg/provider/translation"
	trmock "github.com/MrWong99/parley/pkg/provider/translation/mock"
	"github.com/MrWong99/parley/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
	"github.com/MrWong99/parley/pkg/wire"
)

// ── helpers ──────────────────────────────────────────────────────────────────

func testConfig() *config.Config {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			STT: config.ProviderEntry{Name: "mock-stt"},
			MT:  config.ProviderEntry{Name: "mock-mt"},
			TTS: config.ProviderEntry{Name: "mock-tts"},
		},
		Legs: config.LegsConfig{
			Caller: config.LegConfig{
				Language: "de-DE",
				Voice:    config.VoiceConfig{VoiceID: "caller-voice"},
			},
			Agent: config.LegConfig{
				Language: "en-US",
				Voice:    config.VoiceConfig{VoiceID: "agent-voice"},
			},
		},
	}
	config.ApplyDefaults(cfg)
	cfg.Server.ListenAddr = "127.0.0.1:0"
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, ps *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t)), app.WithSink(transcript.Nop{})}, opts...)
	a, err := app.New(cfg, ps, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+path, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func pcmOf(samples ...int16) []byte {
	b := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
	}
	return b
}

// readAudio reads envelopes from conn until one carries want.
func readAudio(t *testing.T, conn *websocket.Conn, want []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for audio %v: %v", want, err)
		}
		msg, err := wire.Decode(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if string(msg.Frame.Data) == string(want) {
			return
		}
	}
}

// formatTTS reports a synthesis format on top of the mock.
type formatTTS struct {
	*ttsmock.Provider
	format audio.Format
}

func (f formatTTS) Format() audio.Format { return f.format }

func registry(primaryTTS, fallbackTTS tts.Provider, primaryMT *mtmock.Translator) *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterSTT("mock-stt", func(config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})
	reg.RegisterMT("mock-mt", func(config.ProviderEntry) (mt.Translator, error) {
		return primaryMT, nil
	})
	reg.RegisterMT("backup-mt", func(config.ProviderEntry) (mt.Translator, error) {
		return &mtmock.Translator{Prefix: "backup:"}, nil
	})
	reg.RegisterTTS("mock-tts", func(config.ProviderEntry) (tts.Provider, error) {
		return primaryTTS, nil
	})
	reg.RegisterTTS("backup-tts", func(config.ProviderEntry) (tts.Provider, error) {
		return fallbackTTS, nil
	})
	return reg
}

// ── New ──────────────────────────────────────────────────────────────────────

func TestNew_RequiresTTS(t *testing.T) {
	t.Parallel()
	if _, err := app.New(testConfig(), &app.Providers{STT: &sttmock.Provider{}, MT: &mtmock.Translator{}}); err == nil {
		t.Fatal("expected error without tts provider")
	}
	if _, err := app.New(testConfig(), nil); err == nil {
		t.Fatal("expected error with nil providers")
	}
}

func TestNew_RequiresCascadeStages(t *testing.T) {
	t.Parallel()
	_, err := app.New(testConfig(), &app.Providers{TTS: &ttsmock.Provider{}, MT: &mtmock.Translator{}},
		app.WithMetrics(testMetrics(t)))
	if err == nil {
		t.Fatal("expected error without stt provider")
	}
}

func TestNew_RecognizerReplacesCascade(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(), &app.Providers{TTS: &ttsmock.Provider{}}, app.WithRecognizer(&trmock.Provider{}))
	if a.Store() == nil || a.Handler() == nil {
		t.Fatal("expected store and handler")
	}
}

func TestNew_BoardURLCreatesSink(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Transcript.BoardURL = "http://127.0.0.1:1"
	a, err := app.New(cfg, &app.Providers{TTS: &ttsmock.Provider{}},
		app.WithRecognizer(&trmock.Provider{}), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestNew_BadBoardURL(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Transcript.BoardURL = "://nope"
	_, err := app.New(cfg, &app.Providers{TTS: &ttsmock.Provider{}},
		app.WithRecognizer(&trmock.Provider{}), app.WithMetrics(testMetrics(t)))
	if err == nil {
		t.Fatal("expected error for invalid board url")
	}
}

// ── routes & calls ───────────────────────────────────────────────────────────

func TestHandler_HealthRoutes(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(), &app.Providers{TTS: &ttsmock.Provider{}}, app.WithRecognizer(&trmock.Provider{}))
	ts := httptest.NewServer(a.Handler())
	defer ts.Close()

	for _, path := range []string{"/healthz", "/readyz", "/sessions"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestCall_TranslatesBothWays(t *testing.T) {
	t.Parallel()
	rec := &trmock.Provider{}
	synth := pcmOf(7, 7, 7, 7)
	syn := &ttsmock.Provider{SynthesizeChunks: [][]byte{synth}}
	a := newApp(t, testConfig(), &app.Providers{TTS: syn}, app.WithRecognizer(rec))
	ts := httptest.NewServer(a.Handler())
	defer ts.Close()

	caller := dial(t, ts, "/ws/caller?leg=c1")
	eventually(t, "caller attach", func() bool { return a.Store().Len() == 1 })
	agent := dial(t, ts, "/ws/agent?leg=a1&peer=c1")
	eventually(t, "two recognition sessions", func() bool { return len(rec.Sessions()) == 2 })

	var callerSess *trmock.Session
	for i, call := range rec.StartSessionCalls {
		switch call.Cfg.SourceLanguage {
		case "de-DE":
			if call.Cfg.TargetLanguage != "en-US" {
				t.Errorf("caller target = %q, want en-US", call.Cfg.TargetLanguage)
			}
			callerSess = rec.Sessions()[i]
		case "en-US":
			if call.Cfg.TargetLanguage != "de-DE" {
				t.Errorf("agent target = %q, want de-DE", call.Cfg.TargetLanguage)
			}
		default:
			t.Errorf("unexpected source language %q", call.Cfg.SourceLanguage)
		}
	}
	if callerSess == nil {
		t.Fatal("no recognition session for the caller")
	}

	// Caller audio reaches recognition and echoes to the agent.
	speech := pcmOf(1, 2, 3, 4)
	msg, err := wire.Encode(speech, time.Now())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := caller.Write(ctx, websocket.MessageText, msg); err != nil {
		t.Fatalf("caller write: %v", err)
	}
	eventually(t, "recognition write", func() bool { return callerSess.WriteCount() == 1 })
	readAudio(t, agent, speech)

	// A final translation is synthesized in the caller's voice.
	callerSess.Emit(translation.Event{
		Kind:         translation.EventFinal,
		Reason:       "translated",
		Translations: map[string]string{"en-US": "Good morning."},
	})
	readAudio(t, agent, synth)

	texts := syn.TextsSnapshot()
	if len(texts) != 1 || texts[0] != "Good morning." {
		t.Errorf("synthesized texts = %q", texts)
	}
	if got := syn.SynthesizeStreamCalls[0].Voice.ID; got != "caller-voice" {
		t.Errorf("voice = %q, want caller-voice", got)
	}
}

func TestCall_AutoDetectLeavesSourceOpen(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Legs.Caller.AutoDetect = true
	rec := &trmock.Provider{}
	a := newApp(t, cfg, &app.Providers{TTS: &ttsmock.Provider{}}, app.WithRecognizer(rec))
	ts := httptest.NewServer(a.Handler())
	defer ts.Close()

	dial(t, ts, "/ws/caller?leg=c1")
	eventually(t, "caller attach", func() bool { return a.Store().Len() == 1 })
	dial(t, ts, "/ws/agent?leg=a1&peer=c1")
	eventually(t, "two recognition sessions", func() bool { return rec.CallCount() == 2 })

	var auto int
	for _, call := range rec.StartSessionCalls {
		if call.Cfg.AutoDetectSource() {
			auto++
			if call.Cfg.TargetLanguage != "en-US" {
				t.Errorf("auto-detect leg target = %q, want en-US", call.Cfg.TargetLanguage)
			}
		}
	}
	if auto != 1 {
		t.Errorf("auto-detect sessions = %d, want 1", auto)
	}
}

// ── lifecycle ────────────────────────────────────────────────────────────────

func TestServe_StopsOnCancel(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(), &app.Providers{TTS: &ttsmock.Provider{}}, app.WithRecognizer(&trmock.Provider{}))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx, ln) }()

	eventually(t, "healthz", func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	a, err := app.New(testConfig(), &app.Providers{TTS: &ttsmock.Provider{}},
		app.WithRecognizer(&trmock.Provider{}), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

// ── reload ───────────────────────────────────────────────────────────────────

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	var level slog.LevelVar
	old := testConfig()
	a := newApp(t, old, &app.Providers{TTS: &ttsmock.Provider{}},
		app.WithRecognizer(&trmock.Provider{}), app.WithLogLevel(&level))

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Legs.Agent.Language = "fr-FR"
	a.ApplyConfig(old, next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if a.Config() != next {
		t.Error("Config() should return the applied configuration")
	}

	// An unchanged reload keeps the current pointer.
	same := testConfig()
	same.Server.LogLevel = config.LogDebug
	same.Legs.Agent.Language = "fr-FR"
	a.ApplyConfig(next, same)
	if a.Config() != next {
		t.Error("unchanged reload should not replace the configuration")
	}
}

func TestLogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.LogLevel(tt.in); got != tt.want {
			t.Errorf("LogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// ── providers ────────────────────────────────────────────────────────────────

func TestBuildProviders(t *testing.T) {
	t.Parallel()
	format := audio.Format{SampleRate: 24000, Channels: 1, BitDepth: 16}
	primaryMT := &mtmock.Translator{Prefix: "primary:"}
	reg := registry(formatTTS{&ttsmock.Provider{}, format}, formatTTS{&ttsmock.Provider{}, format}, primaryMT)

	cfg := testConfig()
	cfg.Providers.MTFallbacks = []config.ProviderEntry{{Name: "backup-mt"}}
	cfg.Providers.TTSFallbacks = []config.ProviderEntry{{Name: "backup-tts"}}

	ps, err := app.BuildProviders(cfg, reg, testMetrics(t))
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if ps.STT == nil || ps.MT == nil || ps.TTS == nil {
		t.Fatal("expected all three stages")
	}
	if ps.SynthesisFormat != format {
		t.Errorf("SynthesisFormat = %v, want %v", ps.SynthesisFormat, format)
	}
	if len(ps.Checks) != 3 {
		t.Errorf("checks = %d, want 3", len(ps.Checks))
	}

	got, err := ps.MT.Translate(context.Background(), mt.Request{Text: "hallo", From: "de", To: "en"})
	if err != nil || got != "primary:hallo" {
		t.Fatalf("Translate = %q, %v", got, err)
	}
	if primaryMT.CallCount() != 1 {
		t.Errorf("primary calls = %d, want 1", primaryMT.CallCount())
	}
}

func TestBuildProviders_MTFallsBack(t *testing.T) {
	t.Parallel()
	primaryMT := &mtmock.Translator{Err: errors.New("quota exceeded")}
	reg := registry(&ttsmock.Provider{}, &ttsmock.Provider{}, primaryMT)

	cfg := testConfig()
	cfg.Providers.MTFallbacks = []config.ProviderEntry{{Name: "backup-mt"}}

	ps, err := app.BuildProviders(cfg, reg, testMetrics(t))
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	got, err := ps.MT.Translate(context.Background(), mt.Request{Text: "hallo", To: "en"})
	if err != nil || got != "backup:hallo" {
		t.Fatalf("Translate = %q, %v", got, err)
	}
}

func TestBuildProviders_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{
			name:   "unregistered primary",
			mutate: func(c *config.Config) { c.Providers.STT.Name = "nope" },
			want:   `stt provider "nope"`,
		},
		{
			name:   "unregistered fallback",
			mutate: func(c *config.Config) { c.Providers.MTFallbacks = []config.ProviderEntry{{Name: "nope"}} },
			want:   `mt fallback "nope"`,
		},
		{
			name:   "fallback format mismatch",
			mutate: func(c *config.Config) { c.Providers.TTSFallbacks = []config.ProviderEntry{{Name: "backup-tts"}} },
			want:   `tts fallback "backup-tts"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			reg := registry(
				formatTTS{&ttsmock.Provider{}, audio.Format{SampleRate: 24000, Channels: 1, BitDepth: 16}},
				&ttsmock.Provider{},
				&mtmock.Translator{},
			)
			cfg := testConfig()
			tt.mutate(cfg)
			_, err := app.BuildProviders(cfg, reg, testMetrics(t))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
