package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/mt"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Providers holds one interface value per cascade stage. Each may be a
// fallback group wrapping several backends.
type Providers struct {
	STT stt.Provider
	MT  mt.Translator
	TTS tts.Provider

	// SynthesisFormat is the PCM format TTS emits. Zero means the call-leg
	// format.
	SynthesisFormat audio.Format

	// Checks report whether each stage still has a backend whose circuit
	// breaker lets calls through. Served on /readyz.
	Checks []health.Check
}

// BuildProviders instantiates the configured primary and fallback providers
// through reg and wraps each stage in a circuit-breaking fallback group.
// Provider failures are counted on m.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	fbCfg := func(kind string) resilience.FallbackConfig {
		c := cfg.Resilience.FallbackConfig()
		c.OnFailure = func(provider string, _ error) {
			m.RecordProviderError(context.Background(), provider, kind)
		}
		return c
	}
	ps := &Providers{}
	var errs []error

	// ── STT ───────────────────────────────────────────────────────────────────
	if primary, err := reg.CreateSTT(cfg.Providers.STT); err != nil {
		errs = append(errs, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err))
	} else {
		group := resilience.NewSTTFallback(primary, cfg.Providers.STT.Name, fbCfg("stt"))
		for _, e := range cfg.Providers.STTFallbacks {
			p, err := reg.CreateSTT(e)
			if err != nil {
				errs = append(errs, fmt.Errorf("create stt fallback %q: %w", e.Name, err))
				continue
			}
			group.AddFallback(e.Name, p)
		}
		ps.STT = group
		ps.Checks = append(ps.Checks, health.Available("stt", group.Group().Available, "all stt providers unavailable"))
		slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name, "fallbacks", len(cfg.Providers.STTFallbacks))
	}

	// ── MT ────────────────────────────────────────────────────────────────────
	if primary, err := reg.CreateMT(cfg.Providers.MT); err != nil {
		errs = append(errs, fmt.Errorf("create mt provider %q: %w", cfg.Providers.MT.Name, err))
	} else {
		group := resilience.NewMTFallback(instrument(primary, cfg.Providers.MT.Name, m), cfg.Providers.MT.Name, fbCfg("mt"))
		for _, e := range cfg.Providers.MTFallbacks {
			tr, err := reg.CreateMT(e)
			if err != nil {
				errs = append(errs, fmt.Errorf("create mt fallback %q: %w", e.Name, err))
				continue
			}
			group.AddFallback(e.Name, instrument(tr, e.Name, m))
		}
		ps.MT = group
		ps.Checks = append(ps.Checks, health.Available("mt", group.Group().Available, "all mt providers unavailable"))
		slog.Info("provider created", "kind", "mt", "name", cfg.Providers.MT.Name, "fallbacks", len(cfg.Providers.MTFallbacks))
	}

	// ── TTS ───────────────────────────────────────────────────────────────────
	if primary, err := reg.CreateTTS(cfg.Providers.TTS); err != nil {
		errs = append(errs, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err))
	} else {
		group := resilience.NewTTSFallback(primary, cfg.Providers.TTS.Name, fbCfg("tts"))
		ps.SynthesisFormat = formatOf(primary)
		for _, e := range cfg.Providers.TTSFallbacks {
			p, err := reg.CreateTTS(e)
			if err != nil {
				errs = append(errs, fmt.Errorf("create tts fallback %q: %w", e.Name, err))
				continue
			}
			if f := formatOf(p); f != ps.SynthesisFormat {
				errs = append(errs, fmt.Errorf("tts fallback %q emits %v, primary emits %v", e.Name, f, ps.SynthesisFormat))
				continue
			}
			group.AddFallback(e.Name, p)
		}
		ps.TTS = group
		ps.Checks = append(ps.Checks, health.Available("tts", group.Group().Available, "all tts providers unavailable"))
		slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name, "fallbacks", len(cfg.Providers.TTSFallbacks))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return ps, nil
}

// formatOf returns the PCM format p reports, or zero when it reports none.
func formatOf(p tts.Provider) audio.Format {
	if f, ok := p.(interface{ Format() audio.Format }); ok {
		return f.Format()
	}
	return audio.Format{}
}

// ── translator instrumentation ───────────────────────────────────────────────

// instrumentedTranslator records request counts and latency per backend.
type instrumentedTranslator struct {
	next    mt.Translator
	name    string
	metrics *observe.Metrics
}

func instrument(tr mt.Translator, name string, m *observe.Metrics) mt.Translator {
	return &instrumentedTranslator{next: tr, name: name, metrics: m}
}

func (t *instrumentedTranslator) Translate(ctx context.Context, req mt.Request) (string, error) {
	start := time.Now()
	out, err := t.next.Translate(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	t.metrics.RecordProviderRequest(ctx, t.name, "mt", status)
	t.metrics.RecordTranslationLatency(ctx, t.name, time.Since(start))
	return out, err
}
