package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram"},
	"mt":  {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"elevenlabs", "openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. ${VAR} references are expanded from the environment
// before decoding so API keys can stay out of the file.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(raw)
}

func parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	for _, p := range []struct {
		kind      string
		primary   ProviderEntry
		fallbacks []ProviderEntry
	}{
		{"stt", cfg.Providers.STT, cfg.Providers.STTFallbacks},
		{"mt", cfg.Providers.MT, cfg.Providers.MTFallbacks},
		{"tts", cfg.Providers.TTS, cfg.Providers.TTSFallbacks},
	} {
		if p.primary.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.name is required", p.kind))
		}
		validateProviderName(p.kind, p.primary.Name)
		for i, fb := range p.fallbacks {
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s_fallbacks[%d].name is required", p.kind, i))
			}
			validateProviderName(p.kind, fb.Name)
		}
	}

	// Legs
	errs = append(errs, validateLeg("legs.caller", cfg.Legs.Caller, cfg.Providers.TTS.Name)...)
	errs = append(errs, validateLeg("legs.agent", cfg.Legs.Agent, cfg.Providers.TTS.Name)...)
	if cfg.Legs.Caller.Language != "" && cfg.Legs.Caller.Language == cfg.Legs.Agent.Language {
		slog.Warn("caller and agent share a language; translations will repeat the original speech",
			"language", cfg.Legs.Caller.Language,
		)
	}

	// Relay
	r := cfg.Relay
	if err := r.Format().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("relay: %w", err))
	}
	if r.EchoAttenuation < 0 {
		errs = append(errs, fmt.Errorf("relay.echo_attenuation %.2f must not be negative", r.EchoAttenuation))
	}
	if r.Reconnect.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("relay.reconnect.max_retries %d must not be negative", r.Reconnect.MaxRetries))
	}
	if r.Reconnect.Backoff < 0 || r.Reconnect.MaxBackoff < 0 {
		errs = append(errs, errors.New("relay.reconnect backoff durations must not be negative"))
	}
	if r.Reconnect.MaxBackoff > 0 && r.Reconnect.Backoff > r.Reconnect.MaxBackoff {
		errs = append(errs, fmt.Errorf("relay.reconnect.backoff %s exceeds max_backoff %s", r.Reconnect.Backoff, r.Reconnect.MaxBackoff))
	}

	// Recognition
	if cfg.Recognition.PartialInterval < 0 {
		errs = append(errs, fmt.Errorf("recognition.partial_interval %s must not be negative", cfg.Recognition.PartialInterval))
	}

	// Transcript
	if u := cfg.Transcript.BoardURL; u != "" {
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("transcript.board_url %q must be an absolute http(s) URL", u))
		}
	}
	if cfg.Transcript.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("transcript.queue_size %d must not be negative", cfg.Transcript.QueueSize))
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 || cfg.Resilience.HalfOpenMax < 0 || cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, errors.New("resilience values must not be negative"))
	}

	return errors.Join(errs...)
}

func validateLeg(prefix string, leg LegConfig, ttsName string) []error {
	var errs []error
	// The peer hears this leg's language, so it is required even when
	// recognition auto-detects what is spoken.
	if leg.Language == "" {
		errs = append(errs, fmt.Errorf("%s.language is required", prefix))
	}
	if leg.Voice.SpeedFactor != 0 && (leg.Voice.SpeedFactor < 0.5 || leg.Voice.SpeedFactor > 2.0) {
		errs = append(errs, fmt.Errorf("%s.voice.speed_factor %.2f is out of range [0.5, 2.0]", prefix, leg.Voice.SpeedFactor))
	}
	if leg.Voice.VoiceID == "" && ttsName != "" {
		slog.Warn("leg has no voice_id; the TTS provider default voice will be used",
			"leg", prefix,
			"tts_provider", ttsName,
		)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
