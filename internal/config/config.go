// Package config provides the configuration schema, loader, and provider
// registry for the Parley call translation relay.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/parley/internal/relay"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// LogLevel controls log verbosity for the Parley server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Parley.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Legs        LegsConfig        `yaml:"legs"`
	Relay       RelayConfig       `yaml:"relay"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Transcript  TranscriptConfig  `yaml:"transcript"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
}

// ServerConfig holds network and logging settings for the relay server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation serves each stage
// of the translation cascade. Each entry selects a named provider registered
// in the [Registry]; the *_fallbacks lists are tried in order when the
// primary fails.
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	MT  ProviderEntry `yaml:"mt"`
	TTS ProviderEntry `yaml:"tts"`

	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`
	MTFallbacks  []ProviderEntry `yaml:"mt_fallbacks"`
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "nova-3", "gpt-4o-mini").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// LegsConfig describes the two parties of a call.
type LegsConfig struct {
	Caller LegConfig `yaml:"caller"`
	Agent  LegConfig `yaml:"agent"`
}

// LegConfig describes one party: the language it speaks and hears, and the
// voice its translated speech is played to the other party in.
type LegConfig struct {
	// Language is the BCP-47 tag this party speaks and hears ("en-US").
	// The other leg's speech is translated into it.
	Language string `yaml:"language"`

	// AutoDetect lets recognition identify the spoken language instead of
	// assuming Language.
	AutoDetect bool `yaml:"auto_detect"`

	// Voice configures the TTS voice for this leg's translations.
	Voice VoiceConfig `yaml:"voice"`
}

// VoiceConfig specifies the TTS voice parameters for a leg.
type VoiceConfig struct {
	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// Name is a display name used in logs.
	Name string `yaml:"name"`

	// SpeedFactor adjusts speaking rate in the range [0.5, 2.0]. 0 means default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// RelayConfig tunes the per-leg relay engines.
type RelayConfig struct {
	// SampleRate, Channels and BitDepth describe the PCM on both legs.
	// Default: 16000 Hz, mono, 16 bit.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
	BitDepth   int `yaml:"bit_depth"`

	// EchoAttenuation is the gain applied to the original speech once the
	// first translation of a leg has been played. Values >= 1 disable it.
	// Default: 0.25.
	EchoAttenuation float64 `yaml:"echo_attenuation"`

	// ReceiveTimeout bounds a single transport read. Default: 120s.
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`

	// WriteTimeout bounds a single transport write. Default: 5s.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// PairTimeout bounds how long a leg waits for its peer. Default: 30s.
	PairTimeout time.Duration `yaml:"pair_timeout"`

	// SentenceMarks are the characters that end a speakable segment when
	// followed by whitespace. Default: ".?。？".
	SentenceMarks string `yaml:"sentence_marks"`

	// SegmentQueue bounds the sentences waiting for synthesis. Default: 32.
	SegmentQueue int `yaml:"segment_queue"`

	// Reconnect tunes recognition session recovery.
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig tunes the recognition reconnector.
type ReconnectConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// RecognitionConfig tunes the speech recognition and translation cascade
// shared by both legs.
type RecognitionConfig struct {
	// Keywords boosts recognition of domain vocabulary. Each entry is
	// "term" or "term:boost" (e.g., "Contoso:2").
	Keywords []string `yaml:"keywords"`

	// PartialInterval is the minimum gap between two partial translations of
	// one leg. Zero translates every partial.
	PartialInterval time.Duration `yaml:"partial_interval"`
}

// KeywordBoosts parses Keywords. Entries without a valid boost get 1.
func (r RecognitionConfig) KeywordBoosts() []stt.KeywordBoost {
	var out []stt.KeywordBoost
	for _, kw := range r.Keywords {
		term, boost := kw, 1.0
		if i := strings.LastIndexByte(kw, ':'); i > 0 {
			if b, err := strconv.ParseFloat(kw[i+1:], 64); err == nil {
				term, boost = kw[:i], b
			}
		}
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		out = append(out, stt.KeywordBoost{Keyword: term, Boost: boost})
	}
	return out
}

// TranscriptConfig configures the live transcript board.
type TranscriptConfig struct {
	// BoardURL is where the relay posts transcript text
	// (e.g., "http://localhost:5000/update-text"). Empty disables posting.
	BoardURL string `yaml:"board_url"`

	// ListenAddr is the address the board subcommand serves on.
	ListenAddr string `yaml:"listen_addr"`

	// AllowedOrigins lists CORS origins allowed to read the board.
	// "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// QueueSize bounds the number of undelivered transcript updates.
	QueueSize int `yaml:"queue_size"`
}

// ResilienceConfig tunes the circuit breakers guarding every provider.
type ResilienceConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// ── defaults ────────────────────────────────────────────────────────────────

const (
	DefaultListenAddr      = ":8080"
	DefaultBoardAddr       = ":5000"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultPairTimeout     = 30 * time.Second
)

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	r := &cfg.Relay
	if r.SampleRate == 0 {
		r.SampleRate = audio.Telephony.SampleRate
	}
	if r.Channels == 0 {
		r.Channels = audio.Telephony.Channels
	}
	if r.BitDepth == 0 {
		r.BitDepth = audio.Telephony.BitDepth
	}
	if r.EchoAttenuation == 0 {
		r.EchoAttenuation = relay.DefaultEchoAttenuation
	}
	if r.ReceiveTimeout <= 0 {
		r.ReceiveTimeout = relay.DefaultReceiveTimeout
	}
	if r.WriteTimeout <= 0 {
		r.WriteTimeout = relay.DefaultWriteTimeout
	}
	if r.PairTimeout <= 0 {
		r.PairTimeout = DefaultPairTimeout
	}
	if r.SentenceMarks == "" {
		r.SentenceMarks = relay.DefaultSentenceMarks
	}
	if r.SegmentQueue <= 0 {
		r.SegmentQueue = relay.DefaultSegmentQueue
	}

	if cfg.Transcript.ListenAddr == "" {
		cfg.Transcript.ListenAddr = DefaultBoardAddr
	}
}

// ── conversions ─────────────────────────────────────────────────────────────

// Format returns the PCM format both legs carry.
func (r RelayConfig) Format() audio.Format {
	return audio.Format{SampleRate: r.SampleRate, Channels: r.Channels, BitDepth: r.BitDepth}
}

// ReconnectConfig converts the reconnect block for the relay engine.
func (r RelayConfig) ReconnectConfig() relay.ReconnectConfig {
	return relay.ReconnectConfig{
		MaxRetries: r.Reconnect.MaxRetries,
		Backoff:    r.Reconnect.Backoff,
		MaxBackoff: r.Reconnect.MaxBackoff,
	}
}

// SourceLanguage returns the recognition language for speech on this leg.
// Empty requests automatic language identification.
func (l LegConfig) SourceLanguage() string {
	if l.AutoDetect {
		return ""
	}
	return l.Language
}

// VoiceProfile returns the TTS voice for this leg's translations, spoken in
// target.
func (l LegConfig) VoiceProfile(provider, target string) tts.VoiceProfile {
	return tts.VoiceProfile{
		ID:          l.Voice.VoiceID,
		Name:        l.Voice.Name,
		Provider:    provider,
		Language:    target,
		SpeedFactor: l.Voice.SpeedFactor,
	}
}

// FallbackConfig converts the resilience block for provider fallback groups.
func (r ResilienceConfig) FallbackConfig() resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  r.MaxFailures,
			ResetTimeout: r.ResetTimeout,
			HalfOpenMax:  r.HalfOpenMax,
		},
	}
}
