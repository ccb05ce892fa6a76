// Package relay implements the per-leg relay engine of a translated call.
//
// An [Engine] owns one call leg's inbound transport and the peer leg's
// outbound transport. Every inbound audio chunk is decoded, pushed into the
// leg's continuous recognition/translation session and offered to the echo
// path, which forwards the raw voice to the peer at wall-clock pace. The
// translated text coming back from recognition is cut into sentences and
// synthesized in the peer's language; while synthesized audio plays, the
// echo is muted, and once the first synthesized utterance has played every
// later echo chunk is attenuated so the translation becomes the primary
// channel.
//
// All engine state and every write to the outbound transport is guarded by
// a single leg-scoped lock. Recognition events and synthesis audio reach
// the engine through channels drained by the engine's own goroutines, so
// provider callbacks never race on engine state.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Defaults applied by [Config] when a field is left zero.
const (
	DefaultEchoAttenuation = 0.25
	DefaultReceiveTimeout  = 120 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
	DefaultSegmentQueue    = 32
)

// Drop reasons reported on the frames-dropped metric.
const (
	DropSynthesis = "synthesis"
	DropPacing    = "pacing"
	DropClosed    = "closed"
)

var (
	// ErrInvalidState is returned when an operation is invoked from the
	// wrong lifecycle phase.
	ErrInvalidState = errors.New("relay: invalid state")

	// ErrClosed is returned by operations on a stopped engine.
	ErrClosed = errors.New("relay: engine closed")

	// ErrTransport wraps outbound write failures. They end the leg.
	ErrTransport = errors.New("relay: transport failure")
)

// Transport is one direction of a leg's duplex audio connection. Messages
// are complete wire envelopes.
type Transport interface {
	// Read blocks until the next inbound message arrives or ctx ends.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one message. Implementations need not be safe for
	// concurrent writers; the engine serialises them.
	Write(ctx context.Context, msg []byte) error
}

// State is an engine lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateListening
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config configures one leg's engine.
type Config struct {
	// LegID identifies the inbound leg. Required.
	LegID string

	// Role is a diagnostic label ("caller", "agent").
	Role string

	// SourceLanguage is the language spoken on this leg. Empty requests
	// automatic language identification.
	SourceLanguage string

	// TargetLanguage is the language the peer hears. Required.
	TargetLanguage string

	// Voice selects the synthesis voice.
	Voice tts.VoiceProfile

	// Format is the PCM format on both transports. Zero means
	// [audio.Telephony].
	Format audio.Format

	// SynthesisFormat is the PCM format the synthesis provider emits. Zero
	// means Format. Any difference is converted before framing.
	SynthesisFormat audio.Format

	// EchoAttenuation scales echoed samples once synthesis has played.
	// Zero means [DefaultEchoAttenuation]; 1 or more disables attenuation.
	EchoAttenuation float64

	// ReceiveTimeout bounds each inbound read. Zero means 120s.
	ReceiveTimeout time.Duration

	// WriteTimeout bounds each outbound write. Zero means 5s.
	WriteTimeout time.Duration

	// SentenceMarks are the runes that end a sentence when followed by
	// whitespace. Empty means [DefaultSentenceMarks].
	SentenceMarks string

	// SegmentQueue is the capacity of the pending synthesis queue.
	SegmentQueue int

	// Reconnect tunes recognition session restarts.
	Reconnect ReconnectConfig
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.LegID == "" {
		errs = append(errs, errors.New("relay: leg id is required"))
	}
	if c.TargetLanguage == "" {
		errs = append(errs, errors.New("relay: target language is required"))
	}
	if c.Format != (audio.Format{}) {
		if err := c.Format.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("relay: format: %w", err))
		}
	}
	if c.SynthesisFormat != (audio.Format{}) {
		if err := c.SynthesisFormat.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("relay: synthesis format: %w", err))
		}
	}
	if c.EchoAttenuation < 0 {
		errs = append(errs, fmt.Errorf("relay: echo attenuation %v is negative", c.EchoAttenuation))
	}
	return errors.Join(errs...)
}

func (c Config) withDefaults() Config {
	if c.Format == (audio.Format{}) {
		c.Format = audio.Telephony
	}
	if c.SynthesisFormat == (audio.Format{}) {
		c.SynthesisFormat = c.Format
	}
	if c.EchoAttenuation == 0 {
		c.EchoAttenuation = DefaultEchoAttenuation
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.SentenceMarks == "" {
		c.SentenceMarks = DefaultSentenceMarks
	}
	if c.SegmentQueue <= 0 {
		c.SegmentQueue = DefaultSegmentQueue
	}
	return c
}

// Option is a functional option for [New].
type Option func(*Engine)

// WithClock replaces time.Now for pacing and timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics records engine metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSink posts live transcript entries to s.
func WithSink(s transcript.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithLogger sets the engine's base logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Stats is a point-in-time snapshot of an engine.
type Stats struct {
	State        State     `json:"-"`
	StateName    string    `json:"state"`
	BytesSent    int64     `json:"bytes_sent"`
	SegmentCount int       `json:"segment_count"`
	Synthesizing bool      `json:"synthesizing"`
	Attenuated   bool      `json:"attenuated"`
	StartedAt    time.Time `json:"started_at,omitzero"`
}
