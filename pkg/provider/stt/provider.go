// Package stt defines the Provider interface for streaming speech-to-text
// backends.
//
// An STT provider wraps a real-time transcription service (e.g. Deepgram)
// and exposes a uniform streaming interface. Once opened, a [SessionHandle]
// accepts raw PCM audio and emits two streams of [Transcript] values:
// low-latency partials that keep revising the current utterance, and finals
// that settle it.
//
// The cascade translation provider pairs a session with a machine
// translator to turn one call leg's speech into translated text.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrNotSupported is returned by optional operations a provider lacks.
var ErrNotSupported = errors.New("stt: not supported")

// StreamConfig describes the audio format and recognition hints for a new
// STT session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Telephony legs use 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition ("en-US").
	// An empty string asks the provider to detect the language itself.
	Language string

	// Keywords are vocabulary hints for words the recogniser would otherwise
	// miss, such as product or company names.
	Keywords []KeywordBoost
}

// SessionHandle is an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of signed 16-bit little-endian PCM matching
	// StreamConfig. Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials emits interim transcripts of the utterance in progress. Each
	// one carries the whole utterance recognised so far. The channel is closed
	// when the session ends.
	Partials() <-chan Transcript

	// Finals emits settled transcripts, one per utterance. The channel is
	// closed when the session ends.
	Finals() <-chan Transcript

	// SetKeywords replaces the keyword hints without restarting the session.
	// Providers that cannot do this return ErrNotSupported.
	SetKeywords(keywords []KeywordBoost) error

	// Close terminates the session and releases its resources. After Close
	// returns, Partials and Finals are closed. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// handle is ready to accept audio immediately; the caller owns it.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
