// Package translation defines the recognition/translation capability a relay
// engine drives for one call leg.
//
// A [Provider] opens a [Session] per leg. The session accepts raw PCM through
// a push-style sink ([Session.Write]) and reports what it heard as an ordered
// stream of [Event] values: incremental (partial) and final recognition
// results, each carrying the source text and its translations, plus session
// lifecycle and cancellation notices.
//
// Events are delivered on a single channel so consumers never have to
// reason about callbacks firing concurrently from provider goroutines.
//
// Implementations must be safe for concurrent use: Write is called from the
// leg's receive loop while Events is drained from another goroutine.
package translation

import (
	"context"
	"errors"
)

// AutoDetect requests open-range source language identification.
const AutoDetect = "auto"

// ErrSessionClosed is returned by [Session.Write] after Close.
var ErrSessionClosed = errors.New("translation: session closed")

// SessionConfig configures a translation session for one leg.
type SessionConfig struct {
	// SourceLanguage is a BCP-47 tag ("en-US"). Empty or [AutoDetect] asks the
	// provider to identify the spoken language itself.
	SourceLanguage string

	// TargetLanguage is the single language translations are produced in.
	TargetLanguage string

	// SampleRate and Channels describe the PCM pushed through Write.
	// Audio is always signed 16-bit little-endian.
	SampleRate int
	Channels   int
}

// AutoDetectSource reports whether the source language is left to the
// provider.
func (c SessionConfig) AutoDetectSource() bool {
	return c.SourceLanguage == "" || c.SourceLanguage == AutoDetect
}

// EventKind tags an [Event].
type EventKind int

const (
	// EventSessionStarted is emitted once the provider is ready for audio.
	EventSessionStarted EventKind = iota + 1

	// EventPartial carries an incremental, still-changing result.
	EventPartial

	// EventFinal carries the settled result for one utterance.
	EventFinal

	// EventCanceled reports that recognition was cancelled. Recoverable
	// cancellations may be retried by reopening the session.
	EventCanceled

	// EventSessionStopped is emitted when the provider ends the session.
	// The Events channel is closed right after it.
	EventSessionStopped
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventSessionStarted:
		return "session_started"
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventCanceled:
		return "canceled"
	case EventSessionStopped:
		return "session_stopped"
	default:
		return "unknown"
	}
}

// Event is one notification from a translation [Session].
type Event struct {
	Kind EventKind

	// SourceText is the recognised text in the spoken language.
	SourceText string

	// Translations maps target language to translated text.
	Translations map[string]string

	// Language is the detected or configured source language, when known.
	Language string

	// Reason explains a final result ("translated", "no_match") or a
	// cancellation ("error", "end_of_stream").
	Reason string

	// Details carries provider error details for [EventCanceled].
	Details string

	// Recoverable marks a cancellation the caller may retry.
	Recoverable bool
}

// Translation returns the translation for lang, or "".
func (e Event) Translation(lang string) string {
	return e.Translations[lang]
}

// Session is a live recognition/translation stream for one leg.
type Session interface {
	// Write pushes PCM into the recogniser's input buffer. It must not block
	// on network I/O for longer than it takes to enqueue the chunk.
	Write(pcm []byte) error

	// Events returns the session's event stream. The channel is closed when
	// the session ends for any reason.
	Events() <-chan Event

	// Close stops recognition and releases resources. Idempotent.
	Close() error
}

// Provider opens translation sessions.
type Provider interface {
	// StartSession opens continuous recognition. The returned session
	// outlives ctx only until ctx is cancelled.
	StartSession(ctx context.Context, cfg SessionConfig) (Session, error)
}
