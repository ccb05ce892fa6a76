// Package transcript carries the live, role-tagged text a relay engine
// produces while it translates a call leg.
//
// The relay posts every partial and final translation to a [Sink]. Posting
// is a display side channel only: a Sink that fails must never stall or end
// the audio path, so engines log Post errors and move on.
//
// Two Sink implementations ship here. [HTTPSink] forwards entries to a
// transcript [Board] over HTTP through a bounded queue, and [Nop] discards
// them. [Board] is the small in-memory text board that displays the running
// conversation.
package transcript

import (
	"context"
	"errors"
)

// FinalSuffix terminates the text of a final entry on the board wire. The
// board appends suffixed text to the settled conversation.
const FinalSuffix = "\n\n"

// ClearCommand resets a board's text.
const ClearCommand = "<clear>"

// ErrQueueFull is returned by [HTTPSink.Post] when the delivery queue is full
// and the entry was dropped.
var ErrQueueFull = errors.New("transcript: queue full")

// Entry is one piece of translated text from a leg.
type Entry struct {
	// LegID identifies the leg that spoke.
	LegID string

	// Role is the leg's diagnostic label ("caller", "agent").
	Role string

	// Text is the translated text. For partials it is the whole utterance
	// recognised so far, not a delta.
	Text string

	// Final marks the settled text of an utterance.
	Final bool
}

// Sink receives transcript entries. Implementations must be safe for
// concurrent use and must not block on network I/O.
type Sink interface {
	Post(ctx context.Context, e Entry) error
}

// Nop is a [Sink] that discards every entry.
type Nop struct{}

// Post implements [Sink].
func (Nop) Post(context.Context, Entry) error { return nil }

// SinkFunc adapts an ordinary function to a [Sink].
type SinkFunc func(ctx context.Context, e Entry) error

// Post calls f(ctx, e).
func (f SinkFunc) Post(ctx context.Context, e Entry) error { return f(ctx, e) }

var (
	_ Sink = Nop{}
	_ Sink = SinkFunc(nil)
)
