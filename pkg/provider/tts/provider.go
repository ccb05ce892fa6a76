// Package tts defines the synthesis capability the relay uses to voice
// translated text into the listening leg's language.
//
// A provider accepts a channel of text segments and returns a channel of
// raw PCM chunks as soon as they are synthesised, so the relay can start
// playback of the first sentence while later ones are still being produced.
// Chunks are 16-bit little-endian PCM in the format the provider was
// configured with. A provider that emits a RIFF/WAVE container leaves the
// header on the first chunk; the relay strips it.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
//
// Multiple synthesis requests may run in parallel (one per leg).
type Provider interface {
	// SynthesizeStream consumes text segments until text is closed and
	// returns a channel of audio chunks. The audio channel is closed once all
	// text has been synthesised, on error, or when ctx is cancelled. Callers
	// must drain it.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns the voices the provider offers.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
