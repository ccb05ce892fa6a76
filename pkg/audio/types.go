// Package audio holds the PCM primitives shared by the relay, the wire framer
// and the speech providers: the decoded [Frame], the per-leg [Format], and a
// handful of sample-level transforms (resampling, channel mixing, gain).
//
// All PCM in this package is little-endian signed 16-bit.
package audio

import "time"

// Frame is one chunk of call audio as it arrives from or leaves for a leg
// transport. Frames are the atomic unit the relay engine reasons about:
// silent frames are never sent to recognition, non-silent frames are both
// recognised and offered to the echo path.
type Frame struct {
	// Data is raw PCM in the owning leg's [Format].
	Data []byte

	// Silent marks a frame the media source flagged as silence.
	Silent bool

	// Timestamp is the capture time reported by the media source.
	Timestamp time.Time
}

// Empty reports whether the frame carries no PCM.
func (f Frame) Empty() bool { return len(f.Data) == 0 }
