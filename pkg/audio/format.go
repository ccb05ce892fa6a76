package audio

import (
	"errors"
	"fmt"
	"time"
)

// Telephony is the default call-leg format: 16 kHz, 16-bit, mono.
var Telephony = Format{SampleRate: 16000, Channels: 1, BitDepth: 16}

// ErrInvalidFormat is returned by [Format.Validate] for unusable formats.
var ErrInvalidFormat = errors.New("audio: invalid format")

// Format describes the sample layout of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int

	// BitDepth is the sample width in bits. Zero means 16.
	BitDepth int
}

// Validate reports whether f describes a stream the relay can pace.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrInvalidFormat, f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("%w: channels %d", ErrInvalidFormat, f.Channels)
	}
	if f.bitDepth() != 16 {
		return fmt.Errorf("%w: bit depth %d (only 16-bit PCM is supported)", ErrInvalidFormat, f.BitDepth)
	}
	return nil
}

func (f Format) bitDepth() int {
	if f.BitDepth == 0 {
		return 16
	}
	return f.BitDepth
}

// BytesPerSample returns the width of one sample of one channel.
func (f Format) BytesPerSample() int { return f.bitDepth() / 8 }

// BytesPerMillisecond returns how many PCM bytes one millisecond of audio
// occupies, e.g. 32 for [Telephony]. Rates that do not divide evenly into
// milliseconds are truncated.
func (f Format) BytesPerMillisecond() int {
	return f.SampleRate * f.Channels * f.BytesPerSample() / 1000
}

// Duration returns the playback length of n bytes in this format.
func (f Format) Duration(n int) time.Duration {
	perSecond := f.SampleRate * f.Channels * f.BytesPerSample()
	if perSecond == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(perSecond))
}

// String returns a human-readable form, e.g. "16000Hz mono s16".
func (f Format) String() string {
	layout := fmt.Sprintf("%dch", f.Channels)
	switch f.Channels {
	case 1:
		layout = "mono"
	case 2:
		layout = "stereo"
	}
	return fmt.Sprintf("%dHz %s s%d", f.SampleRate, layout, f.bitDepth())
}
