// Package wire encodes and decodes the duplex-audio message envelope spoken
// on every call-leg transport.
//
// Each message is a single text frame carrying one JSON object:
//
//	{"kind":"AudioData","data":"<base64 PCM>","timestamp":"2024-05-01T10:00:00.000Z","silent":false}
//
// Inbound media sources may also use the nested media-streaming shape
// ({"kind":"AudioData","audioData":{...}}); [Decode] accepts both. [Encode]
// always produces the flat shape above.
//
// The package is pure: no state, no I/O.
package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// KindAudioData is the envelope kind for audio chunks.
const KindAudioData = "AudioData"

// HeaderSize is the length of the RIFF/WAVE container header that prefixes
// synthesized audio.
const HeaderSize = 44

// ErrMalformed is returned by [Decode] for messages that are not a valid
// envelope (bad JSON, bad base64, missing kind).
var ErrMalformed = errors.New("wire: malformed message")

// Kind classifies a decoded inbound message.
type Kind int

const (
	// KindUnknown is any well-formed envelope whose kind the relay does not
	// handle (metadata, DTMF, ...). It is not an error.
	KindUnknown Kind = iota

	// KindAudio is a non-silent audio chunk.
	KindAudio

	// KindSilence is an audio chunk flagged silent by the media source.
	KindSilence
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindSilence:
		return "silence"
	default:
		return "unknown"
	}
}

// Message is the decoded form of one inbound envelope. Frame is populated
// for [KindAudio] and [KindSilence]; RawKind holds the envelope's kind
// string for diagnostics.
type Message struct {
	Kind    Kind
	Frame   audio.Frame
	RawKind string
}

// envelope is the flat on-wire shape.
type envelope struct {
	Kind      string       `json:"kind"`
	Data      string       `json:"data,omitempty"`
	Timestamp string       `json:"timestamp,omitempty"`
	Silent    bool         `json:"silent"`
	AudioData *nestedAudio `json:"audioData,omitempty"`
}

// nestedAudio is the media-streaming variant.
type nestedAudio struct {
	Data      string `json:"data"`
	Timestamp string `json:"timestamp"`
	Silent    bool   `json:"silent"`
}

// outbound pins field order and always emits every field.
type outbound struct {
	Kind      string `json:"kind"`
	Data      string `json:"data"`
	Timestamp string `json:"timestamp"`
	Silent    bool   `json:"silent"`
}

// Encode wraps pcm in an AudioData envelope stamped with ts.
func Encode(pcm []byte, ts time.Time) ([]byte, error) {
	return EncodeFrame(audio.Frame{Data: pcm, Timestamp: ts})
}

// EncodeFrame wraps f in an AudioData envelope, preserving its silent flag.
// A zero timestamp is encoded as the current time.
func EncodeFrame(f audio.Frame) ([]byte, error) {
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	b, err := json.Marshal(outbound{
		Kind:      KindAudioData,
		Data:      base64.StdEncoding.EncodeToString(f.Data),
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Silent:    f.Silent,
	})
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return b, nil
}

// Decode parses one inbound message. Trailing NUL padding is ignored.
func Decode(raw []byte) (Message, error) {
	raw = bytes.TrimRight(raw, "\x00")

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Kind == "" {
		return Message{}, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	if env.Kind != KindAudioData {
		return Message{Kind: KindUnknown, RawKind: env.Kind}, nil
	}

	data, ts, silent := env.Data, env.Timestamp, env.Silent
	if env.AudioData != nil {
		data, ts, silent = env.AudioData.Data, env.AudioData.Timestamp, env.AudioData.Silent
	}

	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return Message{}, fmt.Errorf("%w: data: %v", ErrMalformed, err)
	}

	frame := audio.Frame{Data: pcm, Silent: silent}
	if ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Message{}, fmt.Errorf("%w: timestamp %q: %v", ErrMalformed, ts, err)
		}
		frame.Timestamp = t
	}

	kind := KindAudio
	if silent {
		kind = KindSilence
	}
	return Message{Kind: kind, Frame: frame, RawKind: env.Kind}, nil
}

// StripContainerHeader removes the [HeaderSize]-byte RIFF/WAVE header from a
// synthesized chunk. Chunks that do not start with a RIFF header are
// returned unchanged, as are chunks too short to hold one.
func StripContainerHeader(chunk []byte) []byte {
	if len(chunk) < HeaderSize {
		return chunk
	}
	if !bytes.Equal(chunk[0:4], []byte("RIFF")) || !bytes.Equal(chunk[8:12], []byte("WAVE")) {
		return chunk
	}
	return chunk[HeaderSize:]
}
