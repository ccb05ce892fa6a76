package audio_test

import (
	"encoding/binary"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

func pcm16(samples ...int16) []byte {
	buf := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(s))
	}
	return buf
}

func samples16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

func format(rate, channels int) audio.Format {
	return audio.Format{SampleRate: rate, Channels: channels}
}

func TestConverter_Passthrough(t *testing.T) {
	t.Parallel()
	c := audio.Converter{From: audio.Telephony, To: format(16000, 1)}
	if !c.Passthrough() {
		t.Fatal("identical layouts should pass through")
	}
	in := pcm16(1, 2, 3)
	if out := c.Convert(in); &out[0] != &in[0] {
		t.Error("passthrough copied the input")
	}
}

func TestConverter_Remix(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		from, to int
		in, want []int16
	}{
		{name: "mono to stereo", from: 1, to: 2, in: []int16{7, -7}, want: []int16{7, 7, -7, -7}},
		{name: "stereo to mono averages", from: 2, to: 1, in: []int16{100, 200, -100, -200}, want: []int16{150, -150}},
		{name: "stereo to mono at full scale", from: 2, to: 1, in: []int16{32767, 32767}, want: []int16{32767}},
		{name: "quad to mono", from: 4, to: 1, in: []int16{4, 8, 12, 16}, want: []int16{10}},
		{name: "stereo to quad", from: 2, to: 4, in: []int16{1, 2}, want: []int16{1, 2, 1, 2}},
		{name: "partial frame dropped", from: 2, to: 1, in: []int16{10, 20, 30}, want: []int16{15}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := audio.Converter{From: format(16000, tt.from), To: format(16000, tt.to)}
			if got := samples16(c.Convert(pcm16(tt.in...))); !slices.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConverter_Resample(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		from, to  audio.Format
		in        []int16
		wantLen   int
		wantFirst int16
	}{
		{name: "upsample x3", from: format(16000, 1), to: format(48000, 1), in: []int16{1000, 2000}, wantLen: 4, wantFirst: 1000},
		{name: "downsample /3", from: format(48000, 1), to: format(16000, 1), in: []int16{100, 200, 300, 400, 500, 600}, wantLen: 2, wantFirst: 100},
		{name: "stereo upsample", from: format(16000, 2), to: format(48000, 2), in: []int16{100, 200, 300, 400}, wantLen: 8, wantFirst: 100},
		{name: "24k synthesis to telephony", from: format(24000, 1), to: audio.Telephony, in: make([]int16, 480), wantLen: 320},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := audio.Converter{From: tt.from, To: tt.to}
			got := samples16(c.Convert(pcm16(tt.in...)))
			if len(got) != tt.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tt.wantLen)
			}
			if got[0] != tt.wantFirst {
				t.Errorf("first sample = %d, want %d", got[0], tt.wantFirst)
			}
		})
	}
}

func TestConverter_UpsampleInterpolates(t *testing.T) {
	t.Parallel()
	c := audio.Converter{From: format(8000, 1), To: audio.Telephony}
	got := samples16(c.Convert(pcm16(0, 1000)))
	if want := []int16{0, 500, 1000}; !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	// The frame between 1000 and the next sample waits for that sample.
	got = samples16(c.Convert(pcm16(3000)))
	if want := []int16{2000, 3000}; !slices.Equal(got, want) {
		t.Errorf("second chunk: got %v, want %v", got, want)
	}
}

func ramp(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(i*37%2000 - 1000)
	}
	return out
}

func TestConverter_ChunkedMatchesWhole(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		from, to audio.Format
		chunks   []int
	}{
		{name: "24k to 16k", from: format(24000, 1), to: audio.Telephony, chunks: []int{7, 1, 13, 240, 3, 96}},
		{name: "8k to 16k", from: format(8000, 1), to: audio.Telephony, chunks: []int{1, 1, 5, 80, 2}},
		{name: "22050 to 16k", from: format(22050, 1), to: audio.Telephony, chunks: []int{441, 17, 9, 160}},
		{name: "48k stereo to 16k mono", from: format(48000, 2), to: audio.Telephony, chunks: []int{4, 10, 7, 64}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			total := 0
			for _, n := range tt.chunks {
				total += n
			}
			in := ramp(total * tt.from.Channels)

			whole := audio.Converter{From: tt.from, To: tt.to}
			want := samples16(whole.Convert(pcm16(in...)))

			chunked := audio.Converter{From: tt.from, To: tt.to}
			var got []int16
			off := 0
			for _, n := range tt.chunks {
				n *= tt.from.Channels
				got = append(got, samples16(chunked.Convert(pcm16(in[off:off+n]...)))...)
				off += n
			}
			if !slices.Equal(got, want) {
				t.Errorf("chunked output differs from whole\n got %v\nwant %v", got, want)
			}
		})
	}
}

func TestConverter_NoDriftOverSmallChunks(t *testing.T) {
	t.Parallel()
	c := audio.Converter{From: format(24000, 1), To: audio.Telephony}
	chunk := pcm16(make([]int16, 7)...)
	frames := 0
	for range 1000 {
		frames += len(c.Convert(chunk)) / 2
	}
	// 7000 source frames at 24 kHz cover output positions 0..4666.
	if frames != 4667 {
		t.Errorf("output frames = %d, want 4667", frames)
	}
}

func TestConverter_Reset(t *testing.T) {
	t.Parallel()
	c := audio.Converter{From: format(8000, 1), To: audio.Telephony}
	first := samples16(c.Convert(pcm16(100, 300)))
	c.Reset()
	if again := samples16(c.Convert(pcm16(100, 300))); !slices.Equal(again, first) {
		t.Errorf("after Reset got %v, want %v", again, first)
	}
}

func TestConverter_ResampleAndDownmix(t *testing.T) {
	t.Parallel()
	c := audio.Converter{From: format(48000, 2), To: audio.Telephony}
	in := make([]int16, 60)
	for i := range in {
		in[i] = 1000
	}
	out := samples16(c.Convert(pcm16(in...)))
	if len(out) != 10 {
		t.Fatalf("len = %d, want 10", len(out))
	}
	for i, s := range out {
		if s != 1000 {
			t.Errorf("sample %d = %d, want 1000", i, s)
		}
	}
}

func TestConverter_InvalidRateLeavesRate(t *testing.T) {
	t.Parallel()
	c := audio.Converter{From: format(0, 2), To: format(48000, 1)}
	got := samples16(c.Convert(pcm16(10, 30, 50, 70)))
	if want := []int16{20, 60}; !slices.Equal(got, want) {
		t.Errorf("got %v, want %v (downmix only)", got, want)
	}
}

func TestAttenuate16(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		in     []int16
		factor float64
		want   []int16
	}{
		{name: "quarter", in: []int16{4000, -4000, 0}, factor: 0.25, want: []int16{1000, -1000, 0}},
		{name: "unity", in: []int16{123, -456}, factor: 1, want: []int16{123, -456}},
		{name: "mute", in: []int16{123, -456}, factor: 0, want: []int16{0, 0}},
		{name: "negative mutes", in: []int16{123}, factor: -1, want: []int16{0}},
		{name: "clamp", in: []int16{30000, -30000}, factor: 2, want: []int16{32767, -32768}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := pcm16(tt.in...)
			if got := samples16(audio.Attenuate16(in, tt.factor)); !slices.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
			if !slices.Equal(samples16(in), tt.in) {
				t.Error("input buffer was modified")
			}
		})
	}
}

func TestAttenuate16_OddTrailingByte(t *testing.T) {
	t.Parallel()
	out := audio.Attenuate16(append(pcm16(400), 0x7f), 0.5)
	if len(out) != 3 || out[2] != 0x7f {
		t.Fatalf("out = %v, want trailing 0x7f kept", out)
	}
	if got := samples16(out[:2])[0]; got != 200 {
		t.Errorf("sample = %d, want 200", got)
	}
}

func TestFormat_BytesPerMillisecond(t *testing.T) {
	t.Parallel()
	tests := []struct {
		f    audio.Format
		want int
	}{
		{audio.Telephony, 32},
		{format(8000, 1), 16},
		{audio.Format{SampleRate: 24000, Channels: 1, BitDepth: 16}, 48},
		{format(48000, 2), 192},
	}
	for _, tt := range tests {
		if got := tt.f.BytesPerMillisecond(); got != tt.want {
			t.Errorf("%s: got %d, want %d", tt.f, got, tt.want)
		}
	}
}

func TestFormat_String(t *testing.T) {
	t.Parallel()
	tests := map[string]audio.Format{
		"16000Hz mono s16":   audio.Telephony,
		"48000Hz stereo s16": format(48000, 2),
		"8000Hz 6ch s24":     {SampleRate: 8000, Channels: 6, BitDepth: 24},
	}
	for want, f := range tests {
		if got := f.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

func TestFormat_Validate(t *testing.T) {
	t.Parallel()
	if err := audio.Telephony.Validate(); err != nil {
		t.Fatalf("Telephony: %v", err)
	}
	if err := format(48000, 2).Validate(); err != nil {
		t.Fatalf("zero bit depth should mean 16: %v", err)
	}
	bad := []audio.Format{
		format(0, 1),
		format(16000, 0),
		{SampleRate: 16000, Channels: 1, BitDepth: 12},
		{SampleRate: 16000, Channels: 1, BitDepth: 8},
		{SampleRate: 16000, Channels: 1, BitDepth: 24},
		{SampleRate: 16000, Channels: 1, BitDepth: 32},
	}
	for _, f := range bad {
		if err := f.Validate(); !errors.Is(err, audio.ErrInvalidFormat) {
			t.Errorf("%+v: got %v, want ErrInvalidFormat", f, err)
		}
	}
}

func TestFormat_Duration(t *testing.T) {
	t.Parallel()
	if got := audio.Telephony.Duration(32000); got != time.Second {
		t.Errorf("got %v, want 1s", got)
	}
	if got := (audio.Format{}).Duration(100); got != 0 {
		t.Errorf("zero format: got %v, want 0", got)
	}
}
