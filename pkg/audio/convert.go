package audio

import (
	"encoding/binary"
	"log/slog"
	"math"
	"slices"
	"sync"
)

// Converter turns signed 16-bit little-endian PCM in format From into
// format To. The zero value of either format's bit depth is treated as 16.
//
// A Converter is meant for one stream and is not safe for concurrent use.
// When rates differ it keeps the last source frame and the stream position
// between calls, so chunked input resamples exactly like the whole stream.
// An output frame whose right neighbour has not arrived yet is emitted by
// the next call. Call [Converter.Reset] between unrelated streams.
type Converter struct {
	From Format
	To   Format

	logOnce sync.Once

	last     []int16 // last source frame seen
	consumed int64   // source frames seen since Reset
	emitted  int64   // output frames produced since Reset
}

// Passthrough reports whether Convert returns its input untouched.
func (c *Converter) Passthrough() bool {
	return c.From.SampleRate == c.To.SampleRate && c.From.Channels == c.To.Channels
}

// Convert resamples pcm to c.To's rate, then remixes its channels. pcm must
// hold whole frames of c.From; a partial trailing frame is discarded.
func (c *Converter) Convert(pcm []byte) []byte {
	if c.Passthrough() {
		return pcm
	}
	c.logOnce.Do(func() {
		slog.Debug("audio converter active", "from", c.From.String(), "to", c.To.String())
	})

	samples := decode16(pcm, c.From.Channels)
	samples = c.resample(samples)
	samples = remix(samples, c.From.Channels, c.To.Channels)
	return encode16(samples)
}

// Reset forgets the resampling position so the next Convert starts a new
// stream.
func (c *Converter) Reset() {
	c.last = c.last[:0]
	c.consumed, c.emitted = 0, 0
}

// Attenuate16 returns a copy of pcm with every sample scaled by factor and
// clamped to the int16 range. factor <= 0 yields silence. A trailing odd
// byte is copied unchanged.
func Attenuate16(pcm []byte, factor float64) []byte {
	out := make([]byte, len(pcm))
	n := len(pcm) &^ 1
	if factor > 0 {
		for i := 0; i < n; i += 2 {
			s := float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
			binary.LittleEndian.PutUint16(out[i:], uint16(clamp16(s*factor)))
		}
	}
	if n < len(pcm) {
		out[n] = pcm[n]
	}
	return out
}

// decode16 splits pcm into samples, dropping any partial trailing frame.
func decode16(pcm []byte, channels int) []int16 {
	if channels < 1 {
		channels = 1
	}
	frame := 2 * channels
	n := (len(pcm) / frame) * channels
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

func encode16(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// resample converts interleaved frames from c.From's rate to c.To's by
// linear interpolation. Output frame n sits at source position n*src/dst;
// it is produced once both neighbouring source frames are known.
func (c *Converter) resample(in []int16) []int16 {
	src, dst := int64(c.From.SampleRate), int64(c.To.SampleRate)
	if src <= 0 || dst <= 0 || src == dst || len(in) == 0 {
		return in
	}
	channels := max(c.From.Channels, 1)

	// buf[0] is source frame base.
	buf, base := in, c.consumed
	if len(c.last) == channels {
		buf = append(slices.Clip(c.last), in...)
		base--
	}
	frames := int64(len(buf) / channels)
	lastIdx := base + frames - 1

	out := make([]int16, 0, (frames*dst/src+1)*int64(channels))
	for {
		num := c.emitted * src
		i, rem := num/dst, num%dst
		if i > lastIdx || (rem != 0 && i == lastIdx) {
			break
		}
		frac := float64(rem) / float64(dst)
		at := int(i-base) * channels
		for ch := range channels {
			a := float64(buf[at+ch])
			b := a
			if rem != 0 {
				b = float64(buf[at+channels+ch])
			}
			out = append(out, int16(a+(b-a)*frac))
		}
		c.emitted++
	}

	c.consumed += int64(len(in) / channels)
	c.last = append(c.last[:0], buf[(frames-1)*int64(channels):frames*int64(channels)]...)
	return out
}

// remix maps interleaved frames between channel counts. Downmixing to mono
// averages every channel; any other change copies channels round-robin.
func remix(in []int16, from, to int) []int16 {
	if from < 1 || to < 1 || from == to {
		return in
	}
	frames := len(in) / from
	out := make([]int16, frames*to)
	for f := range frames {
		src := in[f*from : (f+1)*from]
		dst := out[f*to : (f+1)*to]
		if to == 1 {
			var sum int32
			for _, s := range src {
				sum += int32(s)
			}
			dst[0] = int16(sum / int32(from))
			continue
		}
		for ch := range dst {
			dst[ch] = src[ch%from]
		}
	}
	return out
}

func clamp16(v float64) int16 {
	return int16(max(math.MinInt16, min(math.MaxInt16, v)))
}
