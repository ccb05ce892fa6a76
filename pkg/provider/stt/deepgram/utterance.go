package deepgram

import (
	"strings"
	"time"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

// utterance accumulates the settled pieces of the utterance in progress.
type utterance struct {
	settled  []string
	words    []stt.WordDetail
	confSum  float64
	confN    int
	start    time.Duration
	end      time.Duration
	language string
	started  bool
}

// add folds p into the utterance and returns the transcript to publish, if
// any. Interim pieces yield a partial of everything settled plus the
// interim text; settled pieces yield a partial of the settled text until
// speech_final closes the utterance with a final.
func (u *utterance) add(p piece) (stt.Transcript, bool) {
	if !u.started {
		u.started = true
		u.start = p.Timestamp
	}
	if p.Language != "" {
		u.language = p.Language
	}

	if !p.IsFinal {
		parts := append(u.settled[:len(u.settled):len(u.settled)], p.Text)
		return u.partial(joinText(parts), p.Confidence, p.Timestamp+p.Duration-u.start)
	}

	if p.Text != "" {
		u.settled = append(u.settled, p.Text)
		u.words = append(u.words, p.Words...)
		u.confSum += p.Confidence
		u.confN++
	}
	u.end = p.Timestamp + p.Duration
	if p.speechFinal {
		return u.flush()
	}
	return u.partial(joinText(u.settled), p.Confidence, 0)
}

func (u *utterance) partial(text string, conf float64, d time.Duration) (stt.Transcript, bool) {
	if text == "" {
		return stt.Transcript{}, false
	}
	return stt.Transcript{
		Text:       text,
		Confidence: conf,
		Language:   u.language,
		Timestamp:  u.start,
		Duration:   d,
	}, true
}

// flush publishes the settled text as a final and resets u. An utterance
// with no settled text publishes nothing.
func (u *utterance) flush() (stt.Transcript, bool) {
	text := joinText(u.settled)
	t := stt.Transcript{
		Text:      text,
		IsFinal:   true,
		Words:     u.words,
		Language:  u.language,
		Timestamp: u.start,
		Duration:  u.end - u.start,
	}
	if u.confN > 0 {
		t.Confidence = u.confSum / float64(u.confN)
	}
	*u = utterance{}
	return t, text != ""
}

func joinText(parts []string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}
