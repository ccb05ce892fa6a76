package relay

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultSentenceMarks are the punctuation runes that end a sentence when
// followed by whitespace.
const DefaultSentenceMarks = ".?。？"

// boundaries returns the byte offset just past every sentence mark in text
// that is followed by a whitespace rune.
func boundaries(text, marks string) []int {
	var out []int
	for i, r := range text {
		if !strings.ContainsRune(marks, r) {
			continue
		}
		end := i + utf8.RuneLen(r)
		next, _ := utf8.DecodeRuneInString(text[end:])
		if end < len(text) && unicode.IsSpace(next) {
			out = append(out, end)
		}
	}
	return out
}

// segmenter tracks how many sentence boundaries of the current utterance
// were already handed to synthesis. It is not safe for concurrent use; the
// engine guards it with its leg lock.
type segmenter struct {
	marks   string
	flushed int
}

func newSegmenter(marks string) *segmenter {
	if marks == "" {
		marks = DefaultSentenceMarks
	}
	return &segmenter{marks: marks}
}

// partial evaluates an incremental translation. When text holds more
// boundaries than were flushed, it returns the text between the last flushed
// boundary and the newest one and advances the counter. Revised partials with
// fewer boundaries never move the counter backwards.
func (s *segmenter) partial(text string) (string, bool) {
	b := boundaries(text, s.marks)
	if len(b) <= s.flushed {
		return "", false
	}
	start := 0
	if s.flushed > 0 {
		start = b[s.flushed-1]
	}
	seg := strings.TrimSpace(text[start:b[len(b)-1]])
	s.flushed = len(b)
	return seg, seg != ""
}

// final returns the text of the utterance after the last flushed boundary
// and resets the counter to zero.
//
// If the recogniser revised the utterance so that the final text carries
// fewer boundaries than were flushed, the tail starts after its last
// boundary; with no boundary at all nothing is left to say.
func (s *segmenter) final(text string) string {
	b := boundaries(text, s.marks)
	start := 0
	switch {
	case s.flushed == 0:
	case len(b) >= s.flushed:
		start = b[s.flushed-1]
	case len(b) > 0:
		start = b[len(b)-1]
	default:
		start = len(text)
	}
	s.flushed = 0
	return strings.TrimSpace(text[start:])
}

func (s *segmenter) count() int { return s.flushed }
