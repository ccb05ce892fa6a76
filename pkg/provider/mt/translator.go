// Package mt defines the Translator interface for machine translation of
// recognised speech.
//
// A translator turns one utterance of text from a source language into a
// target language. The cascade translation provider calls it for every
// partial and final transcript of a call leg, so implementations should
// favour latency over polish and must be safe for concurrent use.
package mt

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyText is returned when a request carries no text to translate.
var ErrEmptyText = errors.New("mt: empty text")

// Request is one translation job.
type Request struct {
	// Text is the source text.
	Text string

	// From is the BCP-47 tag of the source language. Empty means the
	// translator should detect it.
	From string

	// To is the BCP-47 tag of the target language. Required.
	To string
}

// Validate reports whether r can be sent to a translator.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return ErrEmptyText
	}
	if r.To == "" {
		return errors.New("mt: target language must not be empty")
	}
	return nil
}

// Translator is the abstraction over any machine translation backend.
type Translator interface {
	// Translate returns the translation of req.Text into req.To.
	Translate(ctx context.Context, req Request) (string, error)
}

// Func adapts an ordinary function to the Translator interface.
type Func func(ctx context.Context, req Request) (string, error)

// Translate calls f(ctx, req).
func (f Func) Translate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Instruction returns the system prompt that chat-model translators send
// ahead of the text. The model must answer with the translation only and keep
// sentence punctuation so the relay can segment the result.
func Instruction(req Request) string {
	from := req.From
	if from == "" {
		from = "the detected source language"
	}
	return fmt.Sprintf(
		"You are a live phone interpreter. Translate the user's message from %s to %s. "+
			"Reply with the translation only. Keep the sentence punctuation of the original. "+
			"The message may be an unfinished sentence; translate it as far as it goes and do not complete it.",
		from, req.To)
}

// Clean trims whitespace and a single pair of wrapping quotes that chat models
// sometimes add around their answer.
func Clean(s string) string {
	s = strings.TrimSpace(s)
	for _, q := range [][2]string{{`"`, `"`}, {"“", "”"}, {"«", "»"}} {
		if len(s) >= len(q[0])+len(q[1]) && strings.HasPrefix(s, q[0]) && strings.HasSuffix(s, q[1]) {
			return strings.TrimSpace(s[len(q[0]) : len(s)-len(q[1])])
		}
	}
	return s
}
