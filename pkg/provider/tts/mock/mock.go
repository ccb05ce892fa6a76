// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to the relay and to verify
// which text segments were submitted for synthesis.
//
// Example:
//
//	p := &mock.Provider{
//	    SynthesizeChunks: [][]byte{[]byte("audio1"), []byte("audio2")},
//	}
//	ch, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// SynthesizeChunks is emitted, in order, on every stream once its text
	// channel is closed.
	SynthesizeChunks [][]byte

	// SynthesizeErr, if non-nil, is returned from SynthesizeStream.
	SynthesizeErr error

	// ReadBeforeErr makes a failing SynthesizeStream first take one segment
	// from text, as a backend that sends its first request up front does.
	ReadBeforeErr bool

	// Hold, if non-nil, is waited on after the chunks are sent and before
	// the audio channel is closed. Tests use it to keep a synthesis "playing".
	Hold <-chan struct{}

	// Started, if non-nil, receives one value per stream once its first
	// chunk has been handed to the consumer.
	Started chan<- struct{}

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned from ListVoices.
	ListVoicesErr error

	// SynthesizeStreamCalls records every call to SynthesizeStream in order.
	SynthesizeStreamCalls []SynthesizeStreamCall

	// Texts records every text segment received, across all streams.
	Texts []string
}

// SynthesizeStream records the call and returns a channel that emits
// SynthesizeChunks once text is closed.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Voice: voice})
	if p.SynthesizeErr != nil {
		err, read := p.SynthesizeErr, p.ReadBeforeErr
		p.mu.Unlock()
		if read {
			if s, ok := <-text; ok {
				p.mu.Lock()
				p.Texts = append(p.Texts, s)
				p.mu.Unlock()
			}
		}
		return nil, err
	}
	chunks := make([][]byte, len(p.SynthesizeChunks))
	copy(chunks, p.SynthesizeChunks)
	hold, started := p.Hold, p.Started
	p.mu.Unlock()

	ch := make(chan []byte)
	go func() {
		defer close(ch)
		for s := range text {
			p.mu.Lock()
			p.Texts = append(p.Texts, s)
			p.mu.Unlock()
		}
		for i, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
			if i == 0 && started != nil {
				started <- struct{}{}
			}
		}
		if hold != nil {
			select {
			case <-ctx.Done():
			case <-hold:
			}
		}
	}()
	return ch, nil
}

// ListVoices returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListVoicesResult, p.ListVoicesErr
}

// TextsSnapshot returns a copy of the recorded text segments. Thread-safe.
func (p *Provider) TextsSnapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Texts))
	copy(out, p.Texts)
	return out
}

// CallCount returns the number of SynthesizeStream calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeStreamCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeStreamCalls = nil
	p.Texts = nil
}

var _ tts.Provider = (*Provider)(nil)
