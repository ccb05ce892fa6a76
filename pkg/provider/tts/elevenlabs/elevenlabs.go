// Package elevenlabs is a [tts.Provider] for ElevenLabs' input-streaming
// text-to-speech WebSocket API. Only raw PCM output formats are supported
// since the relay paces audio by byte count.
package elevenlabs

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

const (
	defaultWSBase    = "wss://api.elevenlabs.io"
	defaultHTTPBase  = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the model, e.g. "eleven_multilingual_v2".
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithOutputFormat selects a "pcm_<rate>" output format.
func WithOutputFormat(format string) Option { return func(p *Provider) { p.outputFormat = format } }

// WithBaseURLs points the provider at other WebSocket and REST hosts.
func WithBaseURLs(wsBase, httpBase string) Option {
	return func(p *Provider) {
		p.wsBase = strings.TrimRight(wsBase, "/")
		p.httpBase = strings.TrimRight(httpBase, "/")
	}
}

// WithHTTPClient sets the client used by [Provider.ListVoices].
func WithHTTPClient(hc *http.Client) Option { return func(p *Provider) { p.httpClient = hc } }

// Provider synthesises speech through ElevenLabs. Safe for concurrent use.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	rate         int
	wsBase       string
	httpBase     string
	httpClient   *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New returns a provider authenticating with apiKey. It fails unless the
// configured output format is raw PCM.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: api key is required")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		wsBase:       defaultWSBase,
		httpBase:     defaultHTTPBase,
		httpClient:   http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	rate, err := pcmRate(p.outputFormat)
	if err != nil {
		return nil, err
	}
	p.rate = rate
	return p, nil
}

// Format is the layout of the audio SynthesizeStream emits: mono s16 at the
// output format's rate.
func (p *Provider) Format() audio.Format {
	return audio.Format{SampleRate: p.rate, Channels: 1, BitDepth: 16}
}

func pcmRate(format string) (int, error) {
	digits, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: output format %q is not raw PCM", format)
	}
	rate, err := strconv.Atoi(digits)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("elevenlabs: output format %q has no valid sample rate", format)
	}
	return rate, nil
}
