// Package openai provides a TTS provider backed by the OpenAI speech API.
//
// Each text segment is one POST /audio/speech request. The response is
// requested as WAV and streamed back in fixed-size chunks as it arrives, so
// the first chunk of every segment starts with a RIFF header.
//
// The request for the first segment is made before SynthesizeStream
// returns, so a rejected key, an exhausted quota or an unreachable API is
// reported to the caller. Failures of later segments end the stream and
// are logged.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

const (
	// DefaultModel is used when New receives an empty model name.
	DefaultModel = "gpt-4o-mini-tts"

	// SampleRate is the fixed output rate of the speech endpoint.
	SampleRate = 24000

	// chunkSize is 100 ms of 24 kHz mono PCM.
	chunkSize = 4800
)

// builtinVoices are the voices the speech endpoint accepts.
var builtinVoices = []string{"alloy", "ash", "ballad", "coral", "echo", "fable", "nova", "onyx", "sage", "shimmer", "verse"}

// Provider implements tts.Provider using the OpenAI API.
type Provider struct {
	client       oai.Client
	model        string
	instructions string
	log          *slog.Logger
}

var _ tts.Provider = (*Provider)(nil)

type config struct {
	baseURL      string
	timeout      time.Duration
	httpClient   *http.Client
	instructions string
	log          *slog.Logger
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// WithInstructions sets speaking style instructions for models that accept
// them (e.g. "Speak calmly, like a call centre agent.").
func WithInstructions(s string) Option {
	return func(c *config) {
		c.instructions = s
	}
}

// WithLogger sets the logger for failures after the first segment.
// Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.log = l
	}
}

// New constructs a new OpenAI TTS Provider.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	cfg := &config{log: slog.Default()}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(1)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	switch {
	case cfg.httpClient != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	case cfg.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{
		client:       oai.NewClient(reqOpts...),
		model:        model,
		instructions: cfg.instructions,
		log:          cfg.log,
	}, nil
}

// Format returns the PCM format of the audio SynthesizeStream emits once the
// WAV header is stripped.
func (p *Provider) Format() audio.Format {
	return audio.Format{SampleRate: SampleRate, Channels: 1, BitDepth: 16}
}

// SynthesizeStream implements tts.Provider. It blocks until the first
// non-blank segment arrives and its request is answered; an error from that
// request is returned. A text channel closed without any speakable segment
// yields a closed audio channel.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("openai tts: voice.ID must not be empty")
	}

	out := make(chan []byte, 64)
	first, ok, err := nextSegment(ctx, text)
	if err != nil {
		return nil, err
	}
	if !ok {
		close(out)
		return out, nil
	}
	body, err := p.request(ctx, first, voice)
	if err != nil {
		return nil, err
	}

	go func() {
		defer close(out)
		err := p.forward(ctx, body, out)
		for err == nil {
			segment, ok, nerr := nextSegment(ctx, text)
			if nerr != nil || !ok {
				return
			}
			if body, err = p.request(ctx, segment, voice); err == nil {
				err = p.forward(ctx, body, out)
			}
		}
		if ctx.Err() == nil {
			p.log.Warn("openai tts: segment failed", "voice", voice.ID, "model", p.model, "err", err)
		}
	}()
	return out, nil
}

// nextSegment returns the next non-blank segment. ok is false once text is
// closed.
func nextSegment(ctx context.Context, text <-chan string) (segment string, ok bool, err error) {
	for {
		select {
		case segment, ok = <-text:
			if !ok || strings.TrimSpace(segment) != "" {
				return segment, ok, nil
			}
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
}

// request starts synthesis of one segment and returns the WAV body.
func (p *Provider) request(ctx context.Context, segment string, voice tts.VoiceProfile) (io.ReadCloser, error) {
	resp, err := p.client.Audio.Speech.New(ctx, p.buildParams(segment, voice))
	if err != nil {
		return nil, fmt.Errorf("openai tts: speech: %w", err)
	}
	return resp.Body, nil
}

// forward copies body to out in chunkSize pieces and closes it.
func (p *Provider) forward(ctx context.Context, body io.ReadCloser, out chan<- []byte) error {
	defer body.Close()
	for {
		buf := make([]byte, chunkSize)
		n, err := io.ReadFull(body, buf)
		if n > 0 {
			select {
			case out <- buf[:n]:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		default:
			return fmt.Errorf("openai tts: read body: %w", err)
		}
	}
}

func (p *Provider) buildParams(segment string, voice tts.VoiceProfile) oai.AudioSpeechNewParams {
	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Input:          segment,
		Voice:          oai.AudioSpeechNewParamsVoice(voice.ID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatWAV,
	}
	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1 {
		params.Speed = param.NewOpt(voice.SpeedFactor)
	}
	if p.instructions != "" {
		params.Instructions = param.NewOpt(p.instructions)
	}
	return params
}

// ListVoices returns the built-in voices. They are multilingual, so Language
// is left empty.
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	voices := make([]tts.VoiceProfile, 0, len(builtinVoices))
	for _, v := range builtinVoices {
		voices = append(voices, tts.VoiceProfile{ID: v, Name: v, Provider: "openai"})
	}
	return voices, nil
}
