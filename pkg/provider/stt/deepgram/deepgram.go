// Package deepgram is an [stt.Provider] for Deepgram's live transcription
// WebSocket API.
//
// Deepgram settles an utterance in several is_final pieces and marks the end
// of speech with speech_final or a separate UtteranceEnd event. Sessions
// stitch those pieces together so that every partial carries the utterance
// so far and exactly one final is emitted per utterance.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/coder/websocket"
)

const (
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultSampleRate = 16000

	// DefaultKeepAlive is how often an idle session pings Deepgram. The
	// server drops sockets that see neither audio nor a ping for 10s.
	DefaultKeepAlive = 5 * time.Second

	// multiLanguage asks Deepgram to recognise whichever language is spoken.
	multiLanguage = "multi"
)

// ErrClosed is returned by SendAudio after the session has been closed.
var ErrClosed = errors.New("deepgram: session is closed")

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the recognition model, e.g. "nova-3" or "nova-2".
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithLanguage sets the language used when [stt.StreamConfig.Language] is
// empty. Without either, Deepgram detects the language itself.
func WithLanguage(lang string) Option { return func(p *Provider) { p.language = lang } }

// WithSampleRate sets the rate assumed when the stream config carries none.
func WithSampleRate(hz int) Option { return func(p *Provider) { p.sampleRate = hz } }

// WithEndpoint points the provider at another listen URL.
func WithEndpoint(endpoint string) Option { return func(p *Provider) { p.endpoint = endpoint } }

// WithEndpointing sets the trailing silence after which Deepgram marks an
// utterance as finished.
func WithEndpointing(d time.Duration) Option { return func(p *Provider) { p.endpointing = d } }

// WithKeepAlive sets the idle ping interval. Zero disables pings.
func WithKeepAlive(d time.Duration) Option { return func(p *Provider) { p.keepAlive = d } }

// Provider opens Deepgram live sessions. It holds no connection state and
// is safe for concurrent use.
type Provider struct {
	apiKey      string
	endpoint    string
	model       string
	language    string
	sampleRate  int
	endpointing time.Duration
	keepAlive   time.Duration
}

var _ stt.Provider = (*Provider)(nil)

// New returns a provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key is required")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		model:      defaultModel,
		sampleRate: defaultSampleRate,
		keepAlive:  DefaultKeepAlive,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// StartStream dials Deepgram for one recognition stream. ctx bounds only the
// handshake; the session lives until Close.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	target, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Token " + p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	return startSession(conn, p.keepAlive), nil
}

// buildURL renders the listen URL for cfg on top of the provider defaults.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := firstNonEmpty(cfg.Language, p.language, multiLanguage)
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = p.sampleRate
	}

	q := u.Query()
	for k, v := range map[string]string{
		"model":           p.model,
		"language":        lang,
		"encoding":        "linear16",
		"sample_rate":     strconv.Itoa(rate),
		"punctuate":       "true",
		"smart_format":    "true",
		"interim_results": "true",
	} {
		q.Set(k, v)
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if p.endpointing > 0 {
		q.Set("endpointing", strconv.FormatInt(p.endpointing.Milliseconds(), 10))
	}

	// nova-3 takes bare key terms; older models take keyword:boost pairs.
	keyterms := strings.HasPrefix(p.model, "nova-3")
	for _, kw := range cfg.Keywords {
		if keyterms {
			q.Add("keyterm", kw.Keyword)
		} else {
			q.Add("keywords", kw.Keyword+":"+strconv.FormatFloat(kw.Boost, 'g', -1, 64))
		}
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
