package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultQueueSize   = 256
	defaultPostTimeout = 5 * time.Second
)

// ErrSinkClosed is returned by [HTTPSink.Post] after Close.
var ErrSinkClosed = errors.New("transcript: sink closed")

// HTTPSinkOption is a functional option for [NewHTTPSink].
type HTTPSinkOption func(*HTTPSink)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(c *http.Client) HTTPSinkOption {
	return func(s *HTTPSink) { s.client = c }
}

// WithQueueSize sets how many entries may wait for delivery. Default: 256.
func WithQueueSize(n int) HTTPSinkOption {
	return func(s *HTTPSink) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithPostTimeout bounds each delivery. Default: 5s.
func WithPostTimeout(d time.Duration) HTTPSinkOption {
	return func(s *HTTPSink) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// HTTPSink delivers entries to a [Board] in order from a single background
// worker. Post never blocks: when the queue is full the entry is dropped.
type HTTPSink struct {
	endpoint  string
	client    *http.Client
	queueSize int
	timeout   time.Duration

	queue     chan string
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHTTPSink starts a sink posting to the board at boardURL.
func NewHTTPSink(boardURL string, opts ...HTTPSinkOption) (*HTTPSink, error) {
	u, err := url.Parse(boardURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("transcript: invalid board url %q", boardURL)
	}
	s := &HTTPSink{
		endpoint:  strings.TrimSuffix(u.String(), "/") + "/update-text",
		client:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		queueSize: defaultQueueSize,
		timeout:   defaultPostTimeout,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.queue = make(chan string, s.queueSize)
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Post queues e for delivery.
func (s *HTTPSink) Post(_ context.Context, e Entry) error {
	text := Format(e)
	if text == "" {
		return nil
	}
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}
	select {
	case s.queue <- text:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the worker after delivering what is already queued.
func (s *HTTPSink) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

func (s *HTTPSink) run() {
	defer s.wg.Done()
	for {
		select {
		case text := <-s.queue:
			s.deliver(text)
		case <-s.done:
			for {
				select {
				case text := <-s.queue:
					s.deliver(text)
				default:
					return
				}
			}
		}
	}
}

func (s *HTTPSink) deliver(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(text))
	if err != nil {
		slog.Warn("transcript: build request", "err", err)
		return
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := s.client.Do(req)
	if err != nil {
		slog.Warn("transcript: post failed", "endpoint", s.endpoint, "err", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("transcript: board rejected update", "endpoint", s.endpoint, "status", resp.StatusCode)
	}
}

// Format renders e in the board's text protocol: the role label, then the
// text, with [FinalSuffix] on final entries.
func Format(e Entry) string {
	text := strings.TrimSpace(e.Text)
	if text == "" {
		return ""
	}
	if e.Role != "" {
		text = e.Role + ": " + text
	}
	if e.Final {
		text += FinalSuffix
	}
	return text
}

var _ Sink = (*HTTPSink)(nil)
