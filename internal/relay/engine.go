package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/translation"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/wire"
)

// segment is one piece of translated text queued for synthesis.
type segment struct {
	text    string
	trigger string
	queued  time.Time
}

// Engine relays one call leg. Create it with [New], run it with
// [Engine.Start], and end it with [Engine.Stop].
type Engine struct {
	cfg     Config
	in      Transport
	out     Transport
	rec     translation.Provider
	syn     tts.Provider
	sink    transcript.Sink
	metrics *observe.Metrics
	now     func() time.Time
	log     *slog.Logger

	bytesPerMs int64
	convert    *audio.Converter

	// life ends on Stop; every run context is bound to it.
	life context.Context
	kill context.CancelFunc

	segments chan segment
	swap     chan translation.Session

	mu        sync.Mutex
	state     State
	starting  bool
	ctx       context.Context
	reconn    *Reconnector
	startedAt time.Time
	bytesSent int64
	seg       *segmenter
	playing   bool
	played    int
	attenuate bool
	carry     []byte

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// New creates an idle engine reading the leg's audio from in and writing
// echo and synthesized audio to out.
func New(cfg Config, in, out Transport, rec translation.Provider, syn tts.Provider, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if in == nil || out == nil {
		return nil, errors.New("relay: inbound and outbound transports are required")
	}
	if rec == nil || syn == nil {
		return nil, errors.New("relay: recognition and synthesis providers are required")
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		cfg:        cfg,
		in:         in,
		out:        out,
		rec:        rec,
		syn:        syn,
		sink:       transcript.Nop{},
		now:        time.Now,
		bytesPerMs: int64(cfg.Format.BytesPerMillisecond()),
		segments:   make(chan segment, cfg.SegmentQueue),
		swap:       make(chan translation.Session, 1),
		seg:        newSegmenter(cfg.SentenceMarks),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	e.log = e.log.With("leg", cfg.LegID, "role", cfg.Role)

	conv := &audio.Converter{From: cfg.SynthesisFormat, To: cfg.Format}
	if !conv.Passthrough() {
		e.convert = conv
	}
	e.life, e.kill = context.WithCancel(context.Background())
	e.ctx = e.life
	return e, nil
}

// Start opens continuous recognition, records the pacing baseline, and
// launches the receive loop. It fails with [ErrInvalidState] unless the
// engine is idle; a failed start leaves the engine idle.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIdle || e.starting {
		st := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: start while %s", ErrInvalidState, st)
	}
	e.starting = true
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	context.AfterFunc(e.life, cancel)

	reconn := NewReconnector(e.cfg.LegID, e.dial, e.cfg.Reconnect, e.onReconnect, e.onGiveUp)
	sess, err := reconn.Connect(runCtx)

	e.mu.Lock()
	e.starting = false
	if err != nil {
		e.mu.Unlock()
		cancel()
		return err
	}
	if e.state == StateClosed {
		e.mu.Unlock()
		cancel()
		_ = reconn.Stop()
		return ErrClosed
	}
	e.ctx = runCtx
	e.reconn = reconn
	e.state = StateListening
	e.startedAt = e.now()
	e.mu.Unlock()

	reconn.Monitor(runCtx)
	e.wg.Add(3)
	go e.consume(runCtx, sess)
	go e.synthesize(runCtx)
	go e.receive(runCtx)

	e.log.Info("relay started",
		"source", e.cfg.SourceLanguage,
		"target", e.cfg.TargetLanguage,
		"format", e.cfg.Format.String(),
	)
	return nil
}

// Stop cancels the receive loop, stops recognition, and closes the engine.
// Safe to call concurrently and more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.kill()

		e.mu.Lock()
		e.state = StateClosed
		reconn := e.reconn
		sent := e.bytesSent
		e.mu.Unlock()

		if reconn != nil {
			if err := reconn.Stop(); err != nil {
				e.log.Warn("stop recognition", "err", err)
			}
		}
		close(e.done)
		e.log.Info("relay stopped", "bytes_sent", sent)
	})
}

// Wait blocks until every goroutine launched by Start has returned.
func (e *Engine) Wait() { e.wg.Wait() }

// Done is closed once Stop has run.
func (e *Engine) Done() <-chan struct{} { return e.done }

// State returns the current lifecycle phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stats returns a snapshot of the engine's relay state.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		State:        e.state,
		StateName:    e.state.String(),
		BytesSent:    e.bytesSent,
		SegmentCount: e.seg.count(),
		Synthesizing: e.playing,
		Attenuated:   e.attenuate,
		StartedAt:    e.startedAt,
	}
}

// ── inbound ──────────────────────────────────────────────────────────────────

// Feed handles one inbound wire message. Silence and non-audio messages are
// dropped. Audio is pushed into recognition and offered to the echo path.
//
// Malformed messages return an error wrapping [wire.ErrMalformed] and
// leave the engine untouched. Errors wrapping [ErrTransport] mean the
// outbound transport failed.
func (e *Engine) Feed(raw []byte) error {
	msg, err := wire.Decode(raw)
	if err != nil {
		e.log.Debug("dropping malformed message", "err", err)
		return err
	}
	e.metrics.RecordFrame(e.life, e.cfg.Role, msg.Kind.String())
	if msg.Kind != wire.KindAudio || len(msg.Frame.Data) == 0 {
		return nil
	}

	if st := e.State(); st != StateListening {
		return fmt.Errorf("%w: feed while %s", ErrInvalidState, st)
	}
	if sess := e.reconn.Session(); sess != nil {
		if err := sess.Write(msg.Frame.Data); err != nil {
			e.log.Debug("recognition write failed", "err", err)
		}
	}
	return e.echo(msg.Frame.Data)
}

// echo forwards pcm to the peer unless synthesis is playing or the leg is
// ahead of wall-clock time.
func (e *Engine) echo(pcm []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.state != StateListening:
		e.metrics.RecordDrop(e.life, e.cfg.Role, DropClosed)
		return nil
	case e.playing:
		e.metrics.RecordDrop(e.life, e.cfg.Role, DropSynthesis)
		return nil
	case !e.paceAllowsLocked():
		e.metrics.RecordDrop(e.life, e.cfg.Role, DropPacing)
		return nil
	}

	if e.attenuate {
		pcm = audio.Attenuate16(pcm, e.cfg.EchoAttenuation)
	}
	if err := e.writeLocked(pcm); err != nil {
		return fmt.Errorf("relay: echo: %w", err)
	}
	e.metrics.RecordEchoBytes(e.life, e.cfg.Role, len(pcm))
	return nil
}

// paceAllowsLocked reports whether the outbound stream is behind real time.
// The first chunk is always allowed so the stream starts at once.
func (e *Engine) paceAllowsLocked() bool {
	if e.bytesSent == 0 {
		return true
	}
	elapsed := e.now().Sub(e.startedAt).Milliseconds()
	return e.bytesSent < elapsed*e.bytesPerMs
}

// writeLocked frames pcm and sends it to the peer. e.mu must be held.
func (e *Engine) writeLocked(pcm []byte) error {
	if e.state != StateListening {
		return ErrClosed
	}
	msg, err := wire.Encode(pcm, e.now())
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(e.ctx, e.cfg.WriteTimeout)
	defer cancel()
	if err := e.out.Write(wctx, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	e.bytesSent += int64(len(pcm))
	return nil
}

func (e *Engine) receive(ctx context.Context) {
	defer e.wg.Done()
	defer e.Stop()

	for {
		rctx, cancel := context.WithTimeout(ctx, e.cfg.ReceiveTimeout)
		raw, err := e.in.Read(rctx)
		timedOut := errors.Is(rctx.Err(), context.DeadlineExceeded)
		cancel()
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case timedOut:
				e.log.Warn("receive timed out", "timeout", e.cfg.ReceiveTimeout)
			default:
				e.log.Info("inbound transport closed", "err", err)
			}
			return
		}
		if err := e.Feed(raw); err != nil && !errors.Is(err, wire.ErrMalformed) {
			if ctx.Err() == nil {
				e.log.Warn("relay loop ending", "err", err)
			}
			return
		}
	}
}

// ── recognition ──────────────────────────────────────────────────────────────

func (e *Engine) dial(ctx context.Context) (translation.Session, error) {
	return e.rec.StartSession(ctx, translation.SessionConfig{
		SourceLanguage: e.cfg.SourceLanguage,
		TargetLanguage: e.cfg.TargetLanguage,
		SampleRate:     e.cfg.Format.SampleRate,
		Channels:       e.cfg.Format.Channels,
	})
}

func (e *Engine) onReconnect(s translation.Session) {
	select {
	case e.swap <- s:
	case <-e.life.Done():
	}
}

func (e *Engine) onGiveUp(err error) {
	e.log.Error("recognition lost", "err", err)
	e.Stop()
}

// consume drains recognition events, replacing the session whenever the
// reconnector delivers a new one.
func (e *Engine) consume(ctx context.Context, sess translation.Session) {
	defer e.wg.Done()
	for {
		fatal := e.drain(ctx, sess)
		if ctx.Err() != nil {
			return
		}
		if fatal {
			e.Stop()
			return
		}
		e.metrics.RecordReconnect(ctx, e.cfg.Role)
		e.reconn.NotifyDisconnect()
		select {
		case <-ctx.Done():
			return
		case sess = <-e.swap:
		}
	}
}

// drain handles events until the session ends. It reports whether the end
// was a cancellation the leg cannot recover from.
func (e *Engine) drain(ctx context.Context, sess translation.Session) bool {
	events := sess.Events()
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				e.log.Warn("recognition session ended unexpectedly")
				return false
			}
			switch ev.Kind {
			case translation.EventSessionStarted:
				e.log.Debug("recognition session started")
			case translation.EventPartial:
				e.OnPartialTranslation(e.translationOf(ev))
			case translation.EventFinal:
				e.OnFinalTranslation(e.translationOf(ev))
			case translation.EventCanceled:
				e.log.Warn("recognition canceled",
					"reason", ev.Reason,
					"details", ev.Details,
					"recoverable", ev.Recoverable,
				)
				return !ev.Recoverable
			case translation.EventSessionStopped:
				e.log.Debug("recognition session stopped")
			}
		}
	}
}

func (e *Engine) translationOf(ev translation.Event) string {
	if t := ev.Translation(e.cfg.TargetLanguage); t != "" {
		return t
	}
	if len(ev.Translations) == 1 {
		for _, t := range ev.Translations {
			return t
		}
	}
	return ""
}

// OnPartialTranslation posts text to the transcript sink and submits any
// newly completed sentences for synthesis.
func (e *Engine) OnPartialTranslation(text string) {
	if text == "" {
		return
	}
	e.post(text, false)

	e.mu.Lock()
	if e.state != StateListening {
		e.mu.Unlock()
		return
	}
	seg, ok := e.seg.partial(text)
	e.mu.Unlock()

	if ok {
		e.submit(seg, "partial")
	}
}

// OnFinalTranslation submits the unsynthesized tail of the utterance and
// resets the segmentation counter.
func (e *Engine) OnFinalTranslation(text string) {
	e.post(text, true)

	e.mu.Lock()
	tail := e.seg.final(text)
	open := e.state == StateListening
	e.mu.Unlock()

	if open && tail != "" {
		e.submit(tail, "final")
	}
}

func (e *Engine) post(text string, final bool) {
	if text == "" {
		return
	}
	err := e.sink.Post(e.life, transcript.Entry{
		LegID: e.cfg.LegID,
		Role:  e.cfg.Role,
		Text:  text,
		Final: final,
	})
	if err != nil {
		e.log.Debug("transcript post failed", "err", err)
	}
}

func (e *Engine) submit(text, trigger string) {
	select {
	case e.segments <- segment{text: text, trigger: trigger, queued: e.now()}:
		e.metrics.RecordSegment(e.life, e.cfg.Role, trigger)
	case <-e.life.Done():
	}
}

// ── synthesis ────────────────────────────────────────────────────────────────

// synthesize speaks queued segments one at a time, in order.
func (e *Engine) synthesize(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-e.segments:
			err := e.speak(ctx, s)
			switch {
			case err == nil:
			case ctx.Err() != nil, errors.Is(err, ErrClosed):
				return
			case errors.Is(err, ErrTransport):
				e.log.Warn("synthesis write failed", "err", err)
				e.Stop()
				return
			default:
				e.metrics.RecordProviderError(ctx, e.cfg.Voice.Provider, "tts")
				e.log.Warn("synthesis failed", "text_len", len(s.text), "err", err)
			}
		}
	}
}

func (e *Engine) speak(ctx context.Context, s segment) (err error) {
	ctx, span := observe.StartSpan(ctx, "relay.speak", trace.WithAttributes(
		attribute.String("parley.trigger", s.trigger),
		attribute.Int("parley.text_len", len(s.text)),
	))
	defer func() { observe.EndSpan(span, err) }()

	text := make(chan string, 1)
	text <- s.text
	close(text)

	chunks, err := e.syn.SynthesizeStream(ctx, text, e.cfg.Voice)
	if err != nil {
		return fmt.Errorf("relay: synthesize: %w", err)
	}
	defer e.endSynthesis()

	first := true
	for chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}
		if first {
			e.metrics.RecordSynthesisLatency(ctx, e.cfg.Role, e.now().Sub(s.queued))
			first = false
		}
		if err := e.OnSynthesisAudio(chunk); err != nil {
			return err
		}
	}
	return nil
}

// OnSynthesisAudio strips the container header from a synthesized chunk,
// converts it to the leg format, and writes it to the peer. While chunks of
// an utterance are being written the echo path is muted. An empty chunk
// marks the end of the utterance.
func (e *Engine) OnSynthesisAudio(chunk []byte) error {
	if len(chunk) == 0 {
		e.endSynthesis()
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateListening {
		return ErrClosed
	}
	e.playing = true

	pcm := e.convertLocked(wire.StripContainerHeader(chunk))
	if len(pcm) == 0 {
		return nil
	}
	if err := e.writeLocked(pcm); err != nil {
		return fmt.Errorf("relay: synthesis audio: %w", err)
	}
	e.played += len(pcm)
	e.metrics.RecordSynthesisBytes(e.life, e.cfg.Role, len(pcm))
	return nil
}

// convertLocked converts synthesized PCM to the leg format, carrying a
// partial sample frame over to the next chunk.
func (e *Engine) convertLocked(pcm []byte) []byte {
	if e.convert == nil {
		return pcm
	}
	frame := e.cfg.SynthesisFormat.BytesPerSample() * e.cfg.SynthesisFormat.Channels
	if len(e.carry) > 0 {
		pcm = append(e.carry, pcm...)
		e.carry = nil
	}
	if rem := len(pcm) % frame; rem != 0 {
		e.carry = append([]byte(nil), pcm[len(pcm)-rem:]...)
		pcm = pcm[:len(pcm)-rem]
	}
	if len(pcm) == 0 {
		return nil
	}
	return e.convert.Convert(pcm)
}

// endSynthesis releases the echo path. Once anything has played, later
// echo is attenuated for the rest of the call.
func (e *Engine) endSynthesis() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.played > 0 && e.cfg.EchoAttenuation < 1 {
		e.attenuate = true
	}
	e.playing = false
	e.played = 0
	e.carry = nil
	if e.convert != nil {
		e.convert.Reset()
	}
}
