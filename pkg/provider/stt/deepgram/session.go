package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/coder/websocket"
)

// Control messages understood by the listen socket.
var (
	msgKeepAlive   = []byte(`{"type":"KeepAlive"}`)
	msgCloseStream = []byte(`{"type":"CloseStream"}`)
)

// closeGrace bounds the CloseStream handshake on Close.
const closeGrace = 2 * time.Second

// session is one live listen socket. It implements [stt.SessionHandle].
type session struct {
	conn      *websocket.Conn
	keepAlive time.Duration
	cancel    context.CancelFunc

	audio    chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ stt.SessionHandle = (*session)(nil)

func startSession(conn *websocket.Conn, keepAlive time.Duration) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:      conn,
		keepAlive: keepAlive,
		cancel:    cancel,
		audio:     make(chan []byte, 256),
		partials:  make(chan stt.Transcript, 64),
		finals:    make(chan stt.Transcript, 64),
		done:      make(chan struct{}),
	}
	s.wg.Add(2)
	go s.receive(ctx)
	go s.transmit(ctx)
	return s
}

// SendAudio queues chunk for the socket. It blocks while the queue is full.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }
func (s *session) Finals() <-chan stt.Transcript   { return s.finals }

// SetKeywords always fails: keywords are fixed when the socket opens.
func (s *session) SetKeywords([]stt.KeywordBoost) error {
	return fmt.Errorf("deepgram: set keywords: %w", stt.ErrNotSupported)
}

// Close asks Deepgram to flush, hangs up and waits for both pumps. Safe to
// call more than once.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
		_ = s.conn.Write(ctx, websocket.MessageText, msgCloseStream)
		cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

// transmit forwards queued audio and pings while the caller sends none,
// which is the case whenever the relay suppresses silent frames.
func (s *session) transmit(ctx context.Context) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.keepAlive > 0 {
		t := time.NewTicker(s.keepAlive)
		defer t.Stop()
		tick = t.C
	}
	idle := true
	for {
		var err error
		select {
		case <-s.done:
			return
		case chunk := <-s.audio:
			idle = false
			err = s.conn.Write(ctx, websocket.MessageBinary, chunk)
		case <-tick:
			if idle {
				err = s.conn.Write(ctx, websocket.MessageText, msgKeepAlive)
			}
			idle = true
		}
		if err != nil {
			return
		}
	}
}

// receive decodes server events until the socket drops, then closes both
// transcript channels.
func (s *session) receive(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var u utterance
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var m message
		if json.Unmarshal(data, &m) != nil {
			continue
		}

		var (
			t  stt.Transcript
			ok bool
		)
		switch m.Type {
		case "UtteranceEnd":
			t, ok = u.flush()
		case "Results":
			var p piece
			if p, ok = m.piece(); ok {
				t, ok = u.add(p)
			}
		}
		if !ok {
			continue
		}
		out := s.partials
		if t.IsFinal {
			out = s.finals
		}
		select {
		case out <- t:
		case <-s.done:
		}
	}
}

// ── server events ───────────────────────────────────────────────────────────

// message is the union of the listen socket's JSON events. Only Results and
// UtteranceEnd are acted on.
type message struct {
	Type        string  `json:"type"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	Channel     struct {
		Alternatives []alternative `json:"alternatives"`
	} `json:"channel"`
}

type alternative struct {
	Transcript string   `json:"transcript"`
	Confidence float64  `json:"confidence"`
	Languages  []string `json:"languages"`
	Words      []struct {
		Word       string  `json:"word"`
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Confidence float64 `json:"confidence"`
	} `json:"words"`
}

// piece is one Results event reduced to a transcript.
type piece struct {
	stt.Transcript
	speechFinal bool
}

// piece extracts the top alternative of a Results event.
func (m *message) piece() (piece, bool) {
	if m.Type != "Results" || len(m.Channel.Alternatives) == 0 {
		return piece{}, false
	}
	alt := m.Channel.Alternatives[0]

	t := stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    m.IsFinal,
		Confidence: alt.Confidence,
		Timestamp:  seconds(m.Start),
		Duration:   seconds(m.Duration),
		Words:      make([]stt.WordDetail, len(alt.Words)),
	}
	if len(alt.Languages) > 0 {
		t.Language = alt.Languages[0]
	}
	for i, w := range alt.Words {
		t.Words[i] = stt.WordDetail{
			Word:       w.Word,
			Start:      seconds(w.Start),
			End:        seconds(w.End),
			Confidence: w.Confidence,
		}
	}
	return piece{Transcript: t, speechFinal: m.SpeechFinal}, true
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
