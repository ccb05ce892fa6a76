package server

import (
	"context"
	"errors"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/internal/relay"
)

// maxMessageBytes bounds one inbound websocket message. Media streaming
// envelopes carry base64 PCM, so a few hundred milliseconds of audio fit
// comfortably.
const maxMessageBytes = 1 << 20

// Transport adapts an accepted websocket to [relay.Transport]. Inbound
// messages of either frame type are returned verbatim; outbound envelopes
// are sent as text frames.
type Transport struct {
	conn *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

var _ relay.Transport = (*Transport)(nil)

// NewTransport wraps conn and raises its read limit for audio envelopes.
func NewTransport(conn *websocket.Conn) *Transport {
	conn.SetReadLimit(maxMessageBytes)
	return &Transport{conn: conn}
}

// Read blocks until the next message arrives or ctx ends.
func (t *Transport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Write sends msg as one text frame.
func (t *Transport) Write(ctx context.Context, msg []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, msg)
}

// Close performs the websocket closing handshake. Only the first call does
// any work; later calls return its result.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		err := t.conn.Close(websocket.StatusNormalClosure, "call ended")
		var ce websocket.CloseError
		if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
			err = nil
		}
		t.closeErr = err
	})
	return t.closeErr
}

// reject closes the connection with a policy status before the leg starts.
func (t *Transport) reject(code websocket.StatusCode, reason string) {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close(code, reason)
	})
}
