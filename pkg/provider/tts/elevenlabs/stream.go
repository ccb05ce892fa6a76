package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

// maxMessage bounds one server message; a long sentence arrives as a single
// base64 audio frame.
const maxMessage = 4 << 20

// errFinished stops the sender once the server reports the last chunk.
var errFinished = errors.New("elevenlabs: stream finished")

// textMessage carries one text fragment. The first message of a stream also
// carries the key and voice settings; an empty Text ends the input.
type textMessage struct {
	Text                 string         `json:"text"`
	VoiceSettings        *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey             string         `json:"xi_api_key,omitempty"`
	TryTriggerGeneration bool           `json:"try_trigger_generation,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is one server message.
type audioResponse struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func settingsFor(voice tts.VoiceProfile) *voiceSettings {
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1 {
		vs.Speed = voice.SpeedFactor
	}
	return vs
}

func (p *Provider) streamURL(voice tts.VoiceProfile) string {
	q := url.Values{
		"model_id":      {p.model},
		"output_format": {p.outputFormat},
	}
	// ElevenLabs takes ISO 639-1 codes, not BCP-47 tags.
	if lang, _, _ := strings.Cut(voice.Language, "-"); lang != "" {
		q.Set("language_code", strings.ToLower(lang))
	}
	return p.wsBase + "/v1/text-to-speech/" + url.PathEscape(voice.ID) + "/stream-input?" + q.Encode()
}

// SynthesizeStream opens one input stream for voice, forwards every
// non-blank fragment read from text and emits the decoded PCM. Closing text
// flushes the remaining audio. The returned channel closes when the server
// reports the final chunk, the socket fails or ctx ends.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice ID is required")
	}
	conn, _, err := websocket.Dial(ctx, p.streamURL(voice), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	conn.SetReadLimit(maxMessage)

	// The stream opens with a single space.
	if err := writeJSON(ctx, conn, textMessage{Text: " ", VoiceSettings: settingsFor(voice), XiAPIKey: p.apiKey}); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("elevenlabs: open stream: %w", err)
	}

	out := make(chan []byte, 256)
	go func() {
		defer close(out)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return sendText(gctx, conn, text) })
		g.Go(func() error { return receiveAudio(gctx, conn, out) })

		err := g.Wait()
		if err != nil && !errors.Is(err, errFinished) && ctx.Err() == nil {
			slog.Warn("elevenlabs: stream ended early", "voice", voice.ID, "err", err)
			conn.Close(websocket.StatusInternalError, "")
			return
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}()
	return out, nil
}

func sendText(ctx context.Context, conn *websocket.Conn, text <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-text:
			if !ok {
				return writeJSON(ctx, conn, textMessage{})
			}
			if strings.TrimSpace(s) == "" {
				continue
			}
			// Fragments must end in a space.
			if err := writeJSON(ctx, conn, textMessage{Text: s + " ", TryTriggerGeneration: true}); err != nil {
				return err
			}
		}
	}
}

func receiveAudio(ctx context.Context, conn *websocket.Conn, out chan<- []byte) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var resp audioResponse
		if json.Unmarshal(data, &resp) != nil {
			continue
		}
		if resp.Error != "" {
			return fmt.Errorf("elevenlabs: server: %s: %s", resp.Error, resp.Message)
		}
		if pcm, err := base64.StdEncoding.DecodeString(resp.Audio); err == nil && len(pcm) > 0 {
			select {
			case out <- pcm:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if resp.IsFinal {
			return errFinished
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
