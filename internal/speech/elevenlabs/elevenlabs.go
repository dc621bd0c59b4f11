// Package elevenlabs synthesizes spoken replies with the ElevenLabs
// stream-input WebSocket API.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/coder/websocket"

	"github.com/MrWong99/barkeep/internal/speech"
)

const (
	defaultBaseURL   = "wss://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// Option configures a [Client].
type Option func(*Client)

// WithModel sets the ElevenLabs model id.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithOutputFormat sets the audio format, e.g. "pcm_24000".
func WithOutputFormat(format string) Option {
	return func(c *Client) { c.outputFormat = format }
}

// WithBaseURL points the client at another host. Used by tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// Client implements [speech.Synthesizer].
type Client struct {
	apiKey       string
	voiceID      string
	model        string
	outputFormat string
	baseURL      string
}

var _ speech.Synthesizer = (*Client)(nil)

// New returns a Client speaking with voiceID.
func New(apiKey, voiceID string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: api key must not be empty")
	}
	if voiceID == "" {
		return nil, errors.New("elevenlabs: voice id must not be empty")
	}
	c := &Client{
		apiKey:       apiKey,
		voiceID:      voiceID,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		baseURL:      defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// initMessage opens the stream. ElevenLabs requires a single space as the
// first text.
type initMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

type textMessage struct {
	Text string `json:"text"`
}

type audioMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (c *Client) streamURL() string {
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?model_id=%s",
		c.baseURL, url.PathEscape(c.voiceID), url.QueryEscape(c.model))
}

// Synthesize sends text in one generation request and returns the
// concatenated PCM audio.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if text == "" {
		return nil, speech.ErrEmptyText
	}
	conn, _, err := websocket.Dial(ctx, c.streamURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(8 << 20)

	msgs := []any{
		initMessage{
			Text:          " ",
			VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
			XiAPIKey:      c.apiKey,
			OutputFormat:  c.outputFormat,
		},
		textMessage{Text: text + " "},
		// An empty text closes the input and flushes the remaining audio.
		textMessage{Text: ""},
	}
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("elevenlabs: encode: %w", err)
		}
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			return nil, fmt.Errorf("elevenlabs: send: %w", err)
		}
	}

	var pcm bytes.Buffer
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && pcm.Len() > 0 {
				break
			}
			return nil, fmt.Errorf("elevenlabs: read: %w", err)
		}
		var msg audioMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			return nil, fmt.Errorf("elevenlabs: %s: %s", msg.Error, msg.Message)
		}
		if msg.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				return nil, fmt.Errorf("elevenlabs: decode audio: %w", err)
			}
			pcm.Write(chunk)
		}
		if msg.IsFinal {
			break
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
	return pcm.Bytes(), nil
}
