// Package openai implements the realtime.Provider interface for the
// transcription intent of OpenAI's Realtime API.
//
// Each Dial opens one WebSocket to the Realtime endpoint with
// intent=transcription. Audio is sent as base64-encoded PCM16 in
// input_audio_buffer.append events and utterance boundaries are left to the
// server-side VAD, so no commit events are ever sent.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callscribe/pkg/provider/realtime"
)

// Compile-time assertions that Provider and conn satisfy the realtime interfaces.
var _ realtime.Provider = (*Provider)(nil)
var _ realtime.Conn = (*conn)(nil)

const (
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// readLimit bounds a single inbound message.
	readLimit = 1 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	baseURL string
}

// New creates a new OpenAI Realtime transcription Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Dial opens a new transcription connection. The returned Conn is not yet
// configured; call Configure before sending audio.
func (p *Provider) Dial(ctx context.Context) (realtime.Conn, error) {
	wsURL := p.baseURL + "?intent=transcription"

	ws, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &realtime.HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	ws.SetReadLimit(readLimit)
	return &conn{ws: ws}, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	InputAudioFormat         string                    `json:"input_audio_format"`
	InputAudioTranscription  inputAudioTranscription   `json:"input_audio_transcription"`
	TurnDetection            turnDetection             `json:"turn_detection"`
	InputAudioNoiseReduction *inputAudioNoiseReduction `json:"input_audio_noise_reduction,omitempty"`
}

type inputAudioTranscription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type inputAudioNoiseReduction struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	ItemID string `json:"item_id,omitempty"`

	// conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// input_audio_buffer.speech_started / speech_stopped
	AudioStartMs int `json:"audio_start_ms,omitempty"`
	AudioEndMs   int `json:"audio_end_ms,omitempty"`

	// error / conversation.item.input_audio_transcription.failed
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// Configure sends a transcription_session.update event.
func (c *conn) Configure(ctx context.Context, params realtime.SessionParams) error {
	msg := sessionUpdateMessage{
		Type: "transcription_session.update",
		Session: sessionParams{
			InputAudioFormat: "pcm16",
			InputAudioTranscription: inputAudioTranscription{
				Model:    params.Model,
				Language: params.Language,
				Prompt:   params.Prompt,
			},
			TurnDetection: turnDetection{
				Type:              "server_vad",
				Threshold:         params.VAD.Threshold,
				PrefixPaddingMs:   params.VAD.PrefixPaddingMs,
				SilenceDurationMs: params.VAD.SilenceDurationMs,
			},
		},
	}
	if params.NoiseReduction != "" {
		msg.Session.InputAudioNoiseReduction = &inputAudioNoiseReduction{Type: params.NoiseReduction}
	}
	if err := c.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("openai: session update: %w", err)
	}
	return nil
}

// SendAudio sends one input_audio_buffer.append event.
func (c *conn) SendAudio(ctx context.Context, pcm []byte) error {
	return c.writeJSON(ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// Next reads and parses the next server event.
func (c *conn) Next(ctx context.Context) (realtime.Event, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return realtime.Event{}, fmt.Errorf("openai: read: %w", err)
	}
	if typ != websocket.MessageText {
		return realtime.Event{}, fmt.Errorf("%w: binary frame of %d bytes", realtime.ErrUnexpectedMessage, len(data))
	}
	evt, ok := parseServerEvent(data)
	if !ok {
		return realtime.Event{}, fmt.Errorf("%w: %.120s", realtime.ErrUnexpectedMessage, data)
	}
	return evt, nil
}

// Close terminates the connection with a normal closure. Idempotent.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close(websocket.StatusNormalClosure, "session closed")
	})
	return c.closeErr
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// parseServerEvent decodes one server event. It returns false when data is
// not a JSON object carrying a type.
func parseServerEvent(data []byte) (realtime.Event, bool) {
	var raw serverEvent
	if err := json.Unmarshal(data, &raw); err != nil || raw.Type == "" {
		return realtime.Event{}, false
	}

	evt := realtime.Event{
		Type:         realtime.EventType(raw.Type),
		ItemID:       raw.ItemID,
		AudioStartMs: raw.AudioStartMs,
		AudioEndMs:   raw.AudioEndMs,
		Received:     time.Now(),
	}
	switch evt.Type {
	case realtime.EventTranscriptDelta:
		evt.Text = raw.Delta
	case realtime.EventTranscriptCompleted:
		evt.Text = raw.Transcript
	}
	if raw.Error != nil {
		evt.Error = &realtime.ProviderError{
			Type:    raw.Error.Type,
			Code:    raw.Error.Code,
			Message: raw.Error.Message,
		}
	} else if evt.Type == realtime.EventError {
		evt.Error = &realtime.ProviderError{Type: "unknown", Message: "unknown error"}
	}
	return evt, true
}
