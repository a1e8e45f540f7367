// Package realtime defines the Provider interface for streaming transcription
// backends that speak a realtime event protocol over a persistent
// bidirectional connection.
//
// A Provider dials a Conn. The caller configures the Conn once, streams PCM16
// audio into it and reads typed events back out with Next. Conn carries no
// reconnection logic of its own; a dropped Conn is discarded and a new one is
// dialled by the owner.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnexpectedMessage is returned by [Conn.Next] when the provider sends
// something that is not a well-formed protocol event. It is a protocol
// violation and therefore never recovered by reconnecting.
var ErrUnexpectedMessage = errors.New("realtime: unexpected message")

// EventType is the wire name of a provider event.
type EventType string

const (
	EventSessionCreated      EventType = "transcription_session.created"
	EventSessionUpdated      EventType = "transcription_session.updated"
	EventSpeechStarted       EventType = "input_audio_buffer.speech_started"
	EventSpeechStopped       EventType = "input_audio_buffer.speech_stopped"
	EventCommitted           EventType = "input_audio_buffer.committed"
	EventTranscriptDelta     EventType = "conversation.item.input_audio_transcription.delta"
	EventTranscriptCompleted EventType = "conversation.item.input_audio_transcription.completed"
	EventTranscriptFailed    EventType = "conversation.item.input_audio_transcription.failed"
	EventError               EventType = "error"
)

// VAD holds the server-side voice activity detection parameters.
type VAD struct {
	Threshold         float64
	PrefixPaddingMs   int
	SilenceDurationMs int
}

// SessionParams is the configuration sent once per connection before any
// audio is forwarded.
type SessionParams struct {
	// Model is the transcription model, e.g. "gpt-4o-transcribe".
	Model string

	// Language is an ISO-639-1 hint. Empty lets the provider detect it.
	Language string

	// Prompt biases recognition towards expected vocabulary.
	Prompt string

	// NoiseReduction is "near_field", "far_field" or empty to disable.
	NoiseReduction string

	VAD VAD
}

// Event is one inbound provider event.
type Event struct {
	Type EventType

	// ItemID identifies the utterance a transcript event belongs to.
	ItemID string

	// Text is the incremental delta for EventTranscriptDelta and the full
	// utterance for EventTranscriptCompleted.
	Text string

	// AudioStartMs and AudioEndMs are set on speech started/stopped events.
	AudioStartMs int
	AudioEndMs   int

	// Error is set for EventError and EventTranscriptFailed.
	Error *ProviderError

	// Received is the local time the event was read off the wire.
	Received time.Time
}

// ProviderError is an error the provider reported in-band. It never tears
// the connection down by itself.
type ProviderError struct {
	Type    string
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime: provider error %s/%s: %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("realtime: provider error %s: %s", e.Type, e.Message)
}

// HandshakeError is returned by [Provider.Dial] when the server answered the
// upgrade request with a non-101 status.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("realtime: handshake rejected with HTTP %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Conn is one live provider connection.
//
// Configure and SendAudio may be called concurrently with Next. Next must
// only be called from a single goroutine. Close is idempotent and unblocks a
// pending Next.
type Conn interface {
	// Configure sends the session configuration message. Acknowledgement
	// arrives later as an [EventSessionUpdated] from Next.
	Configure(ctx context.Context, params SessionParams) error

	// SendAudio forwards one chunk of PCM16 audio.
	SendAudio(ctx context.Context, pcm []byte) error

	// Next blocks until the next event arrives or the connection fails.
	Next(ctx context.Context) (Event, error)

	// Close terminates the connection with a normal closure.
	Close() error
}

// Provider dials new connections. Implementations must be safe for
// concurrent use.
type Provider interface {
	Dial(ctx context.Context) (Conn, error)
}
