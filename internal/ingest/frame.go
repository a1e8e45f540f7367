// Package ingest is the entry point for audio frames coming from the audio
// transport. It validates a frame, routes it to the stream of its
// (call, channel) and reports a typed [Outcome] for every frame.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/callscribe/pkg/audio/codec"
	"github.com/MrWong99/callscribe/pkg/types"
)

// ErrInvalidFrame is returned for frames that fail validation. Invalid
// frames have no side effects.
var ErrInvalidFrame = errors.New("ingest: invalid frame")

// Frame is one inbound audio frame as sent by the audio transport.
type Frame struct {
	CallID        string        `json:"callId"`
	AudioType     types.Channel `json:"audioType"`
	AudioData     []byte        `json:"audioData"`
	SampleRate    int           `json:"sampleRate"`
	Channels      int           `json:"channels"`
	BitsPerSample int           `json:"bitsPerSample"`
	Timestamp     time.Time     `json:"timestamp"`
}

// ParseFrame decodes and validates a JSON frame. audioData is standard
// base64.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Validate checks the fields the pipeline depends on. All problems are
// reported together.
func (f Frame) Validate() error {
	var errs []error
	if f.CallID == "" {
		errs = append(errs, errors.New("callId must not be empty"))
	}
	if !f.AudioType.IsValid() {
		errs = append(errs, fmt.Errorf("audioType %q must be %q or %q", f.AudioType, types.ChannelMic, types.ChannelSpeaker))
	}
	if len(f.AudioData) == 0 {
		errs = append(errs, errors.New("audioData must not be empty"))
	}
	if f.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sampleRate %d must be positive", f.SampleRate))
	}
	switch f.BitsPerSample {
	case 0, 8, 16:
	default:
		errs = append(errs, fmt.Errorf("bitsPerSample %d must be 8 or 16", f.BitsPerSample))
	}
	if f.Channels < 0 || f.Channels > 2 {
		errs = append(errs, fmt.Errorf("channels %d must be 1 or 2", f.Channels))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidFrame, errors.Join(errs...))
	}
	return nil
}

// Key returns the stream the frame belongs to.
func (f Frame) Key() types.StreamKey {
	return types.StreamKey{CallID: f.CallID, Channel: f.AudioType}
}

// Codec returns the decoder input for f.
func (f Frame) Codec() codec.Frame {
	return codec.Frame{
		Payload:       f.AudioData,
		SampleRate:    f.SampleRate,
		Channels:      f.Channels,
		BitsPerSample: f.BitsPerSample,
	}
}
