// Package codec turns compressed per-channel audio frames into PCM16 in the
// fixed format the transcription provider expects.
//
// A [Decoder] carries state across consecutive frames of one (call, channel)
// stream and must never be shared between streams. Decoders are not safe for
// concurrent use; the ingest path serialises frames per stream.
package codec

import (
	"errors"
	"fmt"

	"github.com/MrWong99/callscribe/pkg/audio"
)

// Supported codec names, as used in the audio.codec config key.
const (
	NamePCM16 = "pcm16"
	NameOpus  = "opus"
)

var (
	// ErrMalformed is returned when a payload cannot be decoded. It is
	// non-fatal: the frame is dropped and the stream continues.
	ErrMalformed = errors.New("codec: malformed payload")

	// ErrUnsupportedFormat is returned when a frame declares a sample rate,
	// channel count or sample width the codec cannot handle.
	ErrUnsupportedFormat = errors.New("codec: unsupported format")

	// ErrUnknownCodec is returned by [New] for an unrecognised codec name.
	ErrUnknownCodec = errors.New("codec: unknown codec")
)

// Frame is one compressed audio payload together with the format its
// producer declared.
type Frame struct {
	Payload       []byte
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// Format returns the PCM format the frame decodes into before conversion.
func (f Frame) Format() audio.Format {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return audio.Format{SampleRate: f.SampleRate, Channels: ch}
}

// Decoder decodes frames of a single stream.
//
// Decode returns PCM16 in the decoder's target format. A nil or empty result
// with a nil error means the frame carried no signal and must not be queued.
type Decoder interface {
	Decode(f Frame) ([]byte, error)
}

// Factory builds a fresh decoder that converts into target.
type Factory func(target audio.Format) (Decoder, error)

// New returns a decoder for the named codec.
func New(name string, target audio.Format) (Decoder, error) {
	switch name {
	case NamePCM16, "":
		return NewPCM16(target), nil
	case NameOpus:
		return NewOpus(target), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// finish converts decoded PCM into the target format and applies the
// no-signal rule shared by every codec.
func finish(conv *audio.Converter, pcm []byte, src audio.Format) []byte {
	if len(pcm) == 0 {
		return nil
	}
	out := conv.Convert(pcm, src)
	if len(out) == 0 || audio.IsSilent(out) {
		return nil
	}
	return out
}
