package codec

import (
	"fmt"

	"github.com/MrWong99/callscribe/pkg/audio"
)

// PCM16 passes raw little-endian PCM through, widening 8-bit unsigned input
// and converting rate and channel count to the target format.
type PCM16 struct {
	conv *audio.Converter
}

var _ Decoder = (*PCM16)(nil)

// NewPCM16 returns a raw PCM decoder that converts into target.
func NewPCM16(target audio.Format) *PCM16 {
	return &PCM16{conv: &audio.Converter{Target: target}}
}

// Decode implements [Decoder].
func (d *PCM16) Decode(f Frame) ([]byte, error) {
	if f.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrUnsupportedFormat, f.SampleRate)
	}
	src := f.Format()

	pcm := f.Payload
	switch f.BitsPerSample {
	case 16, 0:
	case 8:
		pcm = audio.WidenUnsigned8(pcm)
	default:
		return nil, fmt.Errorf("%w: %d bits per sample", ErrUnsupportedFormat, f.BitsPerSample)
	}
	if len(pcm)%src.FrameBytes() != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %s frames", ErrMalformed, len(pcm), src)
	}
	return finish(d.conv, pcm, src), nil
}
