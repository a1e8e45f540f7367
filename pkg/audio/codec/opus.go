package codec

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/callscribe/pkg/audio"
)

// maxOpusFrameMs is the longest duration a single Opus packet can carry.
const maxOpusFrameMs = 120

// Opus decodes one Opus packet per frame with a gopus decoder that is kept
// across frames. The decoder is recreated when the declared rate or channel
// count changes mid-stream.
type Opus struct {
	conv *audio.Converter

	dec    *gopus.Decoder
	format audio.Format
}

var _ Decoder = (*Opus)(nil)

// NewOpus returns an Opus decoder that converts into target. The underlying
// gopus decoder is created lazily from the first frame's declared format.
func NewOpus(target audio.Format) *Opus {
	return &Opus{conv: &audio.Converter{Target: target}}
}

// Decode implements [Decoder].
func (d *Opus) Decode(f Frame) ([]byte, error) {
	src := f.Format()
	if !validOpusRate(src.SampleRate) || src.Channels > 2 {
		return nil, fmt.Errorf("%w: opus %s", ErrUnsupportedFormat, src)
	}
	if len(f.Payload) == 0 {
		return nil, nil
	}

	if d.dec == nil || d.format != src {
		dec, err := gopus.NewDecoder(src.SampleRate, src.Channels)
		if err != nil {
			return nil, fmt.Errorf("codec: create opus decoder: %w", err)
		}
		d.dec = dec
		d.format = src
	}

	// frameSize is samples per channel; gopus needs room for the longest packet.
	frameSize := src.SampleRate * maxOpusFrameMs / 1000
	samples, err := d.dec.Decode(f.Payload, frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("%w: opus: %w", ErrMalformed, err)
	}
	return finish(d.conv, audio.Bytes(samples), src), nil
}

func validOpusRate(rate int) bool {
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
		return true
	}
	return false
}
