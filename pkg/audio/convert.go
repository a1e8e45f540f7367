package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// Converter turns decoded PCM16 in an arbitrary format into the fixed target
// format expected by the transcription provider. It downmixes to the target
// channel count first and then resamples, so multi-channel audio is never
// resampled needlessly.
//
// Create one per stream; the first-mismatch warning is per converter.
type Converter struct {
	Target Format

	warnMismatch sync.Once
	warnCorrupt  sync.Once
}

// Convert converts pcm from src to c.Target. When the formats already match
// the input slice is returned unchanged. Misaligned input (a byte count that
// is not a whole number of sample frames) yields nil.
func (c *Converter) Convert(pcm []byte, src Format) []byte {
	if len(pcm)%src.FrameBytes() != 0 {
		c.warnCorrupt.Do(func() {
			slog.Warn("audio converter: misaligned PCM, dropping",
				"bytes", len(pcm),
				"format", src.String(),
			)
		})
		return nil
	}
	if src == c.Target {
		return pcm
	}

	c.warnMismatch.Do(func() {
		slog.Debug("audio converter: converting",
			"from", src.String(),
			"to", c.Target.String(),
		)
	})

	out := pcm
	if src.Channels != c.Target.Channels {
		switch {
		case c.Target.Channels == 1:
			out = Downmix(out, src.Channels)
		case src.Channels == 1 && c.Target.Channels == 2:
			out = MonoToStereo(out)
		}
	}
	if src.SampleRate != c.Target.SampleRate {
		out = Resample(out, c.Target.Channels, src.SampleRate, c.Target.SampleRate)
	}
	return out
}

// Samples decodes little-endian PCM16 bytes into samples.
func Samples(pcm []byte) []int16 {
	s := make([]int16, len(pcm)/BytesPerSample)
	for i := range s {
		s[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return s
}

// Bytes encodes samples as little-endian PCM16 bytes.
func Bytes(samples []int16) []byte {
	b := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// Downmix averages interleaved channels into a single mono channel, using
// int32 accumulation so loud stereo content cannot overflow.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	in := Samples(pcm)
	frames := len(in) / channels
	out := make([]int16, frames)
	for i := range frames {
		var sum int32
		for ch := range channels {
			sum += int32(in[i*channels+ch])
		}
		out[i] = clamp16(sum / int32(channels))
	}
	return Bytes(out)
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, len(pcm)*2)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// Resample converts interleaved PCM16 with the given channel count from
// srcRate to dstRate by linear interpolation between neighbouring frames.
// Identical or invalid rates return the input unchanged.
func Resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	if channels <= 0 {
		channels = 1
	}
	in := Samples(pcm)
	srcFrames := len(in) / channels
	if srcFrames == 0 {
		return nil
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]int16, dstFrames*channels)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = srcFrames - 1
		}
		for ch := range channels {
			a := float64(in[idx*channels+ch])
			b := float64(in[next*channels+ch])
			out[i*channels+ch] = int16(a + (b-a)*frac)
		}
	}
	return Bytes(out)
}

// WidenUnsigned8 converts unsigned 8-bit PCM (silence at 128) into PCM16.
func WidenUnsigned8(pcm []byte) []byte {
	out := make([]int16, len(pcm))
	for i, v := range pcm {
		out[i] = int16(int(v)-128) << 8
	}
	return Bytes(out)
}

func clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}
