// Package audio holds the PCM primitives used between the frame decoder and
// the upstream transcription provider: the fixed output format, duration
// arithmetic, channel/rate conversion and silence detection.
//
// All PCM in this package is signed 16-bit little-endian unless a function
// says otherwise.
package audio

import (
	"fmt"
	"time"
)

// BytesPerSample is the width of one PCM16 sample.
const BytesPerSample = 2

// ProviderFormat is the PCM layout the transcription provider accepts:
// 24 kHz mono.
var ProviderFormat = Format{SampleRate: 24000, Channels: 1}

// Format describes the sample rate and channel count of a PCM16 stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// FrameBytes is the size of one multi-channel sample frame.
func (f Format) FrameBytes() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return ch * BytesPerSample
}

// DurationMs returns the playback duration of n bytes of PCM in format f:
// bytes / bytesPerSample / sampleRate * 1000, divided across channels.
// It returns 0 for a zero or unset sample rate.
func (f Format) DurationMs(n int) float64 {
	if f.SampleRate <= 0 || n <= 0 {
		return 0
	}
	return float64(n) * 1000 / float64(f.FrameBytes()*f.SampleRate)
}

// Duration is [Format.DurationMs] as a [time.Duration].
func (f Format) Duration(n int) time.Duration {
	return time.Duration(f.DurationMs(n) * float64(time.Millisecond))
}

// BytesFor returns the number of PCM bytes that play for d in format f,
// rounded down to a whole sample frame.
func (f Format) BytesFor(d time.Duration) int {
	frames := int(int64(f.SampleRate) * d.Microseconds() / 1_000_000)
	return frames * f.FrameBytes()
}
