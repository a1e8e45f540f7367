package audio_test

import (
	"testing"

	"github.com/MrWong99/callscribe/pkg/audio"
)

func TestDownmix_Stereo(t *testing.T) {
	t.Parallel()
	// Two stereo frames: L=100,R=200 and L=-100,R=-200.
	stereo := audio.Bytes([]int16{100, 200, -100, -200})
	got := audio.Samples(audio.Downmix(stereo, 2))
	want := []int16{150, -150}
	assertSamples(t, got, want)
}

func TestDownmix_NoOverflow(t *testing.T) {
	t.Parallel()
	stereo := audio.Bytes([]int16{32767, 32767, -32768, -32768})
	got := audio.Samples(audio.Downmix(stereo, 2))
	assertSamples(t, got, []int16{32767, -32768})
}

func TestMonoToStereo(t *testing.T) {
	t.Parallel()
	got := audio.Samples(audio.MonoToStereo(audio.Bytes([]int16{1, -2, 3})))
	assertSamples(t, got, []int16{1, 1, -2, -2, 3, 3})
}

func TestResample_SameRateIsIdentity(t *testing.T) {
	t.Parallel()
	in := audio.Bytes([]int16{1, 2, 3, 4})
	out := audio.Resample(in, 1, 24000, 24000)
	if &out[0] != &in[0] {
		t.Error("expected the input slice to be returned unchanged")
	}
}

func TestResample_Downsample(t *testing.T) {
	t.Parallel()
	// 48 kHz → 24 kHz halves the number of samples and keeps every other one.
	in := audio.Bytes([]int16{0, 100, 200, 300, 400, 500})
	got := audio.Samples(audio.Resample(in, 1, 48000, 24000))
	assertSamples(t, got, []int16{0, 200, 400})
}

func TestResample_UpsampleInterpolates(t *testing.T) {
	t.Parallel()
	in := audio.Bytes([]int16{0, 1000})
	got := audio.Samples(audio.Resample(in, 1, 8000, 16000))
	// 0, midpoint, 1000, held last sample.
	assertSamples(t, got, []int16{0, 500, 1000, 1000})
}

func TestResample_PreservesDuration(t *testing.T) {
	t.Parallel()
	src := audio.Format{SampleRate: 48000, Channels: 1}
	dst := audio.Format{SampleRate: 24000, Channels: 1}
	in := make([]byte, src.BytesFor(200_000_000)) // 200ms
	out := audio.Resample(in, 1, src.SampleRate, dst.SampleRate)
	if got := dst.DurationMs(len(out)); got != 200 {
		t.Errorf("duration after resample = %vms, want 200ms", got)
	}
}

func TestConverter_StereoToTarget(t *testing.T) {
	t.Parallel()
	c := &audio.Converter{Target: audio.Format{SampleRate: 24000, Channels: 1}}
	// 4 stereo frames at 48 kHz → 2 mono samples at 24 kHz.
	in := audio.Bytes([]int16{100, 300, 0, 0, 500, 700, 0, 0})
	got := audio.Samples(c.Convert(in, audio.Format{SampleRate: 48000, Channels: 2}))
	assertSamples(t, got, []int16{200, 600})
}

func TestConverter_MisalignedDropped(t *testing.T) {
	t.Parallel()
	c := &audio.Converter{Target: audio.Format{SampleRate: 24000, Channels: 1}}
	if out := c.Convert([]byte{1, 2, 3}, audio.Format{SampleRate: 24000, Channels: 1}); out != nil {
		t.Errorf("expected nil for misaligned PCM, got %d bytes", len(out))
	}
}

func TestWidenUnsigned8(t *testing.T) {
	t.Parallel()
	got := audio.Samples(audio.WidenUnsigned8([]byte{128, 255, 0}))
	assertSamples(t, got, []int16{0, 127 << 8, -128 << 8})
}

func TestIsSilent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		pcm  []byte
		want bool
	}{
		{"empty", nil, true},
		{"zeros", make([]byte, 480), true},
		{"one sample", audio.Bytes([]int16{0, 0, 1, 0}), false},
		{"negative", audio.Bytes([]int16{-1}), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := audio.IsSilent(tc.pcm); got != tc.want {
				t.Errorf("IsSilent = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFormat_DurationMs(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 24000, Channels: 1}
	// 48000 bytes = 24000 samples = 1s.
	if got := f.DurationMs(48000); got != 1000 {
		t.Errorf("DurationMs(48000) = %v, want 1000", got)
	}
	if got := f.BytesFor(2400 * 1_000_000); got != 115200 {
		t.Errorf("BytesFor(2.4s) = %d, want 115200", got)
	}
	if got := (audio.Format{}).DurationMs(100); got != 0 {
		t.Errorf("zero format DurationMs = %v, want 0", got)
	}
}

func assertSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d %v, want %d %v", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}
