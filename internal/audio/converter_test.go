package audio

import (
	"math"
	"slices"
	"testing"
	"time"
)

func TestResampleIdentity(t *testing.T) {
	t.Parallel()

	input := []float32{0.1, -0.5, 0.25, 1}
	for _, rate := range []int{8000, 16000, 44100, 48000} {
		if got := Resample(input, rate, rate); !slices.Equal(got, input) {
			t.Fatalf("rate %d: expected identity, got %v", rate, got)
		}
	}
}

func TestResampleLengthAndInterpolation(t *testing.T) {
	t.Parallel()

	up := Resample([]float32{0, 1}, 24000, 48000)
	if len(up) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(up))
	}
	if up[1] != 0.5 {
		t.Fatalf("expected interpolated midpoint, got %v", up[1])
	}

	down := Resample(make([]float32, 441), 44100, 48000)
	if want := int(math.Round(441 * 48000.0 / 44100.0)); len(down) != want {
		t.Fatalf("expected %d samples, got %d", want, len(down))
	}

	if got := Resample(nil, 16000, 48000); len(got) != 0 {
		t.Fatalf("expected empty output, got %v", got)
	}
}

func TestDownmixStereoToMono(t *testing.T) {
	t.Parallel()

	got := DownmixStereoToMono([]float32{1, 0, -1, -0.5, 0.5, 0.5})
	if !slices.Equal(got, []float32{0.5, -0.75, 0.5}) {
		t.Fatalf("unexpected mono samples: %v", got)
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	zeros := []float32{0, 0, 0}
	if got := Normalize(zeros); !slices.Equal(got, zeros) {
		t.Fatalf("expected all-zero input unchanged, got %v", got)
	}

	once := Normalize([]float32{0.1, -0.2, 0.05})
	if peak := ComputeLevels(once).Peak; math.Abs(peak-0.95) > 1e-6 {
		t.Fatalf("expected peak 0.95, got %v", peak)
	}

	twice := Normalize(once)
	for i := range once {
		if math.Abs(float64(twice[i]-once[i])) > 1e-6 {
			t.Fatalf("normalize not idempotent at %d: %v vs %v", i, twice[i], once[i])
		}
	}
}

func TestHighPassFilter(t *testing.T) {
	t.Parallel()

	got := HighPassFilter([]float32{0.5, 0.5, 1}, 0.5)
	want := []float32{0.5, 0.25, 0.375}
	if !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if got := HighPassFilter(nil, 0.5); len(got) != 0 {
		t.Fatalf("expected empty output")
	}
}

func TestEncodePCM16RoundTripBound(t *testing.T) {
	t.Parallel()

	for i := -1000; i <= 1000; i++ {
		s := float32(i) / 1000
		decoded := DecodePCM16(EncodePCM16([]float32{s}))
		if len(decoded) != 1 {
			t.Fatalf("expected one decoded sample")
		}
		if diff := math.Abs(float64(decoded[0] - s)); diff > 1.0/32767 {
			t.Fatalf("sample %v decoded to %v (error %v)", s, decoded[0], diff)
		}
	}
}

func TestEncodePCM16ClampsAndIsLittleEndian(t *testing.T) {
	t.Parallel()

	got := EncodePCM16([]float32{2, -2, 0})
	want := []byte{0xff, 0x7f, 0x01, 0x80, 0x00, 0x00}
	if !slices.Equal(got, want) {
		t.Fatalf("expected %x, got %x", want, got)
	}
}

func TestComputeLevels(t *testing.T) {
	t.Parallel()

	if levels := ComputeLevels(nil); levels != (Levels{}) {
		t.Fatalf("expected zero levels for empty input, got %+v", levels)
	}

	levels := ComputeLevels([]float32{0.5, -0.5, 0.5, -0.5})
	if levels.Peak != 0.5 || math.Abs(levels.RMS-0.5) > 1e-9 {
		t.Fatalf("unexpected levels: %+v", levels)
	}
	if !ContainsSpeech([]float32{0.5, -0.5}, 0.01) {
		t.Fatalf("expected speech above threshold")
	}
	if ContainsSpeech([]float32{0.001, -0.001}, 0.01) {
		t.Fatalf("expected silence below threshold")
	}
}

func TestSplitChunks(t *testing.T) {
	t.Parallel()

	chunks := SplitChunks(make([]float32, 10), 4)
	if len(chunks) != 3 || len(chunks[2]) != 2 {
		t.Fatalf("unexpected chunks: %d", len(chunks))
	}
}

func TestProcessForTranscriptionSineWave(t *testing.T) {
	t.Parallel()

	samples := make([]float32, 48000)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/48000))
	}

	chunk := ProcessForTranscription(samples, 48000, 1)
	if len(chunk.Buffer) != 48000*2 {
		t.Fatalf("expected %d bytes, got %d", 48000*2, len(chunk.Buffer))
	}
	if chunk.SampleRateHz != 48000 || chunk.ChannelCount != 1 || chunk.BitDepth != 16 {
		t.Fatalf("unexpected format: %+v", chunk)
	}
	if chunk.Duration != time.Second {
		t.Fatalf("expected 1s duration, got %s", chunk.Duration)
	}
	if ComputeLevels(samples).Peak <= 0 {
		t.Fatalf("expected a positive peak")
	}
	if ComputeLevels(DecodePCM16(chunk.Buffer)).Peak <= 0 {
		t.Fatalf("expected encoded audio to be non-silent")
	}
}

func TestProcessForTranscriptionStereoResample(t *testing.T) {
	t.Parallel()

	stereo := make([]float32, 2*16000)
	for i := range stereo {
		stereo[i] = 0.25
	}

	chunk := ProcessForTranscription(stereo, 16000, 2)
	if len(chunk.Buffer) != 48000*2 {
		t.Fatalf("expected downmixed and resampled output of 48000 samples, got %d bytes", len(chunk.Buffer))
	}

	again := ProcessForTranscription(stereo, 16000, 2)
	if !slices.Equal(chunk.Buffer, again.Buffer) {
		t.Fatalf("expected deterministic output")
	}
}

func TestProcessForTranscriptionEmpty(t *testing.T) {
	t.Parallel()

	chunk := ProcessForTranscription(nil, 48000, 1)
	if len(chunk.Buffer) != 0 || chunk.Duration != 0 {
		t.Fatalf("expected empty chunk, got %+v", chunk)
	}
}
