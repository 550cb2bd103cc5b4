package audio

import (
	"encoding/binary"
	"math"
	"time"

	"interviewcopilot/internal/domain"
)

const (
	// TargetSampleRate is the rate every chunk is resampled to before encoding.
	TargetSampleRate = 48000
	// HighPassAlpha is the filter coefficient used by ProcessForTranscription.
	HighPassAlpha = 0.01

	normalizePeak = 0.95
	pcm16Scale    = 32767
)

// Levels is the peak and RMS of a sample block.
type Levels struct {
	Peak float64
	RMS  float64
}

// Resample converts samples between rates using linear interpolation.
func Resample(samples []float32, sourceRateHz, targetRateHz int) []float32 {
	if sourceRateHz == targetRateHz || sourceRateHz <= 0 || targetRateHz <= 0 {
		return samples
	}
	if len(samples) == 0 {
		return []float32{}
	}

	ratio := float64(sourceRateHz) / float64(targetRateHz)
	outLen := int(math.Round(float64(len(samples)) / ratio))
	out := make([]float32, outLen)
	for i := range out {
		pos := float64(i) * ratio
		index := int(pos)
		frac := float32(pos - float64(index))
		switch {
		case index+1 < len(samples):
			out[i] = samples[index]*(1-frac) + samples[index+1]*frac
		case index < len(samples):
			out[i] = samples[index]
		}
	}
	return out
}

// DownmixStereoToMono averages interleaved left/right pairs.
func DownmixStereoToMono(samples []float32) []float32 {
	out := make([]float32, len(samples)/2)
	for i := range out {
		out[i] = (samples[2*i] + samples[2*i+1]) / 2
	}
	return out
}

// Normalize scales samples so the loudest one sits at 0.95.
// All-zero input is returned unchanged.
func Normalize(samples []float32) []float32 {
	var peak float64
	for _, s := range samples {
		peak = math.Max(peak, math.Abs(float64(s)))
	}
	if peak == 0 {
		return samples
	}

	scale := normalizePeak / peak
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(float64(s) * scale)
	}
	return out
}

// HighPassFilter applies a first-order IIR difference filter.
func HighPassFilter(samples []float32, alpha float32) []float32 {
	if len(samples) == 0 {
		return samples
	}
	out := make([]float32, len(samples))
	out[0] = samples[0]
	for i := 1; i < len(samples); i++ {
		out[i] = alpha * (out[i-1] + samples[i] - samples[i-1])
	}
	return out
}

// EncodePCM16 clamps to [-1, 1] and writes little-endian signed 16-bit samples.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(math.Round(v*pcm16Scale))))
	}
	return out
}

// DecodePCM16 is the inverse of EncodePCM16. A trailing odd byte is ignored.
func DecodePCM16(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(data[2*i:]))) / pcm16Scale
	}
	return out
}

// ComputeLevels returns the peak absolute value and RMS of samples.
func ComputeLevels(samples []float32) Levels {
	if len(samples) == 0 {
		return Levels{}
	}
	var peak, sum float64
	for _, s := range samples {
		abs := math.Abs(float64(s))
		peak = math.Max(peak, abs)
		sum += abs * abs
	}
	return Levels{Peak: peak, RMS: math.Sqrt(sum / float64(len(samples)))}
}

// ContainsSpeech reports whether the RMS level is above threshold.
func ContainsSpeech(samples []float32, threshold float64) bool {
	return ComputeLevels(samples).RMS > threshold
}

// SplitChunks slices samples into blocks of at most size samples.
func SplitChunks(samples []float32, size int) [][]float32 {
	if size <= 0 {
		size = TargetSampleRate / 10
	}
	chunks := make([][]float32, 0, (len(samples)+size-1)/size)
	for start := 0; start < len(samples); start += size {
		end := min(start+size, len(samples))
		chunks = append(chunks, samples[start:end])
	}
	return chunks
}

// ProcessForTranscription runs downmix, normalize, high-pass, resample and
// PCM16 encoding. CapturedAt is left for the caller to stamp.
func ProcessForTranscription(samples []float32, sourceRateHz, channelCount int) domain.EncodedAudioChunk {
	mono := samples
	if channelCount == 2 {
		mono = DownmixStereoToMono(samples)
	}
	processed := Resample(HighPassFilter(Normalize(mono), HighPassAlpha), sourceRateHz, TargetSampleRate)

	return domain.EncodedAudioChunk{
		Buffer:       EncodePCM16(processed),
		SampleRateHz: TargetSampleRate,
		ChannelCount: 1,
		BitDepth:     16,
		Duration:     time.Duration(len(processed)) * time.Second / TargetSampleRate,
	}
}
