package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidBufferConfig is returned for non-positive buffer settings.
var ErrInvalidBufferConfig = errors.New("invalid audio buffer config")

// Buffer holds recent sample chunks for one channel, bounded by duration.
// The oldest chunks are evicted first, but the newest chunk is always kept.
type Buffer struct {
	maxDuration  time.Duration
	sampleRate   int
	channelCount int

	mu      sync.Mutex
	chunks  [][]float32
	samples int
}

func NewBuffer(maxDuration time.Duration, sampleRate, channelCount int) (*Buffer, error) {
	if maxDuration <= 0 || sampleRate <= 0 || channelCount <= 0 {
		return nil, fmt.Errorf("%w: maxDuration=%s sampleRate=%d channels=%d",
			ErrInvalidBufferConfig, maxDuration, sampleRate, channelCount)
	}
	return &Buffer{maxDuration: maxDuration, sampleRate: sampleRate, channelCount: channelCount}, nil
}

// Append adds chunk at the tail and evicts from the head while over the cap.
func (b *Buffer) Append(chunk []float32) {
	if len(chunk) == 0 {
		return
	}
	copied := append([]float32(nil), chunk...)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(b.chunks, copied)
	b.samples += len(copied)
	for len(b.chunks) > 1 && b.durationLocked() > b.maxDuration {
		b.samples -= len(b.chunks[0])
		b.chunks[0] = nil
		b.chunks = b.chunks[1:]
	}
}

// Drain returns every buffered sample in arrival order without clearing.
func (b *Buffer) Drain() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.concatLocked()
}

// Take drains and clears in one step so no appended chunk is lost between.
func (b *Buffer) Take() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.concatLocked()
	b.chunks = nil
	b.samples = 0
	return out
}

func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.samples = 0
}

// SizeSamples is the total number of buffered samples across all channels.
func (b *Buffer) SizeSamples() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.samples
}

func (b *Buffer) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.durationLocked()
}

func (b *Buffer) MaxDuration() time.Duration { return b.maxDuration }

func (b *Buffer) durationLocked() time.Duration {
	frames := b.samples / b.channelCount
	return time.Duration(frames) * time.Second / time.Duration(b.sampleRate)
}

func (b *Buffer) concatLocked() []float32 {
	out := make([]float32, 0, b.samples)
	for _, chunk := range b.chunks {
		out = append(out, chunk...)
	}
	return out
}
