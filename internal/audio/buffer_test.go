package audio

import (
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

func TestNewBufferRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		maxDuration time.Duration
		rate        int
		channels    int
	}{
		{"zero duration", 0, 48000, 1},
		{"negative duration", -time.Second, 48000, 1},
		{"zero rate", time.Second, 0, 1},
		{"zero channels", time.Second, 48000, 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewBuffer(tc.maxDuration, tc.rate, tc.channels); !errors.Is(err, ErrInvalidBufferConfig) {
				t.Fatalf("expected ErrInvalidBufferConfig, got %v", err)
			}
		})
	}
}

func TestBufferDrainConcatenatesInOrderWithoutClearing(t *testing.T) {
	t.Parallel()

	buf, err := NewBuffer(time.Second, 10, 1)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	buf.Append([]float32{1, 2})
	buf.Append([]float32{3})
	buf.Append(nil)

	if got := buf.Drain(); !slices.Equal(got, []float32{1, 2, 3}) {
		t.Fatalf("unexpected drain: %v", got)
	}
	if buf.SizeSamples() != 3 {
		t.Fatalf("drain must not clear, size=%d", buf.SizeSamples())
	}
	if buf.Duration() != 300*time.Millisecond {
		t.Fatalf("unexpected duration: %s", buf.Duration())
	}

	buf.Clear()
	if buf.SizeSamples() != 0 || len(buf.Drain()) != 0 {
		t.Fatalf("expected empty buffer after clear")
	}
}

func TestBufferTakeClears(t *testing.T) {
	t.Parallel()

	buf, _ := NewBuffer(time.Second, 10, 1)
	buf.Append([]float32{1, 2, 3})
	if got := buf.Take(); !slices.Equal(got, []float32{1, 2, 3}) {
		t.Fatalf("unexpected take: %v", got)
	}
	if buf.SizeSamples() != 0 {
		t.Fatalf("expected take to clear")
	}
}

func TestBufferCapEvictsOldestFirst(t *testing.T) {
	t.Parallel()

	// 10 Hz mono, 500ms cap = 5 samples.
	buf, _ := NewBuffer(500*time.Millisecond, 10, 1)
	for i := 0; i < 20; i++ {
		buf.Append([]float32{float32(i), float32(i)})
		if buf.Duration() > buf.MaxDuration() {
			t.Fatalf("append %d: duration %s exceeds cap", i, buf.Duration())
		}
		if buf.SizeSamples() == 0 {
			t.Fatalf("append %d: buffer emptied", i)
		}
	}

	if got := buf.Drain(); !slices.Equal(got, []float32{18, 18, 19, 19}) {
		t.Fatalf("expected newest chunks retained, got %v", got)
	}
}

func TestBufferKeepsSingleOversizedChunk(t *testing.T) {
	t.Parallel()

	buf, _ := NewBuffer(100*time.Millisecond, 10, 1)
	buf.Append(make([]float32, 50))
	if buf.SizeSamples() != 50 {
		t.Fatalf("expected oversized chunk retained, size=%d", buf.SizeSamples())
	}

	buf.Append([]float32{1})
	if got := buf.Drain(); !slices.Equal(got, []float32{1}) {
		t.Fatalf("expected oversized chunk evicted by newer chunk, got %v", got)
	}
}

func TestBufferStereoDurationCountsFrames(t *testing.T) {
	t.Parallel()

	buf, _ := NewBuffer(time.Second, 10, 2)
	buf.Append(make([]float32, 10))
	if buf.Duration() != 500*time.Millisecond {
		t.Fatalf("expected 500ms for 5 stereo frames, got %s", buf.Duration())
	}
}

func TestBufferConcurrentAppendAndTake(t *testing.T) {
	t.Parallel()

	buf, _ := NewBuffer(time.Hour, 48000, 1)
	var wg sync.WaitGroup
	total := 0

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			buf.Append([]float32{1})
		}
	}()
	for i := 0; i < 100; i++ {
		total += len(buf.Take())
	}
	wg.Wait()
	total += len(buf.Take())

	if total != 1000 {
		t.Fatalf("expected every appended sample exactly once, got %d", total)
	}
}
