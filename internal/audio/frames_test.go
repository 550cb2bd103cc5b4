package audio

import (
	"bytes"
	"errors"
	"io"
	"slices"
	"testing"
)

func TestFrameReaderSplitsBlocks(t *testing.T) {
	t.Parallel()

	data := EncodeFloat32LE([]float32{0.5, -0.5, 1, 0.25, -1})
	reader := NewFrameReader(bytes.NewReader(data), 2)

	var blocks [][]float32
	for {
		block, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		blocks = append(blocks, block)
	}

	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}
	if !slices.Equal(blocks[0], []float32{0.5, -0.5}) || !slices.Equal(blocks[2], []float32{-1}) {
		t.Fatalf("unexpected blocks: %v", blocks)
	}
}

func TestFrameReaderDropsPartialSample(t *testing.T) {
	t.Parallel()

	data := append(EncodeFloat32LE([]float32{0.5}), 0x01, 0x02)
	reader := NewFrameReader(bytes.NewReader(data), 4)

	block, err := reader.Next()
	if err != nil || !slices.Equal(block, []float32{0.5}) {
		t.Fatalf("unexpected first block %v err=%v", block, err)
	}
	if _, err := reader.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}
