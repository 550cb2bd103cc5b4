package audio

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

// FrameReader splits a little-endian float32 byte stream into sample blocks.
type FrameReader struct {
	r   io.Reader
	buf []byte
}

// NewFrameReader reads blocks of frameSamples samples from r.
func NewFrameReader(r io.Reader, frameSamples int) *FrameReader {
	if frameSamples <= 0 {
		frameSamples = 4096
	}
	return &FrameReader{r: r, buf: make([]byte, frameSamples*4)}
}

// Next returns the next block. A short final block is returned before io.EOF.
func (f *FrameReader) Next() ([]float32, error) {
	n, err := io.ReadFull(f.r, f.buf)
	n -= n % 4
	if n == 0 {
		if err == nil || errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return nil, err
	}

	samples := make([]float32, n/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(f.buf[4*i:]))
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = nil
	}
	return samples, err
}

// EncodeFloat32LE is the inverse of FrameReader for a single block.
func EncodeFloat32LE(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(s))
	}
	return out
}
