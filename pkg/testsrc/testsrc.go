// Package testsrc generates synthetic raw media: a moving RGBA test pattern
// and a sine tone. It feeds the demo recorder and the end-to-end tests.
package testsrc

import (
	"encoding/binary"
	"math"
)

// VideoPattern fills RGBA buffers with a moving diagonal gradient, so that
// consecutive frames differ and the encoder has something to chew on.
type VideoPattern struct {
	width      int
	height     int
	frameIndex int
}

func NewVideoPattern(width, height int) *VideoPattern {
	return &VideoPattern{
		width:  width,
		height: height,
	}
}

// Fill writes one frame; buf must be width*height*4 bytes.
func (p *VideoPattern) Fill(buf []byte) {
	i := 0
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			buf[i] = byte(x + p.frameIndex*3)
			buf[i+1] = byte(y + p.frameIndex)
			buf[i+2] = byte(x + y)
			buf[i+3] = 0xFF
			i += 4
		}
	}
	p.frameIndex++
}

// SineTone generates an interleaved signed 16-bit sine wave; the phase is
// carried over between Fill calls, so the tone is continuous across buffer
// boundaries.
type SineTone struct {
	sampleRate int
	channels   int
	frequency  float64
	volume     float64
	phase      float64
}

func NewSineTone(sampleRate, channels int, frequency float64) *SineTone {
	return &SineTone{
		sampleRate: sampleRate,
		channels:   channels,
		frequency:  frequency,
		volume:     0.3,
	}
}

// Fill writes len(buf)/(2*channels) samples of the tone.
func (s *SineTone) Fill(buf []byte) {
	step := 2 * math.Pi * s.frequency / float64(s.sampleRate)
	frameBytes := 2 * s.channels
	for i := 0; i+frameBytes <= len(buf); i += frameBytes {
		sample := int16(math.Sin(s.phase) * s.volume * math.MaxInt16)
		for ch := 0; ch < s.channels; ch++ {
			binary.LittleEndian.PutUint16(buf[i+2*ch:], uint16(sample))
		}
		s.phase += step
	}
}
