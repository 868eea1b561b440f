package grid

import (
	"fmt"
	"math"
)

// encoding4 is the binary prototype table used when four channels encode the palette.
var encoding4 = [Colors][4]float32{
	{0, 0, 0, 0},
	{1, 0, 0, 0},
	{0, 1, 0, 0},
	{0, 0, 1, 0},
	{0, 0, 0, 1},
	{1, 0, 1, 0},
	{1, 0, 0, 1},
	{0, 1, 1, 0},
	{0, 1, 0, 1},
	{0, 0, 1, 1},
}

// Codec maps palette colors to visible channel vectors and back.
type Codec struct {
	channels int
	protos   [Colors][]float32
}

// NewCodec builds a codec for the given visible channel count. Four to eight
// channels use the binary table zero-padded; nine or more use one-hot codes
// with color 0 as the zero vector.
func NewCodec(channels int) (Codec, error) {
	if channels < 4 {
		return Codec{}, fmt.Errorf("palette needs at least 4 visible channels, got %d", channels)
	}
	c := Codec{channels: channels}
	for color := 0; color < Colors; color++ {
		proto := make([]float32, channels)
		if channels < Colors-1 {
			copy(proto, encoding4[color][:])
		} else if color > 0 {
			proto[color-1] = 1
		}
		c.protos[color] = proto
	}
	return c, nil
}

func (c Codec) Channels() int { return c.channels }

// Encode writes the prototype of color into dst.
func (c Codec) Encode(color uint8, dst []float32) {
	copy(dst[:c.channels], c.protos[color])
}

// Decode thresholds values at 0.5 and returns the color whose prototype has the
// largest dot product; ties resolve to the lowest color.
func (c Codec) Decode(values []float32) uint8 {
	best := uint8(0)
	bestDot := float32(math.Inf(-1))
	for color, proto := range c.protos {
		var dot float32
		for i, p := range proto {
			if values[i] > 0.5 {
				dot += p
			}
		}
		if dot > bestDot {
			bestDot = dot
			best = uint8(color)
		}
	}
	return best
}
