package executor

import "arcnca/internal/substrate"

// packedBatch is the host-side flat image of a batch. Every member gets its
// own copy of the image in the device output buffer.
type packedBatch struct {
	layout  substrate.Layout
	heights []int
	widths  []int
	offsets []int
	image   []float32
}

func packBatch(batch []*substrate.Substrate) packedBatch {
	p := packedBatch{
		layout:  batch[0].Layout,
		heights: make([]int, len(batch)),
		widths:  make([]int, len(batch)),
		offsets: make([]int, len(batch)),
	}
	total := 0
	for i, s := range batch {
		p.heights[i] = s.Height
		p.widths[i] = s.Width
		p.offsets[i] = total
		total += len(s.Data)
	}
	p.image = make([]float32, 0, total)
	for _, s := range batch {
		p.image = append(p.image, s.Data...)
	}
	return p
}

func (p packedBatch) examples() int { return len(p.offsets) }

// stride is the float count of one member's image.
func (p packedBatch) stride() int { return len(p.image) }

func (p packedBatch) span(example int) (int, int) {
	start := p.offsets[example]
	return start, start + p.heights[example]*p.widths[example]*p.layout.Channels()
}

// newOutput allocates the output buffer for members, seeded with the image.
func (p packedBatch) newOutput(members int) []float32 {
	out := make([]float32, members*p.stride())
	for m := 0; m < members; m++ {
		copy(out[m*p.stride():], p.image)
	}
	return out
}

func (p packedBatch) unpack(out []float32, members int) [][]*substrate.Substrate {
	result := make([][]*substrate.Substrate, members)
	for m := 0; m < members; m++ {
		row := make([]*substrate.Substrate, p.examples())
		for ex := range row {
			lo, hi := p.span(ex)
			base := m * p.stride()
			row[ex] = &substrate.Substrate{
				Layout: p.layout,
				Height: p.heights[ex],
				Width:  p.widths[ex],
				Data:   append([]float32(nil), out[base+lo:base+hi]...),
			}
		}
		result[m] = row
	}
	return result
}
