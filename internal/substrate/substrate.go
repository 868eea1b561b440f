package substrate

import (
	"fmt"

	"arcnca/internal/grid"
)

// MaxCells bounds the cell count of any substrate.
const MaxCells = grid.MaxSide * grid.MaxSide

// Substrate is the per-example working memory, stored as
// Data[(y*Width+x)*Channels + c].
type Substrate struct {
	Layout Layout
	Height int
	Width  int
	Data   []float32
}

func New(layout Layout, height, width int) (*Substrate, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if height <= 0 || width <= 0 || height > grid.MaxSide || width > grid.MaxSide {
		return nil, fmt.Errorf("%w: %dx%d outside 1..%d", ErrShape, height, width, grid.MaxSide)
	}
	return &Substrate{
		Layout: layout,
		Height: height,
		Width:  width,
		Data:   make([]float32, height*width*layout.Channels()),
	}, nil
}

// FromGrid seeds the read-only visible band from the grid colors. All other
// bands start at zero.
func FromGrid(layout Layout, g grid.Grid) (*Substrate, error) {
	codec, err := grid.NewCodec(layout.Visible)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLayout, err)
	}
	s, err := New(layout, g.Height(), g.Width())
	if err != nil {
		return nil, err
	}
	channels := layout.Channels()
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			base := (y*s.Width + x) * channels
			codec.Encode(g.At(y, x), s.Data[base:base+layout.Visible])
		}
	}
	return s, nil
}

func (s *Substrate) Cells() int { return s.Height * s.Width }

func (s *Substrate) Index(y, x, c int) int {
	return (y*s.Width+x)*s.Layout.Channels() + c
}

func (s *Substrate) At(y, x, c int) float32 { return s.Data[s.Index(y, x, c)] }

func (s *Substrate) Clone() *Substrate {
	return &Substrate{
		Layout: s.Layout,
		Height: s.Height,
		Width:  s.Width,
		Data:   append([]float32(nil), s.Data...),
	}
}

// ClearHidden zeroes the hidden band of every cell.
func (s *Substrate) ClearHidden() {
	channels := s.Layout.Channels()
	start := s.Layout.HiddenStart()
	for cell := 0; cell < s.Cells(); cell++ {
		base := cell * channels
		for c := start; c < channels; c++ {
			s.Data[base+c] = 0
		}
	}
}

// Writable returns the writable visible band of one cell, aliasing Data.
func (s *Substrate) Writable(y, x int) []float32 {
	base := s.Index(y, x, s.Layout.WritableStart())
	return s.Data[base : base+s.Layout.Visible]
}

// ReadOnly returns the read-only visible band of one cell, aliasing Data.
func (s *Substrate) ReadOnly(y, x int) []float32 {
	base := s.Index(y, x, 0)
	return s.Data[base : base+s.Layout.Visible]
}

// ReadOut decodes the writable visible band into a grid.
func (s *Substrate) ReadOut() (grid.Grid, error) {
	codec, err := grid.NewCodec(s.Layout.Visible)
	if err != nil {
		return grid.Grid{}, fmt.Errorf("%w: %v", ErrLayout, err)
	}
	out, err := grid.New(s.Height, s.Width)
	if err != nil {
		return grid.Grid{}, err
	}
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			out.Set(y, x, codec.Decode(s.Writable(y, x)))
		}
	}
	return out, nil
}

// SameShape reports whether both substrates share layout and dimensions.
func (s *Substrate) SameShape(other *Substrate) bool {
	return s.Layout == other.Layout && s.Height == other.Height && s.Width == other.Width
}
