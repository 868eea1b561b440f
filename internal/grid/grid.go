package grid

import (
	"encoding/json"
	"fmt"
)

const (
	// MaxSide bounds both grid dimensions.
	MaxSide = 30
	// Colors is the palette size; cell values are in [0, Colors).
	Colors = 10
)

// Grid is a rectangular puzzle grid of palette colors stored row-major.
type Grid struct {
	height int
	width  int
	cells  []uint8
}

func New(height, width int) (Grid, error) {
	if height <= 0 || width <= 0 {
		return Grid{}, fmt.Errorf("grid dimensions must be > 0: got %dx%d", height, width)
	}
	if height > MaxSide || width > MaxSide {
		return Grid{}, fmt.Errorf("grid %dx%d exceeds max side %d", height, width, MaxSide)
	}
	return Grid{height: height, width: width, cells: make([]uint8, height*width)}, nil
}

// FromRows builds a grid from nested rows, validating shape and palette.
func FromRows(rows [][]int) (Grid, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return Grid{}, fmt.Errorf("grid must have at least one row and column")
	}
	g, err := New(len(rows), len(rows[0]))
	if err != nil {
		return Grid{}, err
	}
	for y, row := range rows {
		if len(row) != g.width {
			return Grid{}, fmt.Errorf("row %d has width %d, want %d", y, len(row), g.width)
		}
		for x, v := range row {
			if v < 0 || v >= Colors {
				return Grid{}, fmt.Errorf("cell (%d,%d) color %d outside palette", y, x, v)
			}
			g.cells[y*g.width+x] = uint8(v)
		}
	}
	return g, nil
}

// MustFromRows is FromRows for literals in tests and fixtures.
func MustFromRows(rows [][]int) Grid {
	g, err := FromRows(rows)
	if err != nil {
		panic(err)
	}
	return g
}

func (g Grid) Height() int { return g.height }

func (g Grid) Width() int { return g.width }

func (g Grid) Cells() int { return g.height * g.width }

func (g Grid) At(y, x int) uint8 { return g.cells[y*g.width+x] }

func (g Grid) Set(y, x int, v uint8) { g.cells[y*g.width+x] = v }

func (g Grid) SameShape(other Grid) bool {
	return g.height == other.height && g.width == other.width
}

func (g Grid) Equal(other Grid) bool {
	if !g.SameShape(other) {
		return false
	}
	for i := range g.cells {
		if g.cells[i] != other.cells[i] {
			return false
		}
	}
	return true
}

func (g Grid) Clone() Grid {
	return Grid{height: g.height, width: g.width, cells: append([]uint8(nil), g.cells...)}
}

func (g Grid) Rows() [][]int {
	rows := make([][]int, g.height)
	for y := range rows {
		row := make([]int, g.width)
		for x := range row {
			row[x] = int(g.At(y, x))
		}
		rows[y] = row
	}
	return rows
}

func (g Grid) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.Rows())
}

func (g *Grid) UnmarshalJSON(data []byte) error {
	var rows [][]int
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	parsed, err := FromRows(rows)
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// Accuracy is the fraction of matching cells, or 0 when shapes differ.
func Accuracy(pred, target Grid) float64 {
	if !pred.SameShape(target) || target.Cells() == 0 {
		return 0
	}
	correct := 0
	for i := range target.cells {
		if pred.cells[i] == target.cells[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(target.cells))
}
