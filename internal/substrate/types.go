package substrate

import (
	"errors"
	"fmt"
)

var (
	// ErrLayout reports invalid channel band sizes.
	ErrLayout = errors.New("invalid substrate layout")
	// ErrShape reports grid shapes the engine refuses to execute.
	ErrShape = errors.New("invalid substrate shape")
)

// Offset is a relative neighbor position.
type Offset struct {
	DX int
	DY int
}

// Neighborhood is the von Neumann neighborhood: center plus the four
// 4-connected neighbors. Every cell of every model uses it.
var Neighborhood = [...]Offset{
	{DX: 0, DY: -1},
	{DX: -1, DY: 0}, {DX: 0, DY: 0}, {DX: 1, DY: 0},
	{DX: 0, DY: 1},
}

const NeighborhoodSize = len(Neighborhood)

// Layout fixes the channel bands of every cell: read-only visible [0,V),
// writable visible [V,2V) and hidden [2V,2V+H).
type Layout struct {
	Visible int `json:"visible" yaml:"visible" toml:"visible"`
	Hidden  int `json:"hidden" yaml:"hidden" toml:"hidden"`
}

func NewLayout(visible, hidden int) (Layout, error) {
	l := Layout{Visible: visible, Hidden: hidden}
	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

func (l Layout) Validate() error {
	if l.Visible <= 0 {
		return fmt.Errorf("%w: visible channels must be > 0, got %d", ErrLayout, l.Visible)
	}
	if l.Hidden < 0 {
		return fmt.Errorf("%w: hidden channels must be >= 0, got %d", ErrLayout, l.Hidden)
	}
	return nil
}

// Channels is the per-cell channel count, which is also the model input width.
func (l Layout) Channels() int { return 2*l.Visible + l.Hidden }

// Outputs is the model output width: writable visible plus hidden.
func (l Layout) Outputs() int { return l.Visible + l.Hidden }

func (l Layout) WritableStart() int { return l.Visible }

func (l Layout) HiddenStart() int { return 2 * l.Visible }

// OutputChannel maps model output o to the substrate channel it writes.
func (l Layout) OutputChannel(o int) int {
	if o < l.Visible {
		return l.Visible + o
	}
	return 2*l.Visible + (o - l.Visible)
}

// WeightCount is outputs × neighborhood × inputs.
func (l Layout) WeightCount() int {
	return l.Outputs() * NeighborhoodSize * l.Channels()
}

func (l Layout) ParamCount() int {
	return l.WeightCount() + l.Outputs()
}
