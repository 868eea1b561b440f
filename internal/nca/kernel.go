package nca

import (
	"fmt"

	"arcnca/internal/substrate"
)

// AliveThreshold is the inclusive lower bound for a neighbor value to contribute.
const AliveThreshold = 0.5

// WeightLayout selects how the weights block is indexed.
type WeightLayout uint8

const (
	// ChannelMajor indexes weights as [output][neighbor][input]; this is the
	// persisted parameter format.
	ChannelMajor WeightLayout = iota
	// Transposed indexes weights as [neighbor][input][output] so the inner
	// output loop walks contiguous memory.
	Transposed
)

func (l WeightLayout) String() string {
	if l == Transposed {
		return "transposed"
	}
	return "channel_major"
}

func (l WeightLayout) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *WeightLayout) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "channel_major":
		*l = ChannelMajor
	case "transposed":
		*l = Transposed
	default:
		return fmt.Errorf("unsupported weight layout %q", text)
	}
	return nil
}

// Transpose converts channel-major params (weights then biases) into the
// transposed layout, writing into dst which must have the same length.
func Transpose(layout substrate.Layout, params, dst []float32) {
	outs := layout.Outputs()
	rows := substrate.NeighborhoodSize * layout.Channels()
	for o := 0; o < outs; o++ {
		for r := 0; r < rows; r++ {
			dst[r*outs+o] = params[o*rows+r]
		}
	}
	copy(dst[layout.WeightCount():], params[layout.WeightCount():])
}

// View is a read view of substrate-shaped memory, either a Substrate's data or
// a block's staged copy.
type View struct {
	Data     []float32
	Height   int
	Width    int
	Channels int
}

func ViewOf(s *substrate.Substrate) View {
	return View{Data: s.Data, Height: s.Height, Width: s.Width, Channels: s.Layout.Channels()}
}

type accumulateFunc func(params []float32, outs, ins int, ph Phase, v View, x, y int, acc []float32)

// Kernel is the per-cell update of one model with its parameters staged in a
// fixed weight layout. The accumulation routine is picked once when the
// kernel is built.
type Kernel struct {
	layout     substrate.Layout
	params     []float32
	weights    WeightLayout
	phases     []Phase
	accumulate accumulateFunc
}

// NewKernel stages params, given in channel-major order, for the requested
// weight layout. Params are copied when transposition is needed and aliased
// otherwise.
func NewKernel(layout substrate.Layout, phases []Phase, params []float32, wl WeightLayout) Kernel {
	k := Kernel{layout: layout, params: params, weights: wl, phases: phases, accumulate: accumulateChannelMajor}
	if wl == Transposed {
		staged := make([]float32, len(params))
		Transpose(layout, params, staged)
		k.params = staged
		k.accumulate = accumulateTransposed
	}
	return k
}

func (k Kernel) Layout() substrate.Layout { return k.layout }

func (k Kernel) Phases() []Phase { return k.phases }

func (k Kernel) WeightLayout() WeightLayout { return k.weights }

// StagedParams returns the parameters in the kernel's weight layout.
func (k Kernel) StagedParams() []float32 { return k.params }

// MaxOutputs is the widest phase output, the scratch size Accumulate needs.
func (k Kernel) MaxOutputs() int {
	widest := 0
	for _, ph := range k.phases {
		if ph.Outputs() > widest {
			widest = ph.Outputs()
		}
	}
	return widest
}

// Accumulate computes the raw outputs of ph for cell (x, y) into acc, which
// must hold at least ph.Outputs() values.
func (k Kernel) Accumulate(ph Phase, v View, x, y int, acc []float32) {
	biases := k.params[k.layout.WeightCount():]
	acc = acc[:ph.Outputs()]
	for i := range acc {
		acc[i] = biases[ph.OutLo+i]
	}
	k.accumulate(k.params, k.layout.Outputs(), k.layout.Channels(), ph, v, x, y, acc)
}

// Combine turns raw outputs into the new values of the channels ph writes.
// prev is the cell's channel vector before the phase and dst receives the
// result; both are full cell vectors and may alias.
func (k Kernel) Combine(ph Phase, acc, prev, dst []float32) {
	for i, raw := range acc[:ph.Outputs()] {
		ch := k.layout.OutputChannel(ph.OutLo + i)
		if ph.Accumulate {
			raw += prev[ch]
		}
		dst[ch] = clamp01(raw)
	}
}

// Finalize turns raw outputs into new channel values in place. prev is the
// cell's full channel vector before the phase.
func (k Kernel) Finalize(ph Phase, acc, prev []float32) {
	for i, raw := range acc[:ph.Outputs()] {
		if ph.Accumulate {
			raw += prev[k.layout.OutputChannel(ph.OutLo+i)]
		}
		acc[i] = clamp01(raw)
	}
}

func mulAdd(v, w, acc float32) float32 {
	// The conversion forces rounding of the product so no platform fuses it.
	return acc + float32(v*w)
}

func clamp01(v float32) float32 {
	if !(v > 0) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func accumulateChannelMajor(params []float32, _ int, ins int, ph Phase, v View, x, y int, acc []float32) {
	rowLen := substrate.NeighborhoodSize * ins
	for n, off := range substrate.Neighborhood {
		nx, ny := x+off.DX, y+off.DY
		if nx < 0 || nx >= v.Width || ny < 0 || ny >= v.Height {
			continue
		}
		base := (ny*v.Width + nx) * v.Channels
		for c := ph.InLo; c < ph.InHi; c++ {
			val := v.Data[base+c]
			if val < AliveThreshold {
				continue
			}
			col := n*ins + c
			for o := ph.OutLo; o < ph.OutHi; o++ {
				acc[o-ph.OutLo] = mulAdd(val, params[o*rowLen+col], acc[o-ph.OutLo])
			}
		}
	}
}

func accumulateTransposed(params []float32, outs, ins int, ph Phase, v View, x, y int, acc []float32) {
	for n, off := range substrate.Neighborhood {
		nx, ny := x+off.DX, y+off.DY
		if nx < 0 || nx >= v.Width || ny < 0 || ny >= v.Height {
			continue
		}
		base := (ny*v.Width + nx) * v.Channels
		for c := ph.InLo; c < ph.InHi; c++ {
			val := v.Data[base+c]
			if val < AliveThreshold {
				continue
			}
			row := params[(n*ins+c)*outs : (n*ins+c+1)*outs]
			for o := ph.OutLo; o < ph.OutHi; o++ {
				acc[o-ph.OutLo] = mulAdd(val, row[o], acc[o-ph.OutLo])
			}
		}
	}
}
