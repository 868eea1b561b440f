package nca

import (
	"fmt"

	"arcnca/internal/substrate"
)

// Stepper runs a kernel over one substrate on the calling goroutine. It owns
// the scratch buffers so repeated runs do not allocate.
type Stepper struct {
	kernel Kernel
	next   []float32
	acc    []float32
}

func NewStepper(k Kernel) *Stepper {
	return &Stepper{kernel: k, acc: make([]float32, k.MaxOutputs())}
}

// Run applies steps full update steps to s in place. Each phase reads the
// pre-phase grid and writes a separate buffer, so no cell observes another
// cell's update from the same phase.
func (st *Stepper) Run(s *substrate.Substrate, steps int) error {
	if s.Layout != st.kernel.layout {
		return fmt.Errorf("%w: substrate %+v, model %+v", substrate.ErrLayout, s.Layout, st.kernel.layout)
	}
	if cap(st.next) < len(s.Data) {
		st.next = make([]float32, len(s.Data))
	}
	next := st.next[:len(s.Data)]
	channels := s.Layout.Channels()
	cur := s.Data
	for i := 0; i < steps; i++ {
		for _, ph := range st.kernel.phases {
			copy(next, cur)
			view := View{Data: cur, Height: s.Height, Width: s.Width, Channels: channels}
			for y := 0; y < s.Height; y++ {
				for x := 0; x < s.Width; x++ {
					base := (y*s.Width + x) * channels
					st.kernel.Accumulate(ph, view, x, y, st.acc)
					st.kernel.Combine(ph, st.acc, cur[base:base+channels], next[base:base+channels])
				}
			}
			cur, next = next, cur
		}
	}
	if &cur[0] != &s.Data[0] {
		copy(s.Data, cur)
	}
	return nil
}

// Run applies steps update steps of m to s in place using channel-major
// parameters.
func (m *Model) Run(s *substrate.Substrate, steps int) error {
	return NewStepper(m.Kernel(ChannelMajor)).Run(s, steps)
}
