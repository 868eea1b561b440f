package nca

import (
	"errors"
	"fmt"
	"math/rand"

	"arcnca/internal/substrate"
)

var ErrParamLength = errors.New("parameter vector length mismatch")

// Spec fixes the shape and update policy of a model.
type Spec struct {
	Layout substrate.Layout
	Rule   Rule
}

func (s Spec) ParamCount() int { return s.Layout.ParamCount() }

// Phases expands the rule into the ordered half-steps of one full step.
func (s Spec) Phases() ([]Phase, error) {
	if err := s.Layout.Validate(); err != nil {
		return nil, err
	}
	return phases(s.Rule, s.Layout.Visible, s.Layout.Hidden)
}

// Model is a parameterized automaton. Params are in channel-major order:
// the weights block followed by one bias per output.
type Model struct {
	spec   Spec
	params []float32
	phases []Phase
}

// New validates params against spec. The vector is retained, not copied.
func New(spec Spec, params []float32) (*Model, error) {
	ph, err := spec.Phases()
	if err != nil {
		return nil, err
	}
	if want := spec.ParamCount(); len(params) != want {
		return nil, fmt.Errorf("%w: got %d want %d", ErrParamLength, len(params), want)
	}
	return &Model{spec: spec, params: params, phases: ph}, nil
}

// Zero returns a model whose every parameter is zero.
func Zero(spec Spec) (*Model, error) {
	return New(spec, make([]float32, spec.ParamCount()))
}

// Random draws every parameter from N(0, std²).
func Random(spec Spec, rng *rand.Rand, std float64) (*Model, error) {
	params := make([]float32, spec.ParamCount())
	for i := range params {
		params[i] = float32(rng.NormFloat64() * std)
	}
	return New(spec, params)
}

func (m *Model) Spec() Spec { return m.spec }

func (m *Model) Layout() substrate.Layout { return m.spec.Layout }

func (m *Model) Params() []float32 { return m.params }

func (m *Model) Weights() []float32 { return m.params[:m.spec.Layout.WeightCount()] }

func (m *Model) Biases() []float32 { return m.params[m.spec.Layout.WeightCount():] }

func (m *Model) Phases() []Phase { return m.phases }

// Weight returns the weight connecting input channel in of neighbor n to output o.
func (m *Model) Weight(o, n, in int) float32 {
	ins := m.spec.Layout.Channels()
	return m.params[o*substrate.NeighborhoodSize*ins+n*ins+in]
}

// Kernel stages the model's parameters for execution in the given layout.
func (m *Model) Kernel(wl WeightLayout) Kernel {
	return NewKernel(m.spec.Layout, m.phases, m.params, wl)
}
