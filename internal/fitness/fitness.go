package fitness

import (
	"context"
	"fmt"
	"math"

	"arcnca/internal/executor"
	"arcnca/internal/grid"
	"arcnca/internal/nca"
	"arcnca/internal/substrate"
)

// DefaultL2 is the weight decay applied when a config leaves it unset.
const DefaultL2 = 1e-4

type Config struct {
	L2 float64 `json:"l2" yaml:"l2" toml:"l2"`
	L1 float64 `json:"l1" yaml:"l1" toml:"l1"`
}

// Target is an encoded expected output: Visible channels per cell.
type Target struct {
	Height int
	Width  int
	Values []float32
}

// EncodeTarget encodes g into the visible channel code of layout.
func EncodeTarget(layout substrate.Layout, g grid.Grid) (Target, error) {
	codec, err := grid.NewCodec(layout.Visible)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", substrate.ErrLayout, err)
	}
	t := Target{Height: g.Height(), Width: g.Width(), Values: make([]float32, g.Cells()*layout.Visible)}
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			base := (y*t.Width + x) * layout.Visible
			codec.Encode(g.At(y, x), t.Values[base:base+layout.Visible])
		}
	}
	return t, nil
}

// MSE is the mean squared error between the writable visible band of s and
// the target code.
func MSE(s *substrate.Substrate, t Target) (float64, error) {
	if s.Height != t.Height || s.Width != t.Width {
		return 0, fmt.Errorf("%w: output %dx%d, target %dx%d", substrate.ErrShape, s.Height, s.Width, t.Height, t.Width)
	}
	visible := s.Layout.Visible
	var sum float64
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			got := s.Writable(y, x)
			want := t.Values[(y*s.Width+x)*visible:]
			for c := 0; c < visible; c++ {
				d := float64(got[c]) - float64(want[c])
				sum += d * d
			}
		}
	}
	return sum / float64(s.Cells()*visible), nil
}

// Penalty is l2 × mean(p²) + l1 × mean(|p|) over the whole vector.
func (c Config) Penalty(params []float32) float64 {
	if len(params) == 0 {
		return 0
	}
	var sq, abs float64
	for _, p := range params {
		v := float64(p)
		sq += v * v
		abs += math.Abs(v)
	}
	n := float64(len(params))
	return c.L2*sq/n + c.L1*abs/n
}

// Accuracy decodes the writable visible band and returns the fraction of
// cells equal to target, or 0 when shapes differ.
func Accuracy(s *substrate.Substrate, target grid.Grid) (float64, error) {
	out, err := s.ReadOut()
	if err != nil {
		return 0, err
	}
	return grid.Accuracy(out, target), nil
}

// Evaluator scores populations on one batch of examples.
type Evaluator struct {
	cfg         Config
	exec        executor.Executor
	spec        nca.Spec
	steps       int
	batch       []*substrate.Substrate
	targets     []Target
	evaluations int
}

// NewEvaluator binds the batch and its targets. Every target must match the
// shape of its substrate.
func NewEvaluator(cfg Config, exec executor.Executor, spec nca.Spec, steps int, batch []*substrate.Substrate, targets []grid.Grid) (*Evaluator, error) {
	if len(batch) == 0 || len(batch) != len(targets) {
		return nil, fmt.Errorf("%w: %d substrates, %d targets", substrate.ErrShape, len(batch), len(targets))
	}
	encoded := make([]Target, len(targets))
	for i, g := range targets {
		if g.Height() != batch[i].Height || g.Width() != batch[i].Width {
			return nil, fmt.Errorf("%w: example %d input %dx%d, target %dx%d", substrate.ErrShape, i, batch[i].Height, batch[i].Width, g.Height(), g.Width())
		}
		t, err := EncodeTarget(spec.Layout, g)
		if err != nil {
			return nil, err
		}
		encoded[i] = t
	}
	return &Evaluator{cfg: cfg, exec: exec, spec: spec, steps: steps, batch: batch, targets: encoded}, nil
}

func (e *Evaluator) Executor() executor.Executor { return e.exec }

// Evaluations counts population members scored so far.
func (e *Evaluator) Evaluations() int { return e.evaluations }

// Population returns one fitness per member in population order: the mean
// MSE over the batch plus the parameter penalty. Lower is better.
func (e *Evaluator) Population(ctx context.Context, population [][]float32) ([]float64, error) {
	final, err := e.exec.Run(ctx, e.spec, population, e.batch, e.steps)
	if err != nil {
		return nil, err
	}
	scores := make([]float64, len(population))
	for m, outputs := range final {
		var loss float64
		for ex, s := range outputs {
			mse, err := MSE(s, e.targets[ex])
			if err != nil {
				return nil, err
			}
			loss += mse
		}
		scores[m] = loss/float64(len(outputs)) + e.cfg.Penalty(population[m])
	}
	e.evaluations += len(population)
	return scores, nil
}

// Final runs one parameter vector and returns its final substrates.
func (e *Evaluator) Final(ctx context.Context, params []float32) ([]*substrate.Substrate, error) {
	final, err := e.exec.Run(ctx, e.spec, [][]float32{params}, e.batch, e.steps)
	if err != nil {
		return nil, err
	}
	return final[0], nil
}
