package executor

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"arcnca/internal/nca"
	"arcnca/internal/substrate"
)

// DefaultParityTolerance bounds the per-value difference between executors.
const DefaultParityTolerance = 1e-5

type ParityConfig struct {
	Spec      nca.Spec
	Shapes    [][2]int
	Members   int
	Steps     int
	ParamStd  float64
	Tolerance float64
	Seed      int64
}

type ParityReport struct {
	Reference  string  `json:"reference"`
	Candidate  string  `json:"candidate"`
	Instances  int     `json:"instances"`
	Values     int     `json:"values"`
	MaxAbsDiff float64 `json:"max_abs_diff"`
	Tolerance  float64 `json:"tolerance"`
	Passed     bool    `json:"passed"`
}

// CheckParity runs random params over random substrates of the configured
// shapes through both executors and compares every output value.
func CheckParity(ctx context.Context, reference, candidate Executor, cfg ParityConfig) (ParityReport, error) {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultParityTolerance
	}
	if cfg.Members <= 0 {
		cfg.Members = 1
	}
	if cfg.ParamStd <= 0 {
		cfg.ParamStd = 0.2
	}
	if len(cfg.Shapes) == 0 {
		return ParityReport{}, fmt.Errorf("parity check needs at least one shape")
	}
	report := ParityReport{Reference: reference.Name(), Candidate: candidate.Name(), Tolerance: cfg.Tolerance}
	rng := rand.New(rand.NewSource(cfg.Seed))

	population := make([][]float32, cfg.Members)
	for i := range population {
		m, err := nca.Random(cfg.Spec, rng, cfg.ParamStd)
		if err != nil {
			return ParityReport{}, err
		}
		population[i] = m.Params()
	}

	batch := make([]*substrate.Substrate, 0, len(cfg.Shapes))
	for _, shape := range cfg.Shapes {
		s, err := RandomSubstrate(rng, cfg.Spec.Layout, shape[0], shape[1])
		if err != nil {
			return ParityReport{}, err
		}
		batch = append(batch, s)
	}

	want, err := reference.Run(ctx, cfg.Spec, population, batch, cfg.Steps)
	if err != nil {
		return ParityReport{}, fmt.Errorf("%s: %w", reference.Name(), err)
	}
	got, err := candidate.Run(ctx, cfg.Spec, population, batch, cfg.Steps)
	if err != nil {
		return ParityReport{}, fmt.Errorf("%s: %w", candidate.Name(), err)
	}

	for m := range want {
		for ex := range want[m] {
			report.Instances++
			a, b := want[m][ex].Data, got[m][ex].Data
			if len(a) != len(b) {
				return ParityReport{}, fmt.Errorf("%w: member %d example %d: %d vs %d values", substrate.ErrShape, m, ex, len(a), len(b))
			}
			for i := range a {
				report.Values++
				if diff := math.Abs(float64(a[i]) - float64(b[i])); diff > report.MaxAbsDiff || math.IsNaN(diff) {
					report.MaxAbsDiff = diff
				}
			}
		}
	}
	report.Passed = report.MaxAbsDiff <= report.Tolerance
	return report, nil
}

// RandomSubstrate draws a substrate with the read-only band set to random
// binary codes and every other band uniform in [0,1).
func RandomSubstrate(rng *rand.Rand, layout substrate.Layout, height, width int) (*substrate.Substrate, error) {
	s, err := substrate.New(layout, height, width)
	if err != nil {
		return nil, err
	}
	channels := layout.Channels()
	for cell := 0; cell < s.Cells(); cell++ {
		base := cell * channels
		for c := 0; c < channels; c++ {
			if c < layout.Visible {
				s.Data[base+c] = float32(rng.Intn(2))
				continue
			}
			s.Data[base+c] = rng.Float32()
		}
	}
	return s, nil
}
