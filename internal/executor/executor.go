package executor

import (
	"context"
	"errors"
	"fmt"

	"arcnca/internal/nca"
	"arcnca/internal/substrate"
)

var (
	// ErrDevice reports a device failure during a launch. The whole
	// population evaluation fails with it.
	ErrDevice = errors.New("device failure")
	// ErrResourceExhausted reports a launch that exceeds a device limit.
	ErrResourceExhausted = errors.New("device resources exhausted")
)

// Executor advances every population member on every substrate of a batch
// for a fixed number of steps.
type Executor interface {
	Name() string
	// Run returns the final substrates indexed [member][example]. The batch
	// substrates are left untouched.
	Run(ctx context.Context, spec nca.Spec, population [][]float32, batch []*substrate.Substrate, steps int) ([][]*substrate.Substrate, error)
}

func validateRun(spec nca.Spec, population [][]float32, batch []*substrate.Substrate, steps int) ([]*nca.Model, error) {
	if steps < 0 {
		return nil, fmt.Errorf("steps must be >= 0, got %d", steps)
	}
	if len(batch) == 0 {
		return nil, fmt.Errorf("%w: empty batch", substrate.ErrShape)
	}
	for i, s := range batch {
		if s == nil {
			return nil, fmt.Errorf("%w: batch[%d] is nil", substrate.ErrShape, i)
		}
		if s.Layout != spec.Layout {
			return nil, fmt.Errorf("%w: batch[%d] layout %+v, model layout %+v", substrate.ErrLayout, i, s.Layout, spec.Layout)
		}
		if s.Height <= 0 || s.Width <= 0 || s.Cells() > substrate.MaxCells {
			return nil, fmt.Errorf("%w: batch[%d] is %dx%d", substrate.ErrShape, i, s.Height, s.Width)
		}
	}
	models := make([]*nca.Model, len(population))
	for i, params := range population {
		m, err := nca.New(spec, params)
		if err != nil {
			return nil, fmt.Errorf("member %d: %w", i, err)
		}
		models[i] = m
	}
	return models, nil
}

func cloneBatch(batch []*substrate.Substrate) []*substrate.Substrate {
	out := make([]*substrate.Substrate, len(batch))
	for i, s := range batch {
		out[i] = s.Clone()
	}
	return out
}
