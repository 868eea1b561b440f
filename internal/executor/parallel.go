package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/sourcegraph/conc/pool"

	"arcnca/internal/nca"
	"arcnca/internal/substrate"
)

// Parallel runs every (member, example) pair as an independent block on one
// or more devices. The population is split into contiguous ranges, one per
// device.
type Parallel struct {
	devices []*Device
}

// NewParallel builds an executor over the given devices, or over a single
// default device when none are given.
func NewParallel(devices ...DeviceConfig) *Parallel {
	if len(devices) == 0 {
		devices = []DeviceConfig{{}}
	}
	e := &Parallel{devices: make([]*Device, 0, len(devices))}
	for i, cfg := range devices {
		if cfg.ID == 0 {
			cfg.ID = i
		}
		e.devices = append(e.devices, NewDevice(cfg))
	}
	return e
}

func (e *Parallel) Name() string { return "parallel" }

func (e *Parallel) Devices() []*Device { return e.devices }

// Partition returns the [lo,hi) member range assigned to each device.
func (e *Parallel) Partition(members int) [][2]int {
	parts := make([][2]int, len(e.devices))
	for d := range e.devices {
		parts[d] = [2]int{d * members / len(e.devices), (d + 1) * members / len(e.devices)}
	}
	return parts
}

func (e *Parallel) Run(ctx context.Context, spec nca.Spec, population [][]float32, batch []*substrate.Substrate, steps int) ([][]*substrate.Substrate, error) {
	models, err := validateRun(spec, population, batch, steps)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, nil
	}
	for _, dev := range e.devices {
		for _, s := range batch {
			if _, err := dev.Plan(spec.Layout, s.Cells()); err != nil {
				return nil, err
			}
		}
	}

	packed := packBatch(batch)
	out := packed.newOutput(len(models))

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	for d, part := range e.Partition(len(models)) {
		dev, lo, hi := e.devices[d], part[0], part[1]
		if lo == hi {
			continue
		}
		p.Go(func(ctx context.Context) error {
			if err := dev.launch(ctx, models, lo, hi, packed, out, steps); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				return fmt.Errorf("%w: device %d: %v", ErrDevice, dev.cfg.ID, err)
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return packed.unpack(out, len(models)), nil
}
