package executor

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"arcnca/internal/nca"
	"arcnca/internal/substrate"
)

const (
	DefaultMaxLanes          = 1024
	DefaultSharedMemoryBytes = 48 << 10
)

// DeviceConfig describes one compute device. A device runs up to
// ComputeUnits blocks at once; each block owns one (member, example) pair
// and runs Lanes lanes that share the block's staged memory.
type DeviceConfig struct {
	ID                int              `json:"id" yaml:"id" toml:"id"`
	ComputeUnits      int              `json:"compute_units" yaml:"compute_units" toml:"compute_units"`
	Lanes             int              `json:"lanes" yaml:"lanes" toml:"lanes"`
	MaxLanes          int              `json:"max_lanes" yaml:"max_lanes" toml:"max_lanes"`
	SharedMemoryBytes int              `json:"shared_memory_bytes" yaml:"shared_memory_bytes" toml:"shared_memory_bytes"`
	WeightLayout      nca.WeightLayout `json:"weight_layout" yaml:"weight_layout" toml:"weight_layout"`

	// FaultHook, when set, runs before every block. A non-nil error fails
	// the launch.
	FaultHook func(block int) error `json:"-" yaml:"-" toml:"-"`
}

type Device struct {
	cfg DeviceConfig
}

func NewDevice(cfg DeviceConfig) *Device {
	if cfg.ComputeUnits <= 0 {
		cfg.ComputeUnits = runtime.GOMAXPROCS(0)
	}
	if cfg.MaxLanes <= 0 {
		cfg.MaxLanes = DefaultMaxLanes
	}
	if cfg.SharedMemoryBytes <= 0 {
		cfg.SharedMemoryBytes = DefaultSharedMemoryBytes
	}
	return &Device{cfg: cfg}
}

func (d *Device) Config() DeviceConfig { return d.cfg }

// LaunchConfig is the per-block resource plan for one substrate shape.
type LaunchConfig struct {
	Lanes       int
	SharedBytes int
}

// Plan sizes a block for a substrate with the given cell count. Lanes default
// to one per cell; fewer lanes stride over the cells.
func (d *Device) Plan(layout substrate.Layout, cells int) (LaunchConfig, error) {
	lanes := d.cfg.Lanes
	if lanes <= 0 {
		lanes = cells
	}
	if lanes > cells {
		lanes = cells
	}
	if lanes > d.cfg.MaxLanes {
		return LaunchConfig{}, fmt.Errorf("%w: device %d needs %d lanes, limit %d", ErrResourceExhausted, d.cfg.ID, lanes, d.cfg.MaxLanes)
	}
	shared := (cells*layout.Channels() + layout.ParamCount()) * 4
	if shared > d.cfg.SharedMemoryBytes {
		return LaunchConfig{}, fmt.Errorf("%w: device %d needs %d bytes of shared memory, limit %d", ErrResourceExhausted, d.cfg.ID, shared, d.cfg.SharedMemoryBytes)
	}
	return LaunchConfig{Lanes: lanes, SharedBytes: shared}, nil
}

// launch runs members [lo,hi) over every example of the packed batch,
// writing results into out.
func (d *Device) launch(ctx context.Context, models []*nca.Model, lo, hi int, batch packedBatch, out []float32, steps int) error {
	kernels := make([]nca.Kernel, hi-lo)
	for i := range kernels {
		kernels[i] = models[lo+i].Kernel(d.cfg.WeightLayout)
	}
	plans := make([]LaunchConfig, batch.examples())
	for ex := range plans {
		plan, err := d.Plan(batch.layout, batch.heights[ex]*batch.widths[ex])
		if err != nil {
			return err
		}
		plans[ex] = plan
	}

	p := pool.New().WithMaxGoroutines(d.cfg.ComputeUnits).WithContext(ctx).WithCancelOnError().WithFirstError()
	blocks := len(kernels) * batch.examples()
	for block := 0; block < blocks; block++ {
		p.Go(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.cfg.FaultHook != nil {
				if err := d.cfg.FaultHook(block); err != nil {
					return err
				}
			}
			member, ex := block/batch.examples(), block%batch.examples()
			start, end := batch.span(ex)
			base := (lo+member)*batch.stride() + start
			runBlock(kernels[member], plans[ex].Lanes, batch.heights[ex], batch.widths[ex], batch.image[start:end], out[base:base+end-start], steps)
			return nil
		})
	}
	return p.Wait()
}

// runBlock stages one substrate in block memory, runs the lanes and writes
// the writable and hidden bands back to dst.
func runBlock(k nca.Kernel, lanes, height, width int, src, dst []float32, steps int) {
	layout := k.Layout()
	channels := layout.Channels()
	shared := make([]float32, len(src))
	copy(shared, src)
	view := nca.View{Data: shared, Height: height, Width: width, Channels: channels}
	cells := height * width
	stride := k.MaxOutputs()
	bar := newBarrier(lanes)

	var wg sync.WaitGroup
	wg.Add(lanes)
	for lane := 0; lane < lanes; lane++ {
		go func(lane int) {
			defer wg.Done()
			owned := (cells - lane + lanes - 1) / lanes
			local := make([]float32, owned*stride)
			for step := 0; step < steps; step++ {
				for _, ph := range k.Phases() {
					for j, cell := 0, lane; cell < cells; j, cell = j+1, cell+lanes {
						acc := local[j*stride : (j+1)*stride]
						base := cell * channels
						k.Accumulate(ph, view, cell%width, cell/width, acc)
						k.Finalize(ph, acc, shared[base:base+channels])
					}
					bar.Wait()
					for j, cell := 0, lane; cell < cells; j, cell = j+1, cell+lanes {
						acc := local[j*stride : (j+1)*stride]
						base := cell * channels
						for i := 0; i < ph.Outputs(); i++ {
							shared[base+layout.OutputChannel(ph.OutLo+i)] = acc[i]
						}
					}
					bar.Wait()
				}
			}
		}(lane)
	}
	wg.Wait()

	start := layout.WritableStart()
	for cell := 0; cell < cells; cell++ {
		base := cell * channels
		copy(dst[base+start:base+channels], shared[base+start:base+channels])
	}
}
