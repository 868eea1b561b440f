package executor

import (
	"context"
	"runtime"
	"sync"

	"arcnca/internal/nca"
	"arcnca/internal/substrate"
)

// Sequential is the reference executor. Every (member, example) instance runs
// single-threaded; independent members may be spread over Workers goroutines.
type Sequential struct {
	Workers      int
	WeightLayout nca.WeightLayout
}

func NewSequential(workers int) *Sequential {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Sequential{Workers: workers}
}

func (e *Sequential) Name() string { return "sequential" }

func (e *Sequential) Run(ctx context.Context, spec nca.Spec, population [][]float32, batch []*substrate.Substrate, steps int) ([][]*substrate.Substrate, error) {
	models, err := validateRun(spec, population, batch, steps)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, nil
	}

	type job struct {
		idx   int
		model *nca.Model
	}
	type result struct {
		idx   int
		final []*substrate.Substrate
		err   error
	}

	jobs := make(chan job)
	results := make(chan result, len(models))

	workerCount := e.Workers
	if workerCount <= 0 {
		workerCount = 1
	}
	if workerCount > len(models) {
		workerCount = len(models)
	}

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				if err := ctx.Err(); err != nil {
					results <- result{idx: j.idx, err: err}
					continue
				}
				stepper := nca.NewStepper(j.model.Kernel(e.WeightLayout))
				final := cloneBatch(batch)
				var runErr error
				for _, s := range final {
					if runErr = stepper.Run(s, steps); runErr != nil {
						break
					}
				}
				results <- result{idx: j.idx, final: final, err: runErr}
			}
		}()
	}

	for i := range models {
		jobs <- job{idx: i, model: models[i]}
	}
	close(jobs)

	wg.Wait()
	close(results)

	out := make([][]*substrate.Substrate, len(models))
	for res := range results {
		if res.err != nil {
			return nil, res.err
		}
		out[res.idx] = res.final
	}
	return out, nil
}
