package cmaes

import (
	"context"
	"fmt"
)

// EvaluateFunc scores one sampled generation, one value per member.
type EvaluateFunc func(ctx context.Context, population [][]float64) ([]float64, error)

// Budget bounds a run. A zero field is unlimited; at least one must be set.
type Budget struct {
	Generations int `json:"generations" yaml:"generations" toml:"generations"`
	Evaluations int `json:"evaluations" yaml:"evaluations" toml:"evaluations"`
}

// GenerationReport describes one completed generation.
type GenerationReport struct {
	Generation  int
	Fitness     []float64
	BestFitness float64
	Sigma       float64
	Evaluations int
}

type Result struct {
	Best        []float64
	BestFitness float64
	Generations int
	Evaluations int
}

func (b Budget) exhausted(o *Optimizer, startGen, startEvals int) bool {
	if b.Generations > 0 && o.generation-startGen >= b.Generations {
		return true
	}
	return b.Evaluations > 0 && o.evaluations-startEvals >= b.Evaluations
}

// Optimize runs ask/evaluate/tell until the budget is spent. There is no
// convergence test. observe, when set, sees every generation.
func (o *Optimizer) Optimize(ctx context.Context, budget Budget, evaluate EvaluateFunc, observe func(GenerationReport)) (Result, error) {
	if budget.Generations <= 0 && budget.Evaluations <= 0 {
		return Result{}, fmt.Errorf("%w: budget needs generations or evaluations", ErrConfig)
	}
	startGen, startEvals := o.generation, o.evaluations
	for !budget.exhausted(o, startGen, startEvals) {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		population, err := o.Ask()
		if err != nil {
			return Result{}, err
		}
		fitness, err := evaluate(ctx, population)
		if err != nil {
			return Result{}, fmt.Errorf("generation %d: %w", o.generation, err)
		}
		if err := o.Tell(fitness); err != nil {
			return Result{}, err
		}
		if observe != nil {
			_, best := o.Best()
			observe(GenerationReport{
				Generation:  o.generation - 1,
				Fitness:     fitness,
				BestFitness: best,
				Sigma:       o.sigma,
				Evaluations: o.evaluations,
			})
		}
	}
	best, fitness := o.Best()
	return Result{
		Best:        best,
		BestFitness: fitness,
		Generations: o.generation - startGen,
		Evaluations: o.evaluations - startEvals,
	}, nil
}
