package cmaes

import (
	"fmt"
	"math"
	"math/rand"
)

// Snapshot is the serializable distribution state between generations.
type Snapshot struct {
	Dim         int       `json:"dim"`
	Generation  int       `json:"generation"`
	Evaluations int       `json:"evaluations"`
	Sigma       float64   `json:"sigma"`
	Mean        []float64 `json:"mean"`
	Variances   []float64 `json:"variances"`
	Pairs       []Pair    `json:"pairs"`
	PathSigma   []float64 `json:"path_sigma"`
	PathC       []float64 `json:"path_c"`
	Best        []float64 `json:"best,omitempty"`
	BestFitness *float64  `json:"best_fitness,omitempty"`
}

func (o *Optimizer) Snapshot() Snapshot {
	snap := Snapshot{
		Dim:         o.dim,
		Generation:  o.generation,
		Evaluations: o.evaluations,
		Sigma:       o.sigma,
		Mean:        append([]float64(nil), o.mean...),
		Variances:   append([]float64(nil), o.cov.diag...),
		Pairs:       o.cov.sortedPairs(),
		PathSigma:   append([]float64(nil), o.pSigma...),
		PathC:       append([]float64(nil), o.pC...),
	}
	if o.best != nil {
		f := o.bestFitness
		snap.Best = append([]float64(nil), o.best...)
		snap.BestFitness = &f
	}
	return snap
}

// Restore rebuilds an optimizer from cfg and a snapshot taken between
// generations. The random stream restarts from Seed+Generation.
func Restore(cfg Config, snap Snapshot) (*Optimizer, error) {
	cfg.Dim = snap.Dim
	cfg.Mean = snap.Mean
	if !(cfg.Sigma0 > 0) {
		cfg.Sigma0 = snap.Sigma
	}
	o, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if len(snap.Variances) != snap.Dim || len(snap.PathSigma) != snap.Dim || len(snap.PathC) != snap.Dim {
		return nil, fmt.Errorf("%w: snapshot vectors do not match dim %d", ErrConfig, snap.Dim)
	}
	if !(snap.Sigma > 0) || math.IsInf(snap.Sigma, 0) {
		return nil, fmt.Errorf("%w: snapshot sigma %v", ErrConfig, snap.Sigma)
	}
	o.sigma = snap.Sigma
	o.generation = snap.Generation
	o.evaluations = snap.Evaluations
	copy(o.cov.diag, snap.Variances)
	for _, p := range snap.Pairs {
		if p.I < 0 || p.J >= snap.Dim || p.I >= p.J {
			return nil, fmt.Errorf("%w: snapshot pair (%d,%d)", ErrConfig, p.I, p.J)
		}
		o.cov.set(p.I, p.J, p.V, 0)
	}
	o.cov.evict()
	copy(o.pSigma, snap.PathSigma)
	copy(o.pC, snap.PathC)
	if snap.BestFitness != nil {
		o.best = append([]float64(nil), snap.Best...)
		o.bestFitness = *snap.BestFitness
	}
	o.rng = rand.New(rand.NewSource(cfg.Seed + int64(snap.Generation)))
	if o.generation > 0 {
		o.state = StateSampling
	}
	return o, nil
}
