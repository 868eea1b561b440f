package cmaes

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

type State uint8

const (
	StateInitialized State = iota
	StateSampling
	StateEvaluating
	StateUpdating
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateSampling:
		return "sampling"
	case StateEvaluating:
		return "evaluating"
	case StateUpdating:
		return "updating"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// Optimizer is a CMA-ES whose covariance adapts only on a random coordinate
// subset each generation. Coordinates outside the subset keep their variance
// and stored correlations; sampling outside the subset is axis-aligned.
type Optimizer struct {
	cfg   Config
	rng   *rand.Rand
	state State

	dim     int
	lambda  int
	mu      int
	weights []float64
	mueff   float64
	cs      float64
	ds      float64
	cc      float64
	c1      float64
	cmu     float64
	chiN    float64

	mean   []float64
	sigma  float64
	cov    *sparseCov
	pSigma []float64
	pC     []float64

	perm   []int
	subset []int
	block  eigenBlock
	xs     [][]float64
	ys     [][]float64
	ws     [][]float64

	generation  int
	evaluations int
	best        []float64
	bestFitness float64
}

func New(cfg Config) (*Optimizer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := float64(cfg.Dim)
	o := &Optimizer{
		cfg:         cfg,
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		dim:         cfg.Dim,
		lambda:      cfg.Lambda,
		mu:          cfg.Mu,
		mean:        append([]float64(nil), cfg.Mean...),
		sigma:       cfg.Sigma0,
		cov:         newSparseCov(cfg.Dim, cfg.MaxPairs),
		pSigma:      make([]float64, cfg.Dim),
		pC:          make([]float64, cfg.Dim),
		perm:        make([]int, cfg.Dim),
		bestFitness: math.Inf(1),
	}
	for i := range o.perm {
		o.perm[i] = i
	}

	o.weights = make([]float64, o.mu)
	for i := range o.weights {
		o.weights[i] = math.Log(float64(o.mu)+0.5) - math.Log(float64(i+1))
	}
	floats.Scale(1/floats.Sum(o.weights), o.weights)
	o.mueff = 1 / floats.Dot(o.weights, o.weights)

	o.cs = (o.mueff + 2) / (n + o.mueff + 5)
	o.ds = 1 + 2*math.Max(0, math.Sqrt((o.mueff-1)/(n+1))-1) + o.cs
	o.cc = (4 + o.mueff/n) / (n + 4 + 2*o.mueff/n)
	o.chiN = math.Sqrt(n) * (1 - 1/(4*n) + 1/(21*n*n))

	// Learning rates follow the dimension of the adapted block.
	k := float64(cfg.Subset)
	o.c1 = 2 / ((k+1.3)*(k+1.3) + o.mueff)
	o.cmu = math.Min(1-o.c1, 2*(o.mueff-2+1/o.mueff)/((k+2)*(k+2)+o.mueff))
	return o, nil
}

func (o *Optimizer) State() State { return o.state }

func (o *Optimizer) Dim() int { return o.dim }

func (o *Optimizer) Lambda() int { return o.lambda }

func (o *Optimizer) Sigma() float64 { return o.sigma }

func (o *Optimizer) Generation() int { return o.generation }

func (o *Optimizer) Evaluations() int { return o.evaluations }

// Mean returns a copy of the distribution mean.
func (o *Optimizer) Mean() []float64 { return append([]float64(nil), o.mean...) }

// Best returns the best member seen so far and its fitness, or nil and +Inf
// before the first Tell.
func (o *Optimizer) Best() ([]float64, float64) {
	if o.best == nil {
		return nil, o.bestFitness
	}
	return append([]float64(nil), o.best...), o.bestFitness
}

// Ask samples one generation. Tell must be called with its fitness before
// the next Ask.
func (o *Optimizer) Ask() ([][]float64, error) {
	if o.state != StateInitialized && o.state != StateSampling {
		return nil, fmt.Errorf("%w: ask while %s", ErrState, o.state)
	}
	o.drawSubset()
	block, ok := repair(o.cov.block(o.subset), o.cfg.MinEigen, o.cfg.MaxEigen)
	if !ok {
		return nil, fmt.Errorf("%w: covariance block factorization failed", ErrState)
	}
	o.block = block

	k := len(o.subset)
	o.xs = make([][]float64, o.lambda)
	o.ys = make([][]float64, o.lambda)
	o.ws = make([][]float64, o.lambda)
	population := make([][]float64, o.lambda)
	zs := make([]float64, k)
	for m := 0; m < o.lambda; m++ {
		if o.cfg.Mirrored && m%2 == 1 {
			o.ys[m] = negated(o.ys[m-1])
			o.ws[m] = negated(o.ws[m-1])
		} else {
			y := make([]float64, o.dim)
			w := make([]float64, o.dim)
			for i := range y {
				z := o.rng.NormFloat64()
				y[i] = math.Sqrt(o.cov.diag[i]) * z
				w[i] = z
			}
			for a, i := range o.subset {
				zs[a] = w[i]
			}
			for a, i := range o.subset {
				var yi, wi float64
				for e := 0; e < k; e++ {
					b := block.vectors.At(a, e)
					yi += b * block.sqrtVal[e] * zs[e]
					wi += b * zs[e]
				}
				y[i] = yi
				w[i] = wi
			}
			o.ys[m] = y
			o.ws[m] = w
		}
		x := make([]float64, o.dim)
		floats.AddScaledTo(x, o.mean, o.sigma, o.ys[m])
		o.xs[m] = x
		population[m] = append([]float64(nil), x...)
	}
	o.state = StateEvaluating
	return population, nil
}

// drawSubset picks Subset distinct coordinates by a partial Fisher-Yates
// shuffle and sorts them.
func (o *Optimizer) drawSubset() {
	k := o.cfg.Subset
	for i := 0; i < k; i++ {
		j := i + o.rng.Intn(o.dim-i)
		o.perm[i], o.perm[j] = o.perm[j], o.perm[i]
	}
	o.subset = append(o.subset[:0], o.perm[:k]...)
	sort.Ints(o.subset)
}

// Tell ranks the sampled generation by fitness, lower is better, and
// updates the distribution. NaN fitness ranks last.
func (o *Optimizer) Tell(fitness []float64) error {
	if o.state != StateEvaluating {
		return fmt.Errorf("%w: tell while %s", ErrState, o.state)
	}
	if len(fitness) != o.lambda {
		return fmt.Errorf("%w: want %d fitness values, got %d", ErrState, o.lambda, len(fitness))
	}
	o.state = StateUpdating

	order := make([]int, o.lambda)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return less(fitness[order[a]], fitness[order[b]]) })

	if f := fitness[order[0]]; less(f, o.bestFitness) {
		o.bestFitness = f
		o.best = append(o.best[:0], o.xs[order[0]]...)
	}

	yw := make([]float64, o.dim)
	zw := make([]float64, o.dim)
	for r := 0; r < o.mu; r++ {
		floats.AddScaled(yw, o.weights[r], o.ys[order[r]])
		floats.AddScaled(zw, o.weights[r], o.ws[order[r]])
	}
	floats.AddScaled(o.mean, o.sigma, yw)

	floats.Scale(1-o.cs, o.pSigma)
	floats.AddScaled(o.pSigma, math.Sqrt(o.cs*(2-o.cs)*o.mueff), zw)
	normPS := floats.Norm(o.pSigma, 2)
	hsig := 0.0
	decay := 1 - math.Pow(1-o.cs, 2*float64(o.generation+1))
	if normPS/math.Sqrt(decay)/o.chiN < 1.4+2/(float64(o.dim)+1) {
		hsig = 1
	}
	floats.Scale(1-o.cc, o.pC)
	floats.AddScaled(o.pC, hsig*math.Sqrt(o.cc*(2-o.cc)*o.mueff), yw)

	o.updateBlock(order, hsig)

	exponent := (o.cs / o.ds) * (normPS/o.chiN - 1)
	o.sigma *= math.Exp(math.Min(1, exponent))

	o.generation++
	o.evaluations += o.lambda
	o.xs, o.ys, o.ws = nil, nil, nil
	o.state = StateSampling
	return nil
}

// updateBlock applies the rank-one and rank-mu update to the sampled block
// and writes the repaired result back into the sparse covariance.
func (o *Optimizer) updateBlock(order []int, hsig float64) {
	k := len(o.subset)
	prev := o.block.sym
	next := mat.NewSymDense(k, nil)
	keep := 1 - o.c1 - o.cmu + o.c1*(1-hsig)*o.cc*(2-o.cc)
	for a := 0; a < k; a++ {
		ia := o.subset[a]
		for b := a; b < k; b++ {
			ib := o.subset[b]
			v := keep*prev.At(a, b) + o.c1*o.pC[ia]*o.pC[ib]
			for r := 0; r < o.mu; r++ {
				y := o.ys[order[r]]
				v += o.cmu * o.weights[r] * y[ia] * y[ib]
			}
			next.SetSym(a, b, v)
		}
	}
	repaired, ok := repair(next, o.cfg.MinEigen, o.cfg.MaxEigen)
	if !ok {
		// The sampled block is already valid; keep it.
		repaired.sym = prev
	}
	o.cov.store(o.subset, repaired.sym, o.cfg.PruneThreshold)
}

func less(a, b float64) bool {
	if math.IsNaN(a) {
		return false
	}
	if math.IsNaN(b) {
		return true
	}
	return a < b
}

func negated(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = -x
	}
	return out
}
