package cmaes

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

type pairKey uint64

func keyOf(i, j int) pairKey {
	if i > j {
		i, j = j, i
	}
	return pairKey(uint64(i)<<32 | uint64(uint32(j)))
}

func (k pairKey) split() (int, int) { return int(k >> 32), int(uint32(k)) }

// sparseCov stores a covariance matrix as its full diagonal plus at most
// maxPairs off-diagonal entries. Absent pairs are zero. adj indexes the stored
// partners of each coordinate so a store touches only pairs incident to the
// written block.
type sparseCov struct {
	diag     []float64
	pairs    map[pairKey]float64
	adj      []map[int]struct{}
	maxPairs int
}

func newSparseCov(dim, maxPairs int) *sparseCov {
	c := &sparseCov{
		diag:     make([]float64, dim),
		pairs:    make(map[pairKey]float64),
		adj:      make([]map[int]struct{}, dim),
		maxPairs: maxPairs,
	}
	for i := range c.diag {
		c.diag[i] = 1
	}
	return c
}

// block gathers the sub-matrix over coordinates idx.
func (c *sparseCov) block(idx []int) *mat.SymDense {
	k := len(idx)
	b := mat.NewSymDense(k, nil)
	for a := 0; a < k; a++ {
		b.SetSym(a, a, c.diag[idx[a]])
		for bb := a + 1; bb < k; bb++ {
			if v, ok := c.pairs[keyOf(idx[a], idx[bb])]; ok {
				b.SetSym(a, bb, v)
			}
		}
	}
	return b
}

// store writes the sub-matrix over idx back. Entries between idx and the
// other coordinates are rescaled so their correlation is unchanged, pairs
// whose correlation falls below prune are dropped, and the weakest
// correlations are evicted once more than maxPairs entries are held.
func (c *sparseCov) store(idx []int, b *mat.SymDense, prune float64) {
	inSubset := make(map[int]struct{}, len(idx))
	for _, i := range idx {
		inSubset[i] = struct{}{}
	}
	for a, i := range idx {
		old, next := c.diag[i], b.At(a, a)
		scale := math.Sqrt(next / old)
		c.diag[i] = next
		for j := range c.adj[i] {
			if _, ok := inSubset[j]; ok {
				continue
			}
			key := keyOf(i, j)
			c.set(i, j, c.pairs[key]*scale, prune)
		}
	}
	for a := range idx {
		for bb := a + 1; bb < len(idx); bb++ {
			c.set(idx[a], idx[bb], b.At(a, bb), prune)
		}
	}
	c.evict()
}

// set stores v for (i, j), or removes the pair when its correlation is below
// prune or not finite.
func (c *sparseCov) set(i, j int, v, prune float64) {
	denom := math.Sqrt(c.diag[i] * c.diag[j])
	if !(denom > 0) || math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v)/denom < prune {
		c.remove(i, j)
		return
	}
	c.pairs[keyOf(i, j)] = v
	c.link(i, j)
	c.link(j, i)
}

func (c *sparseCov) link(i, j int) {
	if c.adj[i] == nil {
		c.adj[i] = make(map[int]struct{})
	}
	c.adj[i][j] = struct{}{}
}

func (c *sparseCov) remove(i, j int) {
	delete(c.pairs, keyOf(i, j))
	delete(c.adj[i], j)
	delete(c.adj[j], i)
}

func (c *sparseCov) correlation(key pairKey, v float64) float64 {
	i, j := key.split()
	return math.Abs(v) / math.Sqrt(c.diag[i]*c.diag[j])
}

// evict drops the weakest correlations until at most maxPairs remain. Ties
// break on the pair key so eviction is deterministic.
func (c *sparseCov) evict() {
	excess := len(c.pairs) - c.maxPairs
	if c.maxPairs <= 0 || excess <= 0 {
		return
	}
	type ranked struct {
		key  pairKey
		corr float64
	}
	all := make([]ranked, 0, len(c.pairs))
	for key, v := range c.pairs {
		all = append(all, ranked{key: key, corr: c.correlation(key, v)})
	}
	sort.Slice(all, func(a, b int) bool {
		if all[a].corr != all[b].corr {
			return all[a].corr < all[b].corr
		}
		return all[a].key < all[b].key
	})
	for _, r := range all[:excess] {
		i, j := r.key.split()
		c.remove(i, j)
	}
}

// Pair is one stored off-diagonal covariance entry, I < J.
type Pair struct {
	I int     `json:"i"`
	J int     `json:"j"`
	V float64 `json:"v"`
}

func (c *sparseCov) sortedPairs() []Pair {
	out := make([]Pair, 0, len(c.pairs))
	for key, v := range c.pairs {
		i, j := key.split()
		out = append(out, Pair{I: i, J: j, V: v})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].I != out[b].I {
			return out[a].I < out[b].I
		}
		return out[a].J < out[b].J
	})
	return out
}

// eigenBlock is a repaired sub-matrix with its factorization.
type eigenBlock struct {
	sym     *mat.SymDense
	vectors *mat.Dense
	sqrtVal []float64
}

// repair factorizes b and clamps its eigenvalues into [lo, hi], rebuilding b
// from the clamped spectrum so it is positive definite.
func repair(b *mat.SymDense, lo, hi float64) (eigenBlock, bool) {
	var eig mat.EigenSym
	if !eig.Factorize(b, true) {
		return eigenBlock{}, false
	}
	values := eig.Values(nil)
	vectors := mat.NewDense(b.SymmetricDim(), b.SymmetricDim(), nil)
	eig.VectorsTo(vectors)

	k := len(values)
	sqrtVal := make([]float64, k)
	for i, v := range values {
		if math.IsNaN(v) || v < lo {
			v = lo
		}
		if v > hi {
			v = hi
		}
		values[i] = v
		sqrtVal[i] = math.Sqrt(v)
	}
	rebuilt := mat.NewSymDense(k, nil)
	for a := 0; a < k; a++ {
		for bb := a; bb < k; bb++ {
			var s float64
			for e := 0; e < k; e++ {
				s += vectors.At(a, e) * values[e] * vectors.At(bb, e)
			}
			rebuilt.SetSym(a, bb, s)
		}
	}
	return eigenBlock{sym: rebuilt, vectors: vectors, sqrtVal: sqrtVal}, true
}
