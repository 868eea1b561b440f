package cmaes

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrConfig reports an invalid optimizer configuration.
	ErrConfig = errors.New("invalid optimizer configuration")
	// ErrState reports a call that does not fit the ask/tell cycle.
	ErrState = errors.New("invalid optimizer state")
)

const (
	DefaultSubset         = 64
	DefaultPruneThreshold = 1e-3
	DefaultMinEigen       = 1e-12
	DefaultMaxEigen       = 1e8
	DefaultPairsPerDim    = 32
)

type Config struct {
	Dim    int       `json:"dim"`
	Mean   []float64 `json:"mean,omitempty"`
	Sigma0 float64   `json:"sigma0"`
	// Lambda is the population size; 0 selects 4+⌊3 ln Dim⌋.
	Lambda int `json:"lambda"`
	// Mu is the number of recombined members; 0 selects Lambda/2.
	Mu int `json:"mu"`
	// Subset is the number of coordinates whose covariance adapts each
	// generation; 0 selects min(Dim, DefaultSubset).
	Subset         int     `json:"subset"`
	Mirrored       bool    `json:"mirrored"`
	PruneThreshold float64 `json:"prune_threshold"`
	// MaxPairs bounds the stored off-diagonal entries; 0 selects
	// DefaultPairsPerDim*Dim, capped at the dense count.
	MaxPairs int     `json:"max_pairs"`
	MinEigen float64 `json:"min_eigen"`
	MaxEigen float64 `json:"max_eigen"`
	Seed     int64   `json:"seed"`
}

// withDefaults fills unset fields. Mean defaults to the origin.
func (c Config) withDefaults() Config {
	if c.Mean == nil && c.Dim > 0 {
		c.Mean = make([]float64, c.Dim)
	}
	if c.Lambda == 0 && c.Dim > 0 {
		c.Lambda = 4 + int(math.Floor(3*math.Log(float64(c.Dim))))
	}
	if c.Mu == 0 {
		c.Mu = c.Lambda / 2
	}
	if c.Subset == 0 {
		c.Subset = min(c.Dim, DefaultSubset)
	}
	if c.MaxPairs == 0 && c.Dim > 0 {
		c.MaxPairs = max(min(DefaultPairsPerDim*c.Dim, c.Dim*(c.Dim-1)/2), blockPairs(c.Subset))
	}
	if c.PruneThreshold == 0 {
		c.PruneThreshold = DefaultPruneThreshold
	}
	if c.MinEigen == 0 {
		c.MinEigen = DefaultMinEigen
	}
	if c.MaxEigen == 0 {
		c.MaxEigen = DefaultMaxEigen
	}
	return c
}

func (c Config) Validate() error {
	switch {
	case c.Dim <= 0:
		return fmt.Errorf("%w: dim must be > 0, got %d", ErrConfig, c.Dim)
	case len(c.Mean) != c.Dim:
		return fmt.Errorf("%w: mean has %d entries, dim is %d", ErrConfig, len(c.Mean), c.Dim)
	case !(c.Sigma0 > 0) || math.IsInf(c.Sigma0, 0):
		return fmt.Errorf("%w: sigma0 must be finite and > 0, got %v", ErrConfig, c.Sigma0)
	case c.Lambda < 2:
		return fmt.Errorf("%w: lambda must be >= 2, got %d", ErrConfig, c.Lambda)
	case c.Mu < 1 || c.Mu >= c.Lambda:
		return fmt.Errorf("%w: mu must be in [1, lambda), got mu=%d lambda=%d", ErrConfig, c.Mu, c.Lambda)
	case c.Subset < 1 || c.Subset > c.Dim:
		return fmt.Errorf("%w: subset must be in [1, dim], got %d", ErrConfig, c.Subset)
	case c.Mirrored && c.Lambda%2 != 0:
		return fmt.Errorf("%w: mirrored sampling needs an even lambda, got %d", ErrConfig, c.Lambda)
	case c.MaxPairs < blockPairs(c.Subset):
		return fmt.Errorf("%w: max pairs must hold one %d-coordinate block (%d), got %d", ErrConfig, c.Subset, blockPairs(c.Subset), c.MaxPairs)
	case c.PruneThreshold < 0 || c.PruneThreshold >= 1:
		return fmt.Errorf("%w: prune threshold must be in [0, 1), got %v", ErrConfig, c.PruneThreshold)
	case !(c.MinEigen > 0) || c.MaxEigen <= c.MinEigen:
		return fmt.Errorf("%w: eigenvalue bounds must satisfy 0 < min < max, got [%v, %v]", ErrConfig, c.MinEigen, c.MaxEigen)
	}
	for i, v := range c.Mean {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: mean[%d] is not finite", ErrConfig, i)
		}
	}
	return nil
}

func blockPairs(k int) int { return k * (k - 1) / 2 }
