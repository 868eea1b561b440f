package train

import (
	"fmt"
	"math"
	"math/rand"
)

const DefaultTournamentK = 5

// TournamentSelector picks survivors with replacement. Each pick is the
// lowest score among K uniform draws; NaN loses to every number.
type TournamentSelector struct {
	K int
}

func NewTournamentSelector(k int) (TournamentSelector, error) {
	if k < 1 {
		return TournamentSelector{}, fmt.Errorf("tournament size must be >= 1, got %d", k)
	}
	return TournamentSelector{K: k}, nil
}

// Select returns len(scores) indices into scores.
func (s TournamentSelector) Select(rng *rand.Rand, scores []float64) []int {
	n := len(scores)
	if n == 0 {
		return nil
	}
	out := make([]int, n)
	for i := range out {
		best := rng.Intn(n)
		for c := 1; c < s.K; c++ {
			if idx := rng.Intn(n); better(scores[idx], scores[best]) {
				best = idx
			}
		}
		out[i] = best
	}
	return out
}

func better(a, b float64) bool {
	if math.IsNaN(a) {
		return false
	}
	if math.IsNaN(b) {
		return true
	}
	return a < b
}
