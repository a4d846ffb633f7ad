package policy

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	// ErrInvalidArgument is returned for out-of-domain parameters such as a
	// non-positive temperature or an unknown observation kind.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidDistribution is returned when visit counts cannot be
	// normalized into a probability distribution.
	ErrInvalidDistribution = errors.New("invalid distribution")
)

// SelectAction converts MCTS root visit counts into an action.
//
// Counts are reweighted by n_i^(1/temperature) and normalized. When
// deterministic, the argmax of the raw counts is returned (first occurrence on
// ties) and the distribution is only used for the entropy diagnostic.
// Otherwise one action is sampled from the distribution using src.
//
// The second return value is the base-2 Shannon entropy of the normalized
// distribution, returned on both branches.
func SelectAction(visitCounts []int, temperature float64, deterministic bool, src rand.Source) (int, float64, error) {
	if temperature <= 0 {
		return 0, 0, fmt.Errorf("%w: temperature must be positive, got %v", ErrInvalidArgument, temperature)
	}
	if len(visitCounts) == 0 {
		return 0, 0, fmt.Errorf("%w: empty visit counts", ErrInvalidDistribution)
	}

	weights := make([]float64, len(visitCounts))
	sum := 0.0
	for i, n := range visitCounts {
		if n < 0 {
			return 0, 0, fmt.Errorf("%w: negative visit count %d at action %d", ErrInvalidDistribution, n, i)
		}
		weights[i] = math.Pow(float64(n), 1/temperature)
		sum += weights[i]
	}
	if sum == 0 {
		return 0, 0, fmt.Errorf("%w: visit counts sum to zero", ErrInvalidDistribution)
	}

	probs := make([]float64, len(weights))
	for i, w := range weights {
		probs[i] = w / sum
	}
	entropy := stat.Entropy(probs) / math.Ln2

	if deterministic {
		return argmax(visitCounts), entropy, nil
	}

	cat := distuv.NewCategorical(weights, src)
	return int(cat.Rand()), entropy, nil
}

// MaxEntropy returns the entropy ceiling log2(n) for an action space of size n.
func MaxEntropy(actionSpace int) float64 {
	return math.Log2(float64(actionSpace))
}

func argmax(xs []int) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}
