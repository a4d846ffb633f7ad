package mcts

import (
	"math"

	"github.com/zeropipe/zeropipe/policy"
	"github.com/zeropipe/zeropipe/tensor"
)

// Evaluator is the model boundary of the search. InitialInference embeds a
// stacked observation into the latent space; RecurrentInference rolls the
// latent forward one action.
type Evaluator interface {
	InitialInference(obs *tensor.Dense) (policy.RecurrentStepOutput, error)
	RecurrentInference(latent, hiddenC, hiddenH *tensor.Dense, action int) (policy.RecurrentStepOutput, error)
}

// Config holds the search constants.
type Config struct {
	Discount float64

	// pb-c exploration schedule.
	PbCBase float64
	PbCInit float64

	// Root exploration noise.
	RootDirichletAlpha      float64
	RootExplorationFraction float64

	// ValuePrefixHorizon is the depth period after which the reward network's
	// hidden state is reset and the value prefix restarts from zero. Zero
	// disables resets.
	ValuePrefixHorizon int
}

// DefaultConfig mirrors the usual board/Atari constants.
func DefaultConfig() Config {
	return Config{
		Discount:                0.997,
		PbCBase:                 19652,
		PbCInit:                 1.25,
		RootDirichletAlpha:      0.3,
		RootExplorationFraction: 0.25,
		ValuePrefixHorizon:      5,
	}
}

// Node is one state in the search tree.
type Node struct {
	VisitCount  int
	ValueSum    float64
	Prior       float64
	ValuePrefix float32

	// Reset marks a value-prefix horizon boundary: the reward at this node is
	// its value prefix directly rather than the delta against the parent.
	Reset bool

	Latent  *tensor.Dense
	HiddenC *tensor.Dense
	HiddenH *tensor.Dense

	Children map[int]*Node
}

// NewNode creates an unexpanded node holding only its prior.
func NewNode(prior float64) *Node {
	return &Node{Prior: prior}
}

// Expanded reports whether the node has children.
func (n *Node) Expanded() bool { return len(n.Children) > 0 }

// Value is the mean backed-up value, zero before the first visit.
func (n *Node) Value() float64 {
	if n.VisitCount == 0 {
		return 0
	}
	return n.ValueSum / float64(n.VisitCount)
}

// Distribution returns per-action visit counts over the node's children,
// zero for never-created actions. This is what action selection consumes.
func (n *Node) Distribution(actionSpace int) []int {
	out := make([]int, actionSpace)
	for a, c := range n.Children {
		if a >= 0 && a < actionSpace {
			out[a] = c.VisitCount
		}
	}
	return out
}

// expand attaches children from a model output. The policy logits row decides
// the action space; priors are the softmax of the logits.
func (n *Node) expand(out policy.RecurrentStepOutput, reset bool) {
	n.Latent = out.LatentState
	n.HiddenC = out.HiddenC
	n.HiddenH = out.HiddenH
	if out.ValuePrefix != nil {
		n.ValuePrefix = out.ValuePrefix.Data[0]
	}
	n.Reset = reset

	logits := out.PolicyLogits.Data
	priors := softmax(logits)
	n.Children = make(map[int]*Node, len(priors))
	for a, p := range priors {
		n.Children[a] = NewNode(p)
	}
}

func softmax(logits []float32) []float64 {
	maxL := float64(logits[0])
	for _, l := range logits[1:] {
		if float64(l) > maxL {
			maxL = float64(l)
		}
	}
	out := make([]float64, len(logits))
	sum := 0.0
	for i, l := range logits {
		out[i] = math.Exp(float64(l) - maxL)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// MinMaxStats normalizes backed-up values into [0, 1] over the range seen so
// far during one search.
type MinMaxStats struct {
	Min float64
	Max float64
}

func NewMinMaxStats() *MinMaxStats {
	return &MinMaxStats{Min: math.Inf(1), Max: math.Inf(-1)}
}

func (s *MinMaxStats) Update(v float64) {
	if v < s.Min {
		s.Min = v
	}
	if v > s.Max {
		s.Max = v
	}
}

func (s *MinMaxStats) Normalize(v float64) float64 {
	if s.Max > s.Min {
		return (v - s.Min) / (s.Max - s.Min)
	}
	return v
}
