package mcts

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/zeropipe/zeropipe/tensor"
)

// Search runs EfficientZero-style simulations against an Evaluator.
type Search struct {
	Config    Config
	Evaluator Evaluator
	Rng       *rand.Rand
}

// New builds a Search. rng may be nil, which disables root exploration noise.
func New(cfg Config, ev Evaluator, rng *rand.Rand) *Search {
	return &Search{Config: cfg, Evaluator: ev, Rng: rng}
}

// Run expands a root from obs and performs the requested number of
// simulations. The returned root's visit-count distribution is the search
// result; its mean value is the search value estimate.
func (s *Search) Run(ctx context.Context, obs *tensor.Dense, simulations int) (*Node, error) {
	out, err := s.Evaluator.InitialInference(obs)
	if err != nil {
		return nil, fmt.Errorf("initial inference: %w", err)
	}
	root := NewNode(0)
	root.expand(out, true)
	root.ValuePrefix = 0
	s.addExplorationNoise(root)

	minMax := NewMinMaxStats()

	for i := 0; i < simulations; i++ {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return root, ctx.Err()
			default:
			}
		}
		if err := s.simulate(root, minMax); err != nil {
			return root, err
		}
	}
	return root, nil
}

func (s *Search) simulate(root *Node, minMax *MinMaxStats) error {
	node := root
	path := []*Node{root}
	var action int

	// Selection.
	for node.Expanded() {
		action = s.selectChild(node, minMax)
		node = node.Children[action]
		path = append(path, node)
	}

	// Expansion: roll the parent's latent forward by the selected action. The
	// reward hidden state is zeroed across horizon boundaries.
	parent := path[len(path)-2]
	depth := len(path) - 1
	reset := s.Config.ValuePrefixHorizon > 0 && depth%s.Config.ValuePrefixHorizon == 0
	hc, hh := parent.HiddenC, parent.HiddenH
	if parent.Reset && parent != root {
		hc = zerosLike(hc)
		hh = zerosLike(hh)
	}
	out, err := s.Evaluator.RecurrentInference(parent.Latent, hc, hh, action)
	if err != nil {
		return fmt.Errorf("recurrent inference: %w", err)
	}
	node.expand(out, reset)

	// Backpropagation.
	value := float64(out.Value.Data[0])
	for i := len(path) - 1; i >= 1; i-- {
		n := path[i]
		n.VisitCount++
		n.ValueSum += value
		reward := s.reward(path[i-1], n)
		minMax.Update(reward + s.Config.Discount*n.Value())
		value = reward + s.Config.Discount*value
	}
	root.VisitCount++
	root.ValueSum += value
	return nil
}

// reward derives the one-step reward from the value-prefix pair. At a horizon
// boundary the child's prefix restarts, so the parent's share is not
// subtracted.
func (s *Search) reward(parent, child *Node) float64 {
	if child.Reset {
		return float64(child.ValuePrefix)
	}
	return float64(child.ValuePrefix - parent.ValuePrefix)
}

func (s *Search) selectChild(node *Node, minMax *MinMaxStats) int {
	bestAction := -1
	bestScore := math.Inf(-1)
	for a := 0; a < len(node.Children); a++ {
		child := node.Children[a]
		score := s.ucbScore(node, child, minMax)
		if score > bestScore {
			bestScore = score
			bestAction = a
		}
	}
	return bestAction
}

// ucbScore is the pb-c rule: a prior term that decays with child visits plus
// the min-max normalized one-step value estimate.
func (s *Search) ucbScore(parent, child *Node, minMax *MinMaxStats) float64 {
	pbC := math.Log((float64(parent.VisitCount)+s.Config.PbCBase+1)/s.Config.PbCBase) + s.Config.PbCInit
	pbC *= math.Sqrt(float64(parent.VisitCount)) / float64(child.VisitCount+1)

	prior := pbC * child.Prior
	if child.VisitCount == 0 {
		return prior
	}
	value := s.reward(parent, child) + s.Config.Discount*child.Value()
	return prior + minMax.Normalize(value)
}

func (s *Search) addExplorationNoise(root *Node) {
	frac := s.Config.RootExplorationFraction
	if s.Rng == nil || frac <= 0 || s.Config.RootDirichletAlpha <= 0 || len(root.Children) == 0 {
		return
	}
	alpha := make([]float64, len(root.Children))
	for i := range alpha {
		alpha[i] = s.Config.RootDirichletAlpha
	}
	noise := distmv.NewDirichlet(alpha, s.Rng).Rand(nil)
	for a := 0; a < len(root.Children); a++ {
		child := root.Children[a]
		child.Prior = child.Prior*(1-frac) + noise[a]*frac
	}
}

func zerosLike(d *tensor.Dense) *tensor.Dense {
	if d == nil {
		return nil
	}
	return tensor.Zeros(d.Shape...)
}
