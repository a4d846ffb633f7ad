package mcts

import (
	"context"
	"testing"

	"golang.org/x/exp/rand"

	"github.com/zeropipe/zeropipe/policy"
	"github.com/zeropipe/zeropipe/tensor"
)

// mockEvaluator implements Evaluator with a fixed uniform policy.
type mockEvaluator struct {
	actionSpace int
	value       float32
	calls       int
}

func (m *mockEvaluator) output() policy.RecurrentStepOutput {
	m.calls++
	logits := tensor.Zeros(1, m.actionSpace)
	value, _ := tensor.New([]int{1, 1}, []float32{m.value})
	prefix, _ := tensor.New([]int{1, 1}, []float32{0.1})
	return policy.RecurrentStepOutput{
		Value:        value,
		ValuePrefix:  prefix,
		PolicyLogits: logits,
		LatentState:  tensor.Zeros(1, 8),
		HiddenC:      tensor.Zeros(1, 1, 4),
		HiddenH:      tensor.Zeros(1, 1, 4),
	}
}

func (m *mockEvaluator) InitialInference(obs *tensor.Dense) (policy.RecurrentStepOutput, error) {
	return m.output(), nil
}

func (m *mockEvaluator) RecurrentInference(latent, hc, hh *tensor.Dense, action int) (policy.RecurrentStepOutput, error) {
	return m.output(), nil
}

func TestSearch(t *testing.T) {
	ev := &mockEvaluator{actionSpace: 4, value: 0.5}
	search := New(DefaultConfig(), ev, rand.New(rand.NewSource(1)))

	simulations := 50
	root, err := search.Run(context.Background(), tensor.Zeros(1, 8), simulations)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if root.VisitCount != simulations {
		t.Errorf("root visit count = %d, want %d", root.VisitCount, simulations)
	}

	dist := root.Distribution(4)
	total := 0
	for _, n := range dist {
		total += n
	}
	if total != simulations {
		t.Errorf("child visits sum to %d, want %d", total, simulations)
	}

	// The search result feeds straight into action selection.
	action, entropy, err := policy.SelectAction(dist, 1.0, true, nil)
	if err != nil {
		t.Fatalf("SelectAction on search distribution failed: %v", err)
	}
	if action < 0 || action >= 4 {
		t.Errorf("selected action %d out of range", action)
	}
	if entropy < 0 || entropy > policy.MaxEntropy(4) {
		t.Errorf("entropy %v outside [0, log2(4)]", entropy)
	}
}

func TestSearchUniformPolicySpreadsVisits(t *testing.T) {
	ev := &mockEvaluator{actionSpace: 4, value: 0}
	search := New(DefaultConfig(), ev, nil)

	root, err := search.Run(context.Background(), tensor.Zeros(1, 8), 400)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// With uniform priors and constant values, no action should starve.
	for a, n := range root.Distribution(4) {
		if n == 0 {
			t.Errorf("action %d never visited under a uniform policy", a)
		}
	}
}

func TestSearchContextCancelled(t *testing.T) {
	ev := &mockEvaluator{actionSpace: 4, value: 0.5}
	search := New(DefaultConfig(), ev, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	root, err := search.Run(ctx, tensor.Zeros(1, 8), 100)
	if err == nil {
		t.Fatal("expected context error")
	}
	if root == nil {
		t.Error("cancelled search should still return the partial root")
	}
}

func TestMinMaxStats(t *testing.T) {
	s := NewMinMaxStats()
	s.Update(2)
	s.Update(-1)
	if got := s.Normalize(0.5); got != 0.5 {
		t.Errorf("Normalize(0.5) over [-1,2] = %v, want 0.5", got)
	}
	// A single observed value leaves inputs unchanged.
	s2 := NewMinMaxStats()
	s2.Update(3)
	if got := s2.Normalize(3); got != 3 {
		t.Errorf("degenerate Normalize = %v, want passthrough", got)
	}
}

func BenchmarkSearch(b *testing.B) {
	ev := &mockEvaluator{actionSpace: 4, value: 0.5}
	search := New(DefaultConfig(), ev, rand.New(rand.NewSource(1)))
	obs := tensor.Zeros(1, 8)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := search.Run(context.Background(), obs, 100); err != nil {
			b.Fatalf("Run failed: %v", err)
		}
	}
}
