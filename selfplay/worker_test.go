package selfplay

import (
	"context"
	"log/slog"
	stdrand "math/rand"
	"testing"

	"golang.org/x/exp/rand"

	"github.com/zeropipe/zeropipe/env"
	"github.com/zeropipe/zeropipe/mcts"
	"github.com/zeropipe/zeropipe/policy"
	"github.com/zeropipe/zeropipe/tensor"
)

// uniformEvaluator returns flat logits and a constant value regardless of the
// observation, which is enough for the worker's bookkeeping to be observable.
type uniformEvaluator struct {
	actionSpace int
}

func (e *uniformEvaluator) output() policy.RecurrentStepOutput {
	return policy.RecurrentStepOutput{
		Value:        tensor.Zeros(1, 1),
		ValuePrefix:  tensor.Zeros(1, 1),
		PolicyLogits: tensor.Zeros(1, e.actionSpace),
		LatentState:  tensor.Zeros(1, 4),
		HiddenC:      tensor.Zeros(1, 1, 2),
		HiddenH:      tensor.Zeros(1, 1, 2),
	}
}

func (e *uniformEvaluator) InitialInference(obs *tensor.Dense) (policy.RecurrentStepOutput, error) {
	return e.output(), nil
}

func (e *uniformEvaluator) RecurrentInference(latent, hiddenC, hiddenH *tensor.Dense, action int) (policy.RecurrentStepOutput, error) {
	return e.output(), nil
}

func newTestWorker(t *testing.T, cfg Config) *Worker {
	t.Helper()
	cartpole := env.NewCartPole(stdrand.New(stdrand.NewSource(7)))
	stack := env.NewFrameStack(cartpole, 4)
	search := mcts.New(mcts.DefaultConfig(), &uniformEvaluator{actionSpace: cartpole.ActionSpace()}, rand.New(rand.NewSource(7)))
	return NewWorker(cfg, search, stack, rand.New(rand.NewSource(11)), slog.New(slog.DiscardHandler))
}

func TestPlayEpisodeRecordsEveryStep(t *testing.T) {
	w := newTestWorker(t, Config{
		Simulations: 16,
		Temperature: 1,
		MaxSteps:    50,
	})

	rows, result, err := w.PlayEpisode(context.Background())
	if err != nil {
		t.Fatalf("play episode: %v", err)
	}
	if len(rows) == 0 {
		t.Fatal("no steps recorded")
	}
	if result.Steps != len(rows) {
		t.Errorf("result.Steps = %d, rows = %d", result.Steps, len(rows))
	}
	if result.Return != float64(len(rows)) {
		t.Errorf("return = %v, want %v (reward 1 per step)", result.Return, len(rows))
	}
	if result.EpisodeID == "" {
		t.Error("missing episode id")
	}

	for i, row := range rows {
		if row.Turn != int32(i) {
			t.Errorf("row %d has turn %d", i, row.Turn)
		}
		if row.EpisodeID != result.EpisodeID {
			t.Errorf("row %d belongs to episode %s", i, row.EpisodeID)
		}
		var total float32
		for _, p := range row.PolicyProbs {
			total += p
		}
		if total < 0.999 || total > 1.001 {
			t.Errorf("row %d policy probs sum to %v", i, total)
		}
		if i < len(rows)-1 && row.Done {
			t.Errorf("row %d marked done mid-episode", i)
		}
	}
	// An episode shorter than the cap must have ended with a done flag.
	if len(rows) < 50 && !rows[len(rows)-1].Done {
		t.Error("episode ended early without a done flag")
	}
}

func TestPlayEpisodeHonorsMaxSteps(t *testing.T) {
	w := newTestWorker(t, Config{
		Simulations: 8,
		Temperature: 1,
		MaxSteps:    5,
	})

	rows, result, err := w.PlayEpisode(context.Background())
	if err != nil {
		t.Fatalf("play episode: %v", err)
	}
	if len(rows) > 5 {
		t.Errorf("episode ran %d steps past the cap", len(rows))
	}
	if result.MeanEntropy < 0 || result.MeanEntropy > policy.MaxEntropy(2) {
		t.Errorf("mean entropy %v outside [0, log2(2)]", result.MeanEntropy)
	}
}

func TestPlayEpisodeStopsOnCancel(t *testing.T) {
	w := newTestWorker(t, Config{Simulations: 8, Temperature: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := w.PlayEpisode(ctx); err == nil {
		t.Error("expected a context error from a cancelled episode")
	}
}
