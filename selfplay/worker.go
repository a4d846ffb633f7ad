// Package selfplay turns a search and an environment into training data. A
// worker plays whole episodes, records every step, and reports per-episode
// results for the dashboard.
package selfplay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/exp/rand"

	"github.com/zeropipe/zeropipe/env"
	"github.com/zeropipe/zeropipe/mcts"
	"github.com/zeropipe/zeropipe/policy"
	"github.com/zeropipe/zeropipe/store"
)

// Config sets how episodes are played.
type Config struct {
	Simulations int
	Temperature float64
	// Deterministic picks the argmax action instead of sampling. Off during
	// data generation, on for evaluation.
	Deterministic bool
	// MaxSteps caps an episode regardless of the environment's own limit.
	// Zero means no cap.
	MaxSteps int
}

// EpisodeResult summarizes one finished episode.
type EpisodeResult struct {
	EpisodeID   string
	Steps       int
	Return      float64
	MeanEntropy float64
}

// Worker plays episodes against one environment with one search.
type Worker struct {
	cfg    Config
	search *mcts.Search
	stack  *env.FrameStack
	rng    *rand.Rand
	logger *slog.Logger
}

func NewWorker(cfg Config, search *mcts.Search, stack *env.FrameStack, rng *rand.Rand, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{cfg: cfg, search: search, stack: stack, rng: rng, logger: logger}
}

// PlayEpisode runs one episode to completion and returns its steps and
// summary. The context is checked between moves and inside the search.
func (w *Worker) PlayEpisode(ctx context.Context) ([]store.StepRow, EpisodeResult, error) {
	episodeID := uuid.NewString()
	obs := w.stack.Reset()
	actionSpace := w.stack.ActionSpace()

	var (
		rows         []store.StepRow
		totalReward  float64
		totalEntropy float64
	)

	for turn := 0; ; turn++ {
		if err := ctx.Err(); err != nil {
			return rows, EpisodeResult{}, err
		}

		root, err := w.search.Run(ctx, obs, w.cfg.Simulations)
		if err != nil {
			return rows, EpisodeResult{}, fmt.Errorf("search at turn %d: %w", turn, err)
		}

		counts := root.Distribution(actionSpace)
		action, entropy, err := policy.SelectAction(counts, w.cfg.Temperature, w.cfg.Deterministic, w.rng)
		if err != nil {
			return rows, EpisodeResult{}, fmt.Errorf("select action at turn %d: %w", turn, err)
		}
		totalEntropy += entropy

		blob, shape := store.EncodeObs(obs)
		row := store.StepRow{
			EpisodeID:   episodeID,
			Turn:        int32(turn),
			Obs:         blob,
			ObsShape:    shape,
			Action:      int32(action),
			PolicyProbs: normalizeCounts(counts),
			SearchValue: float32(root.Value()),
			ValuePrefix: root.ValuePrefix,
			Entropy:     float32(entropy),
			Temperature: float32(w.cfg.Temperature),
		}

		next, reward, done := w.stack.Step(action)
		row.Reward = float32(reward)
		row.Done = done
		rows = append(rows, row)
		totalReward += reward
		obs = next

		if done || (w.cfg.MaxSteps > 0 && turn+1 >= w.cfg.MaxSteps) {
			break
		}
	}

	result := EpisodeResult{
		EpisodeID:   episodeID,
		Steps:       len(rows),
		Return:      totalReward,
		MeanEntropy: totalEntropy / float64(len(rows)),
	}
	w.logger.Info("episode finished",
		"episode", episodeID,
		"steps", result.Steps,
		"return", result.Return,
		"mean_entropy", result.MeanEntropy)
	return rows, result, nil
}

func normalizeCounts(counts []int) []float32 {
	total := 0
	for _, c := range counts {
		total += c
	}
	out := make([]float32, len(counts))
	if total == 0 {
		return out
	}
	for i, c := range counts {
		out[i] = float32(c) / float32(total)
	}
	return out
}
