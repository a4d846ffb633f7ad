// Package prep turns recorded self-play shards into stacked training batches.
// Steps store the frame window the search saw; here the windows are unpacked
// back into raw frames and re-stacked with the extra unroll timesteps the
// trainer needs.
package prep

import (
	"fmt"

	"github.com/zeropipe/zeropipe/policy"
	"github.com/zeropipe/zeropipe/store"
	"github.com/zeropipe/zeropipe/tensor"
)

// Sample is one training position: the stacked window starting at Turn plus
// the step targets recorded by the search.
type Sample struct {
	EpisodeID string
	Turn      int32

	// Stacked holds frames [turn, turn+frameStack+unroll) as (1, T, D).
	Stacked *tensor.Dense

	Actions     []int32
	SearchValue float32
	PolicyProbs []float32
	ValuePrefix float32
	Reward      float32
}

// Batch is a group of samples stacked along the batch axis, ready for
// observation preparation.
type Batch struct {
	Samples []Sample
	// Current and Target are the split produced by policy.PrepareObs.
	Current *tensor.Dense
	Target  *tensor.Dense
}

// EpisodeFrames reconstructs the raw per-step frames from an episode's rows.
// Row 0's window contributes its full frameStack frames; every later row
// contributes only its newest frame.
func EpisodeFrames(rows []store.StepRow, frameStack, obsDim int) ([][]float32, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty episode")
	}

	frames := make([][]float32, 0, frameStack+len(rows)-1)
	for i, row := range rows {
		obs, err := store.DecodeObs(row.Obs, row.ObsShape)
		if err != nil {
			return nil, fmt.Errorf("decode obs at turn %d: %w", row.Turn, err)
		}
		if obs.Len() != frameStack*obsDim {
			return nil, fmt.Errorf("%w: obs at turn %d has %d values, want %d",
				tensor.ErrShapeMismatch, row.Turn, obs.Len(), frameStack*obsDim)
		}
		if i == 0 {
			for f := 0; f < frameStack; f++ {
				frame := make([]float32, obsDim)
				copy(frame, obs.Data[f*obsDim:(f+1)*obsDim])
				frames = append(frames, frame)
			}
			continue
		}
		frame := make([]float32, obsDim)
		copy(frame, obs.Data[(frameStack-1)*obsDim:])
		frames = append(frames, frame)
	}
	return frames, nil
}

// EpisodeSamples cuts an episode into overlapping windows of
// frameStack+unroll frames. Positions too close to the episode end to fill a
// window are dropped.
func EpisodeSamples(rows []store.StepRow, cfg policy.ObsConfig, unroll int) ([]Sample, error) {
	frames, err := EpisodeFrames(rows, cfg.FrameStack, cfg.ObsDim)
	if err != nil {
		return nil, err
	}

	window := cfg.FrameStack + unroll
	samples := make([]Sample, 0, len(rows))
	for t := 0; t+window <= len(frames); t++ {
		stacked := tensor.Zeros(1, window, cfg.ObsDim)
		for f := 0; f < window; f++ {
			copy(stacked.Data[f*cfg.ObsDim:(f+1)*cfg.ObsDim], frames[t+f])
		}

		row := rows[t]
		actions := make([]int32, 0, unroll+1)
		for u := t; u <= t+unroll && u < len(rows); u++ {
			actions = append(actions, rows[u].Action)
		}

		samples = append(samples, Sample{
			EpisodeID:   row.EpisodeID,
			Turn:        row.Turn,
			Stacked:     stacked,
			Actions:     actions,
			SearchValue: row.SearchValue,
			PolicyProbs: row.PolicyProbs,
			ValuePrefix: row.ValuePrefix,
			Reward:      row.Reward,
		})
	}
	return samples, nil
}

// BuildBatches groups samples into batches of batchSize and runs the
// observation split on each. A trailing partial batch is kept.
func BuildBatches(samples []Sample, cfg policy.ObsConfig, batchSize int) ([]Batch, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive", policy.ErrInvalidArgument)
	}

	batches := make([]Batch, 0, (len(samples)+batchSize-1)/batchSize)
	for start := 0; start < len(samples); start += batchSize {
		end := start + batchSize
		if end > len(samples) {
			end = len(samples)
		}
		group := samples[start:end]

		stacks := make([]*tensor.Dense, len(group))
		for i, s := range group {
			stacks[i] = s.Stacked
		}
		stacked, err := tensor.ConcatAxis0(stacks...)
		if err != nil {
			return nil, fmt.Errorf("stack batch: %w", err)
		}

		current, target, err := policy.PrepareObs(stacked, cfg)
		if err != nil {
			return nil, fmt.Errorf("prepare batch: %w", err)
		}
		batches = append(batches, Batch{Samples: group, Current: current, Target: target})
	}
	return batches, nil
}

// GroupByEpisode splits a shard's rows into per-episode runs, preserving turn
// order within each episode.
func GroupByEpisode(rows []store.StepRow) map[string][]store.StepRow {
	episodes := make(map[string][]store.StepRow)
	for _, row := range rows {
		episodes[row.EpisodeID] = append(episodes[row.EpisodeID], row)
	}
	return episodes
}
