package prep

import (
	"testing"

	"github.com/zeropipe/zeropipe/policy"
	"github.com/zeropipe/zeropipe/store"
	"github.com/zeropipe/zeropipe/tensor"
)

// fakeEpisode builds rows whose frame at step i is [i, i+100]. The recorded
// window at row i therefore holds frames [i, i+1, ..., i+k-1] except near the
// start, where the first frame repeats the way a live frame stack does.
func fakeEpisode(t *testing.T, steps, frameStack int) []store.StepRow {
	t.Helper()
	const obsDim = 2

	frame := func(i int) []float32 {
		return []float32{float32(i), float32(i + 100)}
	}

	rows := make([]store.StepRow, 0, steps)
	for i := 0; i < steps; i++ {
		window := tensor.Zeros(1, frameStack*obsDim)
		for f := 0; f < frameStack; f++ {
			src := i + f - (frameStack - 1)
			if src < 0 {
				src = 0
			}
			copy(window.Data[f*obsDim:(f+1)*obsDim], frame(src))
		}
		blob, shape := store.EncodeObs(window)
		rows = append(rows, store.StepRow{
			EpisodeID:   "ep",
			Turn:        int32(i),
			Obs:         blob,
			ObsShape:    shape,
			Action:      int32(i % 2),
			PolicyProbs: []float32{0.5, 0.5},
			SearchValue: float32(i),
			Reward:      1,
		})
	}
	return rows
}

func TestEpisodeFramesReconstructsSequence(t *testing.T) {
	rows := fakeEpisode(t, 6, 4)

	frames, err := EpisodeFrames(rows, 4, 2)
	if err != nil {
		t.Fatalf("frames: %v", err)
	}
	// 4 from the first window, then one new frame per later row.
	if len(frames) != 4+5 {
		t.Fatalf("got %d frames, want 9", len(frames))
	}
	// The first window repeats frame 0.
	for i := 0; i < 4; i++ {
		if frames[i][0] != 0 {
			t.Errorf("frame %d = %v, want the repeated reset frame", i, frames[i])
		}
	}
	// Later frames carry their step index.
	for i := 1; i < 6; i++ {
		got := frames[3+i]
		if got[0] != float32(i) || got[1] != float32(i+100) {
			t.Errorf("frame for step %d = %v", i, got)
		}
	}
}

func TestEpisodeSamplesWindows(t *testing.T) {
	rows := fakeEpisode(t, 6, 4)
	cfg := policy.ObsConfig{Kind: policy.ObsVector, FrameStack: 4, ObsDim: 2, ConsistencyLoss: true}

	samples, err := EpisodeSamples(rows, cfg, 2)
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	// 9 frames, window 6: positions 0..3.
	if len(samples) != 4 {
		t.Fatalf("got %d samples, want 4", len(samples))
	}

	first := samples[0]
	if first.Turn != 0 || first.Stacked.Dim(1) != 6 || first.Stacked.Dim(2) != 2 {
		t.Fatalf("sample 0: turn %d shape %v", first.Turn, first.Stacked.Shape)
	}
	if len(first.Actions) != 3 {
		t.Errorf("sample 0 actions = %v, want current plus 2 unroll", first.Actions)
	}
	if first.SearchValue != 0 {
		t.Errorf("sample 0 search value = %v", first.SearchValue)
	}
}

func TestBuildBatchesSplitsObservations(t *testing.T) {
	rows := fakeEpisode(t, 8, 4)
	cfg := policy.ObsConfig{Kind: policy.ObsVector, FrameStack: 4, ObsDim: 2, ConsistencyLoss: true}

	samples, err := EpisodeSamples(rows, cfg, 1)
	if err != nil {
		t.Fatalf("samples: %v", err)
	}

	batches, err := BuildBatches(samples, cfg, 4)
	if err != nil {
		t.Fatalf("batches: %v", err)
	}
	if len(batches) == 0 {
		t.Fatal("no batches built")
	}

	b := batches[0]
	if b.Current.Dim(0) != len(b.Samples) || b.Current.Dim(1) != 4*2 {
		t.Errorf("current shape = %v", b.Current.Shape)
	}
	if b.Target == nil {
		t.Fatal("consistency targets missing")
	}
	// Target drops the oldest frame: (T-1)*D features.
	if b.Target.Dim(1) != (4+1-1)*2 {
		t.Errorf("target shape = %v", b.Target.Shape)
	}
}

func TestBuildBatchesWithoutConsistency(t *testing.T) {
	rows := fakeEpisode(t, 6, 4)
	cfg := policy.ObsConfig{Kind: policy.ObsVector, FrameStack: 4, ObsDim: 2}

	samples, err := EpisodeSamples(rows, cfg, 0)
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	batches, err := BuildBatches(samples, cfg, 8)
	if err != nil {
		t.Fatalf("batches: %v", err)
	}
	if batches[0].Target != nil {
		t.Error("target built with the consistency loss disabled")
	}
}

func TestGroupByEpisode(t *testing.T) {
	a := fakeEpisode(t, 3, 4)
	b := fakeEpisode(t, 2, 4)
	for i := range b {
		b[i].EpisodeID = "other"
	}

	groups := GroupByEpisode(append(append([]store.StepRow{}, a...), b...))
	if len(groups) != 2 {
		t.Fatalf("got %d groups", len(groups))
	}
	if len(groups["ep"]) != 3 || len(groups["other"]) != 2 {
		t.Errorf("group sizes: ep=%d other=%d", len(groups["ep"]), len(groups["other"]))
	}
}
