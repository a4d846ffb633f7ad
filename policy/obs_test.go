package policy

import (
	"errors"
	"testing"

	"github.com/zeropipe/zeropipe/tensor"
)

func TestPrepareObsImageShapes(t *testing.T) {
	// Atari-style: frame_stack=4, unroll=5 -> 9 stacked frames of 96x96x3.
	cfg := ObsConfig{Kind: ObsImage, FrameStack: 4, Channels: 3, ConsistencyLoss: true}
	raw := tensor.Zeros(2, 9, 96, 96, 3)

	current, target, err := PrepareObs(raw, cfg)
	if err != nil {
		t.Fatalf("PrepareObs failed: %v", err)
	}
	wantCurrent := []int{2, 12, 96, 96}
	wantTarget := []int{2, 24, 96, 96}
	assertShape(t, "current", current, wantCurrent)
	assertShape(t, "target", target, wantTarget)
}

func TestPrepareObsImageChannelOrder(t *testing.T) {
	// One example, two frames of a 1x1 image with two channels. After the
	// (B,T,H,W,C) -> (B,T*C,H,W) transpose the channel axis must read
	// t0c0, t0c1, t1c0, t1c1.
	raw, err := tensor.New([]int{1, 2, 1, 1, 2}, []float32{10, 11, 20, 21})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	cfg := ObsConfig{Kind: ObsImage, FrameStack: 1, Channels: 2, ConsistencyLoss: true}

	current, target, err := PrepareObs(raw, cfg)
	if err != nil {
		t.Fatalf("PrepareObs failed: %v", err)
	}
	wantCurrent, _ := tensor.New([]int{1, 2, 1, 1}, []float32{10, 11})
	if !current.Equal(wantCurrent) {
		t.Errorf("current = %v %v, want %v", current.Shape, current.Data, wantCurrent.Data)
	}
	// Target drops only the first frame's channels.
	wantTarget, _ := tensor.New([]int{1, 2, 1, 1}, []float32{20, 21})
	if !target.Equal(wantTarget) {
		t.Errorf("target = %v %v, want %v", target.Shape, target.Data, wantTarget.Data)
	}
}

func TestPrepareObsVector(t *testing.T) {
	// Cartpole-style: frame_stack=1, unroll=5 -> 6 stacked frames of dim 4.
	raw := tensor.Zeros(3, 6, 4)
	for i := range raw.Data {
		raw.Data[i] = float32(i)
	}
	cfg := ObsConfig{Kind: ObsVector, FrameStack: 1, ObsDim: 4, ConsistencyLoss: true}

	current, target, err := PrepareObs(raw, cfg)
	if err != nil {
		t.Fatalf("PrepareObs failed: %v", err)
	}
	assertShape(t, "current", current, []int{3, 4})
	assertShape(t, "target", target, []int{3, 20})

	// The current batch is the first frame of each example.
	for b := 0; b < 3; b++ {
		for i := 0; i < 4; i++ {
			want := float32(b*24 + i)
			if got := current.Data[b*4+i]; got != want {
				t.Fatalf("current[%d,%d] = %v, want %v", b, i, got, want)
			}
		}
	}
	// The target batch starts one frame later.
	if got, want := target.Data[0], float32(4); got != want {
		t.Errorf("target[0,0] = %v, want %v", got, want)
	}
}

func TestPrepareObsNoConsistencyLoss(t *testing.T) {
	cfg := ObsConfig{Kind: ObsVector, FrameStack: 2, ObsDim: 4}
	raw := tensor.Zeros(1, 6, 4)
	current, target, err := PrepareObs(raw, cfg)
	if err != nil {
		t.Fatalf("PrepareObs failed: %v", err)
	}
	assertShape(t, "current", current, []int{1, 8})
	if target != nil {
		t.Errorf("target = %v, want nil when consistency loss is disabled", target.Shape)
	}
}

func TestPrepareObsErrors(t *testing.T) {
	// Stacked axis shorter than frame_stack * unit.
	cfg := ObsConfig{Kind: ObsVector, FrameStack: 4, ObsDim: 4}
	if _, _, err := PrepareObs(tensor.Zeros(1, 2, 4), cfg); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("short stacked axis: got %v, want ErrShapeMismatch", err)
	}

	imgCfg := ObsConfig{Kind: ObsImage, FrameStack: 8, Channels: 3}
	if _, _, err := PrepareObs(tensor.Zeros(1, 4, 8, 8, 3), imgCfg); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("short image stack: got %v, want ErrShapeMismatch", err)
	}

	// Wrong rank.
	if _, _, err := PrepareObs(tensor.Zeros(2, 4), cfg); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("wrong rank: got %v, want ErrShapeMismatch", err)
	}

	// Unknown kind.
	if _, _, err := PrepareObs(tensor.Zeros(1, 6, 4), ObsConfig{Kind: ObsKind(9)}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unknown kind: got %v, want ErrInvalidArgument", err)
	}
}

func assertShape(t *testing.T, name string, d *tensor.Dense, want []int) {
	t.Helper()
	if d == nil {
		t.Fatalf("%s is nil, want shape %v", name, want)
	}
	if len(d.Shape) != len(want) {
		t.Fatalf("%s shape = %v, want %v", name, d.Shape, want)
	}
	for i := range want {
		if d.Shape[i] != want[i] {
			t.Fatalf("%s shape = %v, want %v", name, d.Shape, want)
		}
	}
}
