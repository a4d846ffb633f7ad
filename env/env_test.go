package env

import (
	"math/rand"
	"testing"
)

func TestCartPoleEpisodeTerminates(t *testing.T) {
	c := NewCartPole(rand.New(rand.NewSource(1)))
	c.Reset()

	// Constantly pushing one way must topple the pole well before the step cap.
	done := false
	steps := 0
	for !done && steps < cartStepLimit {
		_, reward, d := c.Step(1)
		if reward != 1 {
			t.Fatalf("reward = %v, want 1 per step", reward)
		}
		done = d
		steps++
	}
	if !done {
		t.Error("episode never terminated under a constant push")
	}
	if steps >= cartStepLimit {
		t.Errorf("constant push survived %d steps", steps)
	}
}

func TestCartPoleResetBounds(t *testing.T) {
	c := NewCartPole(rand.New(rand.NewSource(2)))
	for i := 0; i < 20; i++ {
		obs := c.Reset()
		if len(obs) != c.ObsDim() {
			t.Fatalf("obs dim = %d, want %d", len(obs), c.ObsDim())
		}
		for j, v := range obs {
			if v < -0.05 || v > 0.05 {
				t.Errorf("reset state[%d] = %v outside [-0.05, 0.05]", j, v)
			}
		}
	}
}

func TestFrameStack(t *testing.T) {
	c := NewCartPole(rand.New(rand.NewSource(3)))
	f := NewFrameStack(c, 4)

	obs := f.Reset()
	if obs.Dim(0) != 1 || obs.Dim(1) != 16 {
		t.Fatalf("stacked obs shape = %v, want [1 16]", obs.Shape)
	}
	// On reset all four frames are the same.
	for i := 0; i < 4; i++ {
		if obs.Data[i] != obs.Data[4+i] {
			t.Errorf("reset frames differ at %d", i)
		}
	}

	next, _, _ := f.Step(1)
	// The newest frame sits at the end of the window.
	tail := next.Data[12:16]
	head := next.Data[0:4]
	same := true
	for i := range tail {
		if tail[i] != head[i] {
			same = false
		}
	}
	if same {
		t.Error("stepping did not shift a new frame into the window")
	}
}
