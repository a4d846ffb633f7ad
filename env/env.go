// Package env holds the environments self-play rolls out against, plus the
// frame-stacking wrapper that turns raw observations into model inputs.
package env

import (
	"github.com/zeropipe/zeropipe/tensor"
)

// Environment is a single-agent episodic task with a discrete action space
// and a flat vector observation.
type Environment interface {
	// Reset starts a new episode and returns the first observation.
	Reset() []float32
	// Step applies an action and returns the next observation, the reward,
	// and whether the episode ended.
	Step(action int) (obs []float32, reward float64, done bool)
	ActionSpace() int
	ObsDim() int
}

// FrameStack keeps the last k observations and exposes them as one stacked
// model input of shape (1, k*D). On reset the first observation is repeated
// to fill the window.
type FrameStack struct {
	env    Environment
	k      int
	frames [][]float32
}

func NewFrameStack(e Environment, k int) *FrameStack {
	return &FrameStack{env: e, k: k}
}

func (f *FrameStack) Reset() *tensor.Dense {
	obs := f.env.Reset()
	f.frames = f.frames[:0]
	for i := 0; i < f.k; i++ {
		f.frames = append(f.frames, obs)
	}
	return f.Observation()
}

func (f *FrameStack) Step(action int) (*tensor.Dense, float64, bool) {
	obs, reward, done := f.env.Step(action)
	f.frames = append(f.frames[1:], obs)
	return f.Observation(), reward, done
}

// Observation flattens the window, oldest frame first.
func (f *FrameStack) Observation() *tensor.Dense {
	d := f.env.ObsDim()
	out := tensor.Zeros(1, f.k*d)
	for i, frame := range f.frames {
		copy(out.Data[i*d:(i+1)*d], frame)
	}
	return out
}

func (f *FrameStack) ActionSpace() int { return f.env.ActionSpace() }
func (f *FrameStack) ObsDim() int      { return f.env.ObsDim() }
func (f *FrameStack) Frames() int      { return f.k }
