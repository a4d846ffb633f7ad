package policy

import (
	"fmt"

	"github.com/zeropipe/zeropipe/tensor"
)

// ObsKind selects the observation layout.
type ObsKind int

const (
	// ObsImage is a stacked image batch (B, T, H, W, C).
	ObsImage ObsKind = iota
	// ObsVector is a stacked vector batch (B, T, D).
	ObsVector
)

func (k ObsKind) String() string {
	switch k {
	case ObsImage:
		return "image"
	case ObsVector:
		return "vector"
	default:
		return fmt.Sprintf("ObsKind(%d)", int(k))
	}
}

// ObsConfig describes how a raw replay batch is stacked.
type ObsConfig struct {
	Kind ObsKind

	// FrameStack is the number of consecutive frames the model sees at once.
	FrameStack int

	// Channels is the per-frame channel count (image observations).
	Channels int

	// ObsDim is the per-frame feature count (vector observations).
	ObsDim int

	// ConsistencyLoss enables the target sub-batch used by the
	// self-supervised consistency objective.
	ConsistencyLoss bool
}

func (c ObsConfig) unit() int {
	if c.Kind == ObsImage {
		return c.Channels
	}
	return c.ObsDim
}

// PrepareObs splits a stacked replay batch into the current observation batch
// fed to initial inference and, when the consistency loss is enabled, the
// target batch of every timestep after the first.
//
// Image input (B, T, H, W, C) is transposed to (B, T*C, H, W); the current
// batch keeps the first FrameStack*Channels channels. Vector input (B, T, D)
// is flattened to (B, T*D); the current batch keeps the first
// FrameStack*ObsDim features. No value clamping or normalization happens here.
func PrepareObs(raw *tensor.Dense, cfg ObsConfig) (current, target *tensor.Dense, err error) {
	switch cfg.Kind {
	case ObsImage:
		return prepareImageObs(raw, cfg)
	case ObsVector:
		return prepareVectorObs(raw, cfg)
	default:
		return nil, nil, fmt.Errorf("%w: unknown observation kind %v", ErrInvalidArgument, cfg.Kind)
	}
}

func prepareImageObs(raw *tensor.Dense, cfg ObsConfig) (*tensor.Dense, *tensor.Dense, error) {
	if len(raw.Shape) != 5 {
		return nil, nil, fmt.Errorf("%w: image observations need shape (B,T,H,W,C), got %v", tensor.ErrShapeMismatch, raw.Shape)
	}
	b, t, h, w, c := raw.Shape[0], raw.Shape[1], raw.Shape[2], raw.Shape[3], raw.Shape[4]
	if c != cfg.Channels {
		return nil, nil, fmt.Errorf("%w: trailing channel axis is %d, config says %d", tensor.ErrShapeMismatch, c, cfg.Channels)
	}
	if t*c < cfg.FrameStack*cfg.Channels {
		return nil, nil, fmt.Errorf("%w: stacked axis %d shorter than frame_stack*channels %d", tensor.ErrShapeMismatch, t*c, cfg.FrameStack*cfg.Channels)
	}

	// (B, T, H, W, C) -> (B, T*C, H, W)
	stacked := tensor.Zeros(b, t*c, h, w)
	plane := h * w
	for bi := 0; bi < b; bi++ {
		for ti := 0; ti < t; ti++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					src := (((bi*t+ti)*h+y)*w + x) * c
					for ci := 0; ci < c; ci++ {
						dst := (bi*(t*c)+ti*c+ci)*plane + y*w + x
						stacked.Data[dst] = raw.Data[src+ci]
					}
				}
			}
		}
	}

	current, err := stacked.SliceAxis1(0, cfg.FrameStack*cfg.Channels)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.ConsistencyLoss {
		return current, nil, nil
	}
	// Everything past the first frame's channels; the consistency targets
	// slide forward one timestep at a time.
	target, err := stacked.SliceAxis1(cfg.Channels, t*c)
	if err != nil {
		return nil, nil, err
	}
	return current, target, nil
}

func prepareVectorObs(raw *tensor.Dense, cfg ObsConfig) (*tensor.Dense, *tensor.Dense, error) {
	if len(raw.Shape) != 3 {
		return nil, nil, fmt.Errorf("%w: vector observations need shape (B,T,D), got %v", tensor.ErrShapeMismatch, raw.Shape)
	}
	b, t, d := raw.Shape[0], raw.Shape[1], raw.Shape[2]
	if d != cfg.ObsDim {
		return nil, nil, fmt.Errorf("%w: trailing feature axis is %d, config says %d", tensor.ErrShapeMismatch, d, cfg.ObsDim)
	}
	if t*d < cfg.FrameStack*cfg.ObsDim {
		return nil, nil, fmt.Errorf("%w: stacked axis %d shorter than frame_stack*obs_dim %d", tensor.ErrShapeMismatch, t*d, cfg.FrameStack*cfg.ObsDim)
	}

	flat, err := raw.Reshape(b, t*d)
	if err != nil {
		return nil, nil, err
	}
	current, err := flat.SliceAxis1(0, cfg.FrameStack*cfg.ObsDim)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.ConsistencyLoss {
		return current, nil, nil
	}
	target, err := flat.SliceAxis1(cfg.ObsDim, t*d)
	if err != nil {
		return nil, nil, err
	}
	return current, target, nil
}
