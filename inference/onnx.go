// Package inference runs the ONNX-exported model pair behind the search: an
// initial graph (representation + prediction) and a recurrent graph
// (dynamics + prediction). Models are trained and exported elsewhere; this
// package only evaluates them.
package inference

import (
	"fmt"
	"log/slog"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/zeropipe/zeropipe/backend"
	"github.com/zeropipe/zeropipe/policy"
	"github.com/zeropipe/zeropipe/tensor"
)

// Config locates the model pair and fixes the output dims the sessions
// allocate for.
type Config struct {
	InitialModelPath   string
	RecurrentModelPath string

	ActionSpace int
	LatentDim   int
	HiddenDim   int

	UseCUDA        bool
	IntraOpThreads int
}

// Client implements mcts.Evaluator over two ONNX sessions.
type Client struct {
	cfg       Config
	initial   *ort.DynamicAdvancedSession
	recurrent *ort.DynamicAdvancedSession
}

// NewClient initializes the runtime and opens both sessions.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := backend.Initialize(); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer options.Destroy()

	// Workers run many searches in parallel; keep the runtime single-threaded
	// per session to avoid contention.
	threads := cfg.IntraOpThreads
	if threads <= 0 {
		threads = 1
	}
	options.SetIntraOpNumThreads(threads)
	options.SetInterOpNumThreads(threads)

	if cfg.UseCUDA {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			logger.Warn("cuda options unavailable, staying on cpu", "err", err)
		} else {
			defer cudaOptions.Destroy()
			if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
				logger.Warn("cuda provider rejected, staying on cpu", "err", err)
			} else {
				logger.Info("cuda provider enabled")
			}
		}
	}

	initial, err := ort.NewDynamicAdvancedSession(cfg.InitialModelPath,
		[]string{"observation"},
		[]string{"value", "policy_logits", "latent_state"},
		options)
	if err != nil {
		return nil, fmt.Errorf("open initial model: %w", err)
	}

	recurrent, err := ort.NewDynamicAdvancedSession(cfg.RecurrentModelPath,
		[]string{"latent_state", "hidden_c", "hidden_h", "action"},
		[]string{"value", "value_prefix", "policy_logits", "latent_state", "hidden_c", "hidden_h"},
		options)
	if err != nil {
		initial.Destroy()
		return nil, fmt.Errorf("open recurrent model: %w", err)
	}

	return &Client{cfg: cfg, initial: initial, recurrent: recurrent}, nil
}

// Close releases both sessions.
func (c *Client) Close() error {
	err1 := c.initial.Destroy()
	err2 := c.recurrent.Destroy()
	if err1 != nil {
		return err1
	}
	return err2
}

// InitialInference embeds a stacked observation. The value prefix starts at
// zero and the reward hidden state starts fresh, so both are synthesized on
// the host rather than asked of the graph.
func (c *Client) InitialInference(obs *tensor.Dense) (policy.RecurrentStepOutput, error) {
	inputs, err := backend.ToDeviceTensors([]*tensor.Dense{obs})
	if err != nil {
		return policy.RecurrentStepOutput{}, err
	}
	defer backend.DestroyAll(inputs)

	outputs, err := c.emptyOutputs(
		[]int{1, 1},
		[]int{1, c.cfg.ActionSpace},
		[]int{1, c.cfg.LatentDim},
	)
	if err != nil {
		return policy.RecurrentStepOutput{}, err
	}
	defer backend.DestroyAll(outputs)

	if err := c.initial.Run(asValues(inputs), asValues(outputs)); err != nil {
		return policy.RecurrentStepOutput{}, fmt.Errorf("run initial model: %w", err)
	}

	host := backend.ToHostArrays(outputs)
	return policy.RecurrentStepOutput{
		Value:        host[0],
		ValuePrefix:  tensor.Zeros(1, 1),
		PolicyLogits: host[1],
		LatentState:  host[2],
		HiddenC:      tensor.Zeros(1, 1, c.cfg.HiddenDim),
		HiddenH:      tensor.Zeros(1, 1, c.cfg.HiddenDim),
	}, nil
}

// RecurrentInference rolls a latent state forward one action.
func (c *Client) RecurrentInference(latent, hiddenC, hiddenH *tensor.Dense, action int) (policy.RecurrentStepOutput, error) {
	actionArr, _ := tensor.New([]int{1, 1}, []float32{float32(action)})
	inputs, err := backend.ToDeviceTensors([]*tensor.Dense{latent, hiddenC, hiddenH, actionArr})
	if err != nil {
		return policy.RecurrentStepOutput{}, err
	}
	defer backend.DestroyAll(inputs)

	outputs, err := c.emptyOutputs(
		[]int{1, 1},
		[]int{1, 1},
		[]int{1, c.cfg.ActionSpace},
		[]int{1, c.cfg.LatentDim},
		[]int{1, 1, c.cfg.HiddenDim},
		[]int{1, 1, c.cfg.HiddenDim},
	)
	if err != nil {
		return policy.RecurrentStepOutput{}, err
	}
	defer backend.DestroyAll(outputs)

	if err := c.recurrent.Run(asValues(inputs), asValues(outputs)); err != nil {
		return policy.RecurrentStepOutput{}, fmt.Errorf("run recurrent model: %w", err)
	}

	host := backend.ToHostArrays(outputs)
	return policy.RecurrentStepOutput{
		Value:        host[0],
		ValuePrefix:  host[1],
		PolicyLogits: host[2],
		LatentState:  host[3],
		HiddenC:      host[4],
		HiddenH:      host[5],
	}, nil
}

func (c *Client) emptyOutputs(shapes ...[]int) ([]*ort.Tensor[float32], error) {
	out := make([]*ort.Tensor[float32], 0, len(shapes))
	for _, shape := range shapes {
		dims := make([]int64, len(shape))
		for i, d := range shape {
			dims[i] = int64(d)
		}
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(dims...))
		if err != nil {
			backend.DestroyAll(out)
			return nil, fmt.Errorf("allocate output tensor: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func asValues(ts []*ort.Tensor[float32]) []ort.Value {
	out := make([]ort.Value, len(ts))
	for i, t := range ts {
		out[i] = t
	}
	return out
}
