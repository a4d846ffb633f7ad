// Package config loads the YAML pipeline configuration and converts it into
// the per-package configs the binaries wire together.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zeropipe/zeropipe/inference"
	"github.com/zeropipe/zeropipe/mcts"
	"github.com/zeropipe/zeropipe/optim"
	"github.com/zeropipe/zeropipe/policy"
	"github.com/zeropipe/zeropipe/selfplay"
)

// Config is the whole pipeline configuration file.
type Config struct {
	Model     ModelConfig     `yaml:"model"`
	Search    SearchConfig    `yaml:"search"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	SelfPlay  SelfPlayConfig  `yaml:"selfplay"`
	Store     StoreConfig     `yaml:"store"`
	Monitor   MonitorConfig   `yaml:"monitor"`
}

type ModelConfig struct {
	// Type is "image" or "vector".
	Type       string `yaml:"type"`
	FrameStack int    `yaml:"frame_stack"`
	Channels   int    `yaml:"channels"`
	ObsDim     int    `yaml:"obs_dim"`

	InitialPath   string `yaml:"initial_path"`
	RecurrentPath string `yaml:"recurrent_path"`
	ActionSpace   int    `yaml:"action_space"`
	LatentDim     int    `yaml:"latent_dim"`
	HiddenDim     int    `yaml:"hidden_dim"`

	// Device is "cpu" or "cuda".
	Device         string `yaml:"device"`
	IntraOpThreads int    `yaml:"intra_op_threads"`

	ConsistencyLoss bool `yaml:"consistency_loss"`
}

type SearchConfig struct {
	Simulations             int     `yaml:"simulations"`
	Discount                float64 `yaml:"discount"`
	PbCBase                 float64 `yaml:"pb_c_base"`
	PbCInit                 float64 `yaml:"pb_c_init"`
	RootDirichletAlpha      float64 `yaml:"root_dirichlet_alpha"`
	RootExplorationFraction float64 `yaml:"root_exploration_fraction"`
	// ValuePrefixHorizon of -1 disables the resets; 0 means use the default.
	ValuePrefixHorizon int `yaml:"value_prefix_horizon"`
}

type OptimizerConfig struct {
	LearningRate  float64 `yaml:"learning_rate"`
	WeightDecay   float64 `yaml:"weight_decay"`
	Beta1         float64 `yaml:"beta1"`
	Beta2         float64 `yaml:"beta2"`
	Eps           float64 `yaml:"eps"`
	Fused         bool    `yaml:"fused"`
	TiedWeightKey string  `yaml:"tied_weight_key"`
}

type SelfPlayConfig struct {
	Workers     int     `yaml:"workers"`
	Episodes    int     `yaml:"episodes"`
	Temperature float64 `yaml:"temperature"`
	MaxSteps    int     `yaml:"max_steps"`
	Seed        uint64  `yaml:"seed"`
}

type StoreConfig struct {
	OutputDir string `yaml:"output_dir"`
	// ShardSize is the row count at which a shard is flushed.
	ShardSize int `yaml:"shard_size"`
}

type MonitorConfig struct {
	// Addr is the listen address for the stats WebSocket; empty disables it.
	Addr string `yaml:"addr"`
}

// Load reads, parses, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	search := mcts.DefaultConfig()
	if c.Search.Simulations == 0 {
		c.Search.Simulations = 50
	}
	if c.Search.Discount == 0 {
		c.Search.Discount = search.Discount
	}
	if c.Search.PbCBase == 0 {
		c.Search.PbCBase = search.PbCBase
	}
	if c.Search.PbCInit == 0 {
		c.Search.PbCInit = search.PbCInit
	}
	if c.Search.RootDirichletAlpha == 0 {
		c.Search.RootDirichletAlpha = search.RootDirichletAlpha
	}
	if c.Search.RootExplorationFraction == 0 {
		c.Search.RootExplorationFraction = search.RootExplorationFraction
	}
	if c.Search.ValuePrefixHorizon == 0 {
		c.Search.ValuePrefixHorizon = search.ValuePrefixHorizon
	}

	opt := optim.DefaultConfig()
	if c.Optimizer.LearningRate == 0 {
		c.Optimizer.LearningRate = opt.LearningRate
	}
	if c.Optimizer.Beta1 == 0 {
		c.Optimizer.Beta1 = opt.Beta1
	}
	if c.Optimizer.Beta2 == 0 {
		c.Optimizer.Beta2 = opt.Beta2
	}
	if c.Optimizer.Eps == 0 {
		c.Optimizer.Eps = opt.Eps
	}

	if c.SelfPlay.Workers == 0 {
		c.SelfPlay.Workers = 1
	}
	if c.SelfPlay.Temperature == 0 {
		c.SelfPlay.Temperature = 1
	}
	if c.Model.Device == "" {
		c.Model.Device = "cpu"
	}
	if c.Store.ShardSize == 0 {
		c.Store.ShardSize = 4096
	}
	if c.Store.OutputDir == "" {
		c.Store.OutputDir = "data"
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if _, err := c.ObsKind(); err != nil {
		return err
	}
	switch c.Model.Device {
	case "cpu", "cuda":
	default:
		return fmt.Errorf("%w: unknown device %q", policy.ErrInvalidArgument, c.Model.Device)
	}
	if c.Model.FrameStack <= 0 {
		return fmt.Errorf("%w: frame_stack must be positive", policy.ErrInvalidArgument)
	}
	if c.Model.ActionSpace <= 0 {
		return fmt.Errorf("%w: action_space must be positive", policy.ErrInvalidArgument)
	}
	if c.SelfPlay.Temperature <= 0 {
		return fmt.Errorf("%w: temperature must be positive", policy.ErrInvalidArgument)
	}
	if c.SelfPlay.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive", policy.ErrInvalidArgument)
	}
	if c.Search.ValuePrefixHorizon < -1 {
		return fmt.Errorf("%w: value_prefix_horizon must be -1 (disabled) or positive", policy.ErrInvalidArgument)
	}
	return nil
}

// ObsKind maps model.type onto the observation layout.
func (c *Config) ObsKind() (policy.ObsKind, error) {
	switch c.Model.Type {
	case "image":
		return policy.ObsImage, nil
	case "vector":
		return policy.ObsVector, nil
	default:
		return 0, fmt.Errorf("%w: unknown model type %q", policy.ErrInvalidArgument, c.Model.Type)
	}
}

// ObsConfig builds the batch-stacking config for training preparation.
func (c *Config) ObsConfig() (policy.ObsConfig, error) {
	kind, err := c.ObsKind()
	if err != nil {
		return policy.ObsConfig{}, err
	}
	return policy.ObsConfig{
		Kind:            kind,
		FrameStack:      c.Model.FrameStack,
		Channels:        c.Model.Channels,
		ObsDim:          c.Model.ObsDim,
		ConsistencyLoss: c.Model.ConsistencyLoss,
	}, nil
}

// SearchConfigValue builds the MCTS config.
func (c *Config) SearchConfigValue() mcts.Config {
	horizon := c.Search.ValuePrefixHorizon
	if horizon < 0 {
		horizon = 0
	}
	return mcts.Config{
		Discount:                c.Search.Discount,
		PbCBase:                 c.Search.PbCBase,
		PbCInit:                 c.Search.PbCInit,
		RootDirichletAlpha:      c.Search.RootDirichletAlpha,
		RootExplorationFraction: c.Search.RootExplorationFraction,
		ValuePrefixHorizon:      horizon,
	}
}

// OptimConfig builds the AdamW config.
func (c *Config) OptimConfig() optim.Config {
	return optim.Config{
		LearningRate:  c.Optimizer.LearningRate,
		WeightDecay:   c.Optimizer.WeightDecay,
		Beta1:         c.Optimizer.Beta1,
		Beta2:         c.Optimizer.Beta2,
		Eps:           c.Optimizer.Eps,
		Fused:         c.Optimizer.Fused,
		TiedWeightKey: c.Optimizer.TiedWeightKey,
	}
}

// InferenceConfig builds the ONNX client config.
func (c *Config) InferenceConfig() inference.Config {
	return inference.Config{
		InitialModelPath:   c.Model.InitialPath,
		RecurrentModelPath: c.Model.RecurrentPath,
		ActionSpace:        c.Model.ActionSpace,
		LatentDim:          c.Model.LatentDim,
		HiddenDim:          c.Model.HiddenDim,
		UseCUDA:            c.Model.Device == "cuda",
		IntraOpThreads:     c.Model.IntraOpThreads,
	}
}

// WorkerConfig builds the per-worker self-play config.
func (c *Config) WorkerConfig() selfplay.Config {
	return selfplay.Config{
		Simulations: c.Search.Simulations,
		Temperature: c.SelfPlay.Temperature,
		MaxSteps:    c.SelfPlay.MaxSteps,
	}
}
