package optim

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Config carries optimizer hyperparameters.
type Config struct {
	LearningRate float64
	WeightDecay  float64
	Beta1        float64
	Beta2        float64
	Eps          float64

	// Fused selects the single-pass update loop. Whether the target supports
	// it is known at build time, so this is a plain capability flag rather
	// than something probed at call time.
	Fused bool

	// TiedWeightKey names a parameter that shares storage with an embedding
	// (e.g. a tied output head). It is pulled out of the decay set so the
	// shared tensor is not decayed twice. Empty disables the removal.
	TiedWeightKey string
}

// DefaultConfig mirrors the usual AdamW settings for this pipeline.
func DefaultConfig() Config {
	return Config{
		LearningRate: 3e-3,
		Beta1:        0.9,
		Beta2:        0.999,
		Eps:          1e-8,
	}
}

// Configure splits every trainable parameter of model into a decayed and a
// non-decayed group and returns a ready AdamW over the two groups.
//
// Classification is by name suffix and module kind: all biases (including the
// LSTM gate biases) are never decayed; weights of linear/conv/lstm modules are
// decayed; weights of normalization and embedding modules are not. A parameter
// matching no rule, or matching rules in both directions, fails with
// ErrPartition: the model description itself is wrong.
//
// A missing TiedWeightKey is tolerated and logged: models without a tied head
// are common and the partition check below still guards the invariant.
func Configure(model *Model, cfg Config, logger *slog.Logger) (*AdamW, error) {
	if logger == nil {
		logger = slog.Default()
	}

	decay := make(map[string]bool)
	noDecay := make(map[string]bool)
	for _, mod := range model.Modules {
		for _, p := range mod.Params {
			fpn := fullName(mod.Name, p.Name)
			switch {
			case strings.HasSuffix(p.Name, "bias"),
				strings.HasSuffix(p.Name, "bias_ih_l0"),
				strings.HasSuffix(p.Name, "bias_hh_l0"):
				noDecay[fpn] = true
			case strings.HasSuffix(p.Name, "weight") && mod.Kind.decays():
				decay[fpn] = true
			case (strings.HasSuffix(p.Name, "weight_ih_l0") || strings.HasSuffix(p.Name, "weight_hh_l0")) && mod.Kind.decays():
				decay[fpn] = true
			case strings.HasSuffix(p.Name, "weight") && !mod.Kind.decays():
				noDecay[fpn] = true
			}
		}
	}

	if cfg.TiedWeightKey != "" {
		if decay[cfg.TiedWeightKey] {
			delete(decay, cfg.TiedWeightKey)
		} else {
			logger.Info("tied weight key not in decay set, skipping removal",
				"key", cfg.TiedWeightKey)
		}
	}

	params := model.NamedParameters()
	var both, neither []string
	for fpn := range params {
		inDecay := decay[fpn]
		inNoDecay := noDecay[fpn]
		if inDecay && inNoDecay {
			both = append(both, fpn)
		}
		if !inDecay && !inNoDecay {
			neither = append(neither, fpn)
		}
	}
	if len(both) > 0 {
		sort.Strings(both)
		return nil, fmt.Errorf("%w: parameters %v in both decay and no-decay sets", ErrPartition, both)
	}
	if len(neither) > 0 {
		sort.Strings(neither)
		return nil, fmt.Errorf("%w: parameters %v in neither decay nor no-decay set", ErrPartition, neither)
	}
	// The tied key may leave a dangling decay entry that no live parameter
	// backs; everything else in the sets must exist.
	for _, set := range []map[string]bool{decay, noDecay} {
		for fpn := range set {
			if _, ok := params[fpn]; !ok {
				return nil, fmt.Errorf("%w: classified name %q is not a model parameter", ErrPartition, fpn)
			}
		}
	}

	return newAdamW(cfg, sortedParams(params, decay), sortedParams(params, noDecay)), nil
}

func sortedParams(params map[string]*Parameter, set map[string]bool) []*Parameter {
	names := make([]string, 0, len(set))
	for fpn := range set {
		names = append(names, fpn)
	}
	sort.Strings(names)
	out := make([]*Parameter, len(names))
	for i, fpn := range names {
		out[i] = params[fpn]
	}
	return out
}
