// Package optim partitions model parameters into weight-decay groups and
// applies AdamW updates. Models arrive as flat listings of named parameters
// grouped under typed modules; gradients are filled in by the external trainer
// between steps.
package optim

import (
	"errors"
	"fmt"
)

// ErrPartition is returned when a parameter lands in both or neither of the
// decay/no-decay sets. This is a programming error in the model description
// and callers should treat it as fatal.
var ErrPartition = errors.New("parameter partition violated")

// Kind identifies the module type a parameter belongs to. Membership decides
// whether its weights experience weight decay.
type Kind int

const (
	KindLinear Kind = iota
	KindConv2D
	KindLSTM
	KindLayerNorm
	KindBatchNorm
	KindEmbedding
)

func (k Kind) String() string {
	switch k {
	case KindLinear:
		return "linear"
	case KindConv2D:
		return "conv2d"
	case KindLSTM:
		return "lstm"
	case KindLayerNorm:
		return "layernorm"
	case KindBatchNorm:
		return "batchnorm"
	case KindEmbedding:
		return "embedding"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// decays reports whitelist membership: weights of these module kinds are
// regularized. Everything else (norms, embeddings) is not.
func (k Kind) decays() bool {
	switch k {
	case KindLinear, KindConv2D, KindLSTM:
		return true
	default:
		return false
	}
}

// Parameter is one trainable array. Grad is written by the external trainer
// and consumed by AdamW.Step.
type Parameter struct {
	Name string
	Data []float32
	Grad []float32
}

// Module is a named, typed group of parameters.
type Module struct {
	Name   string
	Kind   Kind
	Params []*Parameter
}

// Model is a flat module listing, the order models are declared in.
type Model struct {
	Modules []Module
}

// NamedParameters returns every distinct parameter keyed by its full dotted
// name. A tied parameter listed under several modules appears once, under its
// first name, the way recursive parameter walks deduplicate shared tensors.
func (m *Model) NamedParameters() map[string]*Parameter {
	out := make(map[string]*Parameter)
	seen := make(map[*Parameter]bool)
	for _, mod := range m.Modules {
		for _, p := range mod.Params {
			if seen[p] {
				continue
			}
			seen[p] = true
			out[fullName(mod.Name, p.Name)] = p
		}
	}
	return out
}

func fullName(module, param string) string {
	if module == "" {
		return param
	}
	return module + "." + param
}
