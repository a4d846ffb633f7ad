package policy

import (
	"fmt"

	"github.com/zeropipe/zeropipe/tensor"
)

// StepOutput is one unroll step of a MuZero-style model: scalar value and
// reward predictions plus policy logits and the latent state, each carrying a
// leading batch axis.
type StepOutput struct {
	Value        *tensor.Dense
	Reward       *tensor.Dense
	PolicyLogits *tensor.Dense
	LatentState  *tensor.Dense
}

// RecurrentStepOutput is one unroll step of an EfficientZero-style model. The
// reward slot is replaced by the value prefix, and the recurrent reward
// network's hidden state pair rides along, each component shaped (1, B, H).
type RecurrentStepOutput struct {
	Value        *tensor.Dense
	ValuePrefix  *tensor.Dense
	PolicyLogits *tensor.Dense
	LatentState  *tensor.Dense
	HiddenC      *tensor.Dense
	HiddenH      *tensor.Dense
}

func (o StepOutput) valueOutput() *tensor.Dense          { return o.Value }
func (o RecurrentStepOutput) valueOutput() *tensor.Dense { return o.Value }

// ValueCarrier is the part of a model output shared by both step shapes.
type ValueCarrier interface {
	valueOutput() *tensor.Dense
}

// Batch is a sequence of StepOutputs concatenated along the batch axis.
type Batch struct {
	Values       *tensor.Dense
	Rewards      *tensor.Dense
	PolicyLogits *tensor.Dense
	LatentStates *tensor.Dense
}

// RecurrentBatch is the EfficientZero analogue of Batch; the hidden-state
// components are concatenated over records and given back a leading singleton
// axis, so each has shape (1, B, H).
type RecurrentBatch struct {
	Values        *tensor.Dense
	ValuePrefixes *tensor.Dense
	PolicyLogits  *tensor.Dense
	LatentStates  *tensor.Dense
	HiddenC       *tensor.Dense
	HiddenH       *tensor.Dense
}

// ConcatOutputs concatenates MuZero step outputs along the batch axis,
// preserving record order.
func ConcatOutputs(records []StepOutput) (Batch, error) {
	if len(records) == 0 {
		return Batch{}, fmt.Errorf("%w: no records to concatenate", tensor.ErrShapeMismatch)
	}
	values := make([]*tensor.Dense, len(records))
	rewards := make([]*tensor.Dense, len(records))
	logits := make([]*tensor.Dense, len(records))
	latents := make([]*tensor.Dense, len(records))
	for i, r := range records {
		values[i] = r.Value
		rewards[i] = r.Reward
		logits[i] = r.PolicyLogits
		latents[i] = r.LatentState
	}

	var b Batch
	var err error
	if b.Values, err = tensor.ConcatAxis0(values...); err != nil {
		return Batch{}, fmt.Errorf("concat values: %w", err)
	}
	if b.Rewards, err = tensor.ConcatAxis0(rewards...); err != nil {
		return Batch{}, fmt.Errorf("concat rewards: %w", err)
	}
	if b.PolicyLogits, err = tensor.ConcatAxis0(logits...); err != nil {
		return Batch{}, fmt.Errorf("concat policy logits: %w", err)
	}
	if b.LatentStates, err = tensor.ConcatAxis0(latents...); err != nil {
		return Batch{}, fmt.Errorf("concat latent states: %w", err)
	}
	return b, nil
}

// ConcatRecurrentOutputs concatenates EfficientZero step outputs along the
// batch axis. Each record's hidden-state components are squeezed of their
// leading singleton axis first, then the concatenated result gets the axis
// back.
func ConcatRecurrentOutputs(records []RecurrentStepOutput) (RecurrentBatch, error) {
	if len(records) == 0 {
		return RecurrentBatch{}, fmt.Errorf("%w: no records to concatenate", tensor.ErrShapeMismatch)
	}
	values := make([]*tensor.Dense, len(records))
	prefixes := make([]*tensor.Dense, len(records))
	logits := make([]*tensor.Dense, len(records))
	latents := make([]*tensor.Dense, len(records))
	hiddenC := make([]*tensor.Dense, len(records))
	hiddenH := make([]*tensor.Dense, len(records))
	for i, r := range records {
		values[i] = r.Value
		prefixes[i] = r.ValuePrefix
		logits[i] = r.PolicyLogits
		latents[i] = r.LatentState

		c, err := r.HiddenC.Squeeze(0)
		if err != nil {
			return RecurrentBatch{}, fmt.Errorf("hidden c of record %d: %w", i, err)
		}
		h, err := r.HiddenH.Squeeze(0)
		if err != nil {
			return RecurrentBatch{}, fmt.Errorf("hidden h of record %d: %w", i, err)
		}
		hiddenC[i] = c
		hiddenH[i] = h
	}

	var b RecurrentBatch
	var err error
	if b.Values, err = tensor.ConcatAxis0(values...); err != nil {
		return RecurrentBatch{}, fmt.Errorf("concat values: %w", err)
	}
	if b.ValuePrefixes, err = tensor.ConcatAxis0(prefixes...); err != nil {
		return RecurrentBatch{}, fmt.Errorf("concat value prefixes: %w", err)
	}
	if b.PolicyLogits, err = tensor.ConcatAxis0(logits...); err != nil {
		return RecurrentBatch{}, fmt.Errorf("concat policy logits: %w", err)
	}
	if b.LatentStates, err = tensor.ConcatAxis0(latents...); err != nil {
		return RecurrentBatch{}, fmt.Errorf("concat latent states: %w", err)
	}
	c, err := tensor.ConcatAxis0(hiddenC...)
	if err != nil {
		return RecurrentBatch{}, fmt.Errorf("concat hidden c: %w", err)
	}
	h, err := tensor.ConcatAxis0(hiddenH...)
	if err != nil {
		return RecurrentBatch{}, fmt.Errorf("concat hidden h: %w", err)
	}
	b.HiddenC = c.Unsqueeze(0)
	b.HiddenH = h.Unsqueeze(0)
	return b, nil
}

// ConcatValues extracts and concatenates only the value field. Callers that
// need nothing else (reanalyze, target computation) should not pay for
// unpacking the full record.
func ConcatValues[T ValueCarrier](records []T) (*tensor.Dense, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no records to concatenate", tensor.ErrShapeMismatch)
	}
	values := make([]*tensor.Dense, len(records))
	for i, r := range records {
		values[i] = r.valueOutput()
	}
	out, err := tensor.ConcatAxis0(values...)
	if err != nil {
		return nil, fmt.Errorf("concat values: %w", err)
	}
	return out, nil
}
