package policy

import (
	"errors"
	"testing"

	"github.com/zeropipe/zeropipe/tensor"
)

func singleStepOutput(v float32) StepOutput {
	value, _ := tensor.New([]int{1, 1}, []float32{v})
	reward, _ := tensor.New([]int{1, 1}, []float32{v + 100})
	logits, _ := tensor.New([]int{1, 3}, []float32{v, v, v})
	latent, _ := tensor.New([]int{1, 4}, []float32{v, v, v, v})
	return StepOutput{Value: value, Reward: reward, PolicyLogits: logits, LatentState: latent}
}

func singleRecurrentOutput(v float32) RecurrentStepOutput {
	value, _ := tensor.New([]int{1, 1}, []float32{v})
	prefix, _ := tensor.New([]int{1, 1}, []float32{v + 100})
	logits, _ := tensor.New([]int{1, 3}, []float32{v, v, v})
	latent, _ := tensor.New([]int{1, 4}, []float32{v, v, v, v})
	hc, _ := tensor.New([]int{1, 1, 2}, []float32{v, v})
	hh, _ := tensor.New([]int{1, 1, 2}, []float32{-v, -v})
	return RecurrentStepOutput{
		Value: value, ValuePrefix: prefix, PolicyLogits: logits,
		LatentState: latent, HiddenC: hc, HiddenH: hh,
	}
}

func TestConcatOutputs(t *testing.T) {
	records := make([]StepOutput, 5)
	for i := range records {
		records[i] = singleStepOutput(float32(i))
	}

	b, err := ConcatOutputs(records)
	if err != nil {
		t.Fatalf("ConcatOutputs failed: %v", err)
	}
	for name, d := range map[string]*tensor.Dense{
		"values": b.Values, "rewards": b.Rewards,
		"policy logits": b.PolicyLogits, "latent states": b.LatentStates,
	} {
		if d.Dim(0) != 5 {
			t.Errorf("%s batch axis = %d, want 5", name, d.Dim(0))
		}
	}
	// Record order is preserved.
	for i := 0; i < 5; i++ {
		if b.Values.Data[i] != float32(i) {
			t.Errorf("values[%d] = %v, want %d", i, b.Values.Data[i], i)
		}
	}
}

func TestConcatRecurrentOutputs(t *testing.T) {
	records := make([]RecurrentStepOutput, 3)
	for i := range records {
		records[i] = singleRecurrentOutput(float32(i + 1))
	}

	b, err := ConcatRecurrentOutputs(records)
	if err != nil {
		t.Fatalf("ConcatRecurrentOutputs failed: %v", err)
	}
	if b.Values.Dim(0) != 3 || b.ValuePrefixes.Dim(0) != 3 {
		t.Errorf("batch axes = %d, %d, want 3", b.Values.Dim(0), b.ValuePrefixes.Dim(0))
	}
	// Hidden states come back as (1, B, H).
	for name, d := range map[string]*tensor.Dense{"hidden c": b.HiddenC, "hidden h": b.HiddenH} {
		if len(d.Shape) != 3 || d.Dim(0) != 1 || d.Dim(1) != 3 || d.Dim(2) != 2 {
			t.Errorf("%s shape = %v, want [1 3 2]", name, d.Shape)
		}
	}
	if b.HiddenC.Data[0] != 1 || b.HiddenC.Data[2] != 2 || b.HiddenC.Data[4] != 3 {
		t.Errorf("hidden c order not preserved: %v", b.HiddenC.Data)
	}
}

func TestConcatValues(t *testing.T) {
	records := []StepOutput{singleStepOutput(7), singleStepOutput(8)}
	values, err := ConcatValues(records)
	if err != nil {
		t.Fatalf("ConcatValues failed: %v", err)
	}
	if values.Dim(0) != 2 || values.Data[0] != 7 || values.Data[1] != 8 {
		t.Errorf("ConcatValues = %v %v", values.Shape, values.Data)
	}

	recurrent := []RecurrentStepOutput{singleRecurrentOutput(1)}
	values, err = ConcatValues(recurrent)
	if err != nil {
		t.Fatalf("ConcatValues(recurrent) failed: %v", err)
	}
	if values.Dim(0) != 1 || values.Data[0] != 1 {
		t.Errorf("ConcatValues(recurrent) = %v %v", values.Shape, values.Data)
	}
}

func TestConcatErrors(t *testing.T) {
	if _, err := ConcatOutputs(nil); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("empty records: got %v, want ErrShapeMismatch", err)
	}
	if _, err := ConcatValues([]StepOutput{}); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("empty records: got %v, want ErrShapeMismatch", err)
	}

	// Mismatched trailing dims must fail, not silently mis-concatenate.
	a := singleStepOutput(1)
	b := singleStepOutput(2)
	b.PolicyLogits = tensor.Zeros(1, 7)
	if _, err := ConcatOutputs([]StepOutput{a, b}); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("mismatched logits: got %v, want ErrShapeMismatch", err)
	}
}
