package tensor

import (
	"errors"
	"fmt"
	"slices"
)

// ErrShapeMismatch is returned whenever two arrays cannot be combined because
// their shapes disagree, or an array is too small for a requested slice.
var ErrShapeMismatch = errors.New("shape mismatch")

// Dense is a host-resident float32 array with an explicit shape.
//
// Data is laid out row-major (C order), matching what the ONNX runtime expects,
// so a Dense can be handed to the backend without copying or re-striding.
type Dense struct {
	Shape []int
	Data  []float32
}

// New builds a Dense over the given data. The data length must match the
// product of the shape dims.
func New(shape []int, data []float32) (*Dense, error) {
	n := numel(shape)
	if n != len(data) {
		return nil, fmt.Errorf("%w: shape %v wants %d elements, got %d", ErrShapeMismatch, shape, n, len(data))
	}
	return &Dense{Shape: slices.Clone(shape), Data: data}, nil
}

// Zeros allocates a zero-filled Dense of the given shape.
func Zeros(shape ...int) *Dense {
	return &Dense{Shape: slices.Clone(shape), Data: make([]float32, numel(shape))}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Len returns the total element count.
func (d *Dense) Len() int { return len(d.Data) }

// Dim returns the size of axis i.
func (d *Dense) Dim(i int) int { return d.Shape[i] }

// Clone deep-copies shape and data.
func (d *Dense) Clone() *Dense {
	return &Dense{Shape: slices.Clone(d.Shape), Data: slices.Clone(d.Data)}
}

// Reshape returns a view with a new shape over the same data.
func (d *Dense) Reshape(shape ...int) (*Dense, error) {
	if numel(shape) != len(d.Data) {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShapeMismatch, d.Shape, shape)
	}
	return &Dense{Shape: slices.Clone(shape), Data: d.Data}, nil
}

// Equal reports whether shapes and data match exactly (bitwise on the floats).
func (d *Dense) Equal(other *Dense) bool {
	return slices.Equal(d.Shape, other.Shape) && slices.Equal(d.Data, other.Data)
}

// SliceAxis1 copies out the half-open range [from, to) along axis 1, keeping
// every other axis intact. This is the channel/feature slicing used when
// splitting stacked observations.
func (d *Dense) SliceAxis1(from, to int) (*Dense, error) {
	if len(d.Shape) < 2 {
		return nil, fmt.Errorf("%w: SliceAxis1 needs at least 2 dims, have %v", ErrShapeMismatch, d.Shape)
	}
	if from < 0 || to > d.Shape[1] || from >= to {
		return nil, fmt.Errorf("%w: slice [%d:%d) out of range for axis of size %d", ErrShapeMismatch, from, to, d.Shape[1])
	}
	batch := d.Shape[0]
	inner := 1
	for _, s := range d.Shape[2:] {
		inner *= s
	}
	axisLen := d.Shape[1]

	outShape := slices.Clone(d.Shape)
	outShape[1] = to - from
	out := Zeros(outShape...)
	for b := 0; b < batch; b++ {
		src := d.Data[b*axisLen*inner:]
		dst := out.Data[b*(to-from)*inner:]
		copy(dst[:(to-from)*inner], src[from*inner:to*inner])
	}
	return out, nil
}

// Row copies out entry i of the leading axis as (1, trailing dims...).
func (d *Dense) Row(i int) (*Dense, error) {
	if len(d.Shape) < 1 || i < 0 || i >= d.Shape[0] {
		return nil, fmt.Errorf("%w: row %d out of range for %v", ErrShapeMismatch, i, d.Shape)
	}
	inner := 1
	for _, s := range d.Shape[1:] {
		inner *= s
	}
	outShape := slices.Clone(d.Shape)
	outShape[0] = 1
	data := make([]float32, inner)
	copy(data, d.Data[i*inner:(i+1)*inner])
	return &Dense{Shape: outShape, Data: data}, nil
}

// ConcatAxis0 stacks arrays along the leading axis. All inputs must share
// identical trailing dims.
func ConcatAxis0(ds ...*Dense) (*Dense, error) {
	if len(ds) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrShapeMismatch)
	}
	first := ds[0]
	rows := 0
	for _, d := range ds {
		if len(d.Shape) != len(first.Shape) || !slices.Equal(d.Shape[1:], first.Shape[1:]) {
			return nil, fmt.Errorf("%w: cannot concat %v with %v", ErrShapeMismatch, first.Shape, d.Shape)
		}
		rows += d.Shape[0]
	}
	outShape := slices.Clone(first.Shape)
	outShape[0] = rows
	out := &Dense{Shape: outShape, Data: make([]float32, 0, numel(outShape))}
	for _, d := range ds {
		out.Data = append(out.Data, d.Data...)
	}
	return out, nil
}

// Unsqueeze returns a view with a singleton axis inserted at position axis.
func (d *Dense) Unsqueeze(axis int) *Dense {
	shape := make([]int, 0, len(d.Shape)+1)
	shape = append(shape, d.Shape[:axis]...)
	shape = append(shape, 1)
	shape = append(shape, d.Shape[axis:]...)
	return &Dense{Shape: shape, Data: d.Data}
}

// Squeeze removes a singleton axis. It is an error if the axis size is not 1.
func (d *Dense) Squeeze(axis int) (*Dense, error) {
	if axis < 0 || axis >= len(d.Shape) || d.Shape[axis] != 1 {
		return nil, fmt.Errorf("%w: cannot squeeze axis %d of %v", ErrShapeMismatch, axis, d.Shape)
	}
	shape := make([]int, 0, len(d.Shape)-1)
	shape = append(shape, d.Shape[:axis]...)
	shape = append(shape, d.Shape[axis+1:]...)
	return &Dense{Shape: shape, Data: d.Data}, nil
}
