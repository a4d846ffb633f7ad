package policy

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/zeropipe/zeropipe/tensor"
)

// normEps stabilizes the row normalization so zero vectors do not divide by zero.
const normEps = 1e-5

// NegativeCosineSimilarity is the consistency loss term: each row of x1 and x2
// is L2-normalized independently, dotted, and negated. One scalar per batch
// row, in [-1, 1].
func NegativeCosineSimilarity(x1, x2 *tensor.Dense) ([]float32, error) {
	if len(x1.Shape) != 2 || len(x2.Shape) != 2 {
		return nil, fmt.Errorf("%w: similarity inputs must be (batch, dim), got %v and %v", tensor.ErrShapeMismatch, x1.Shape, x2.Shape)
	}
	if x1.Dim(0) != x2.Dim(0) || x1.Dim(1) != x2.Dim(1) {
		return nil, fmt.Errorf("%w: similarity inputs differ: %v vs %v", tensor.ErrShapeMismatch, x1.Shape, x2.Shape)
	}

	batch, dim := x1.Dim(0), x1.Dim(1)
	out := make([]float32, batch)
	for b := 0; b < batch; b++ {
		r1 := x1.Data[b*dim : (b+1)*dim]
		r2 := x2.Data[b*dim : (b+1)*dim]
		n1 := rowNorm(r1)
		n2 := rowNorm(r2)
		var dot float32
		for i := 0; i < dim; i++ {
			dot += (r1[i] / n1) * (r2[i] / n2)
		}
		out[b] = -dot
	}
	return out, nil
}

func rowNorm(row []float32) float32 {
	var sq float32
	for _, v := range row {
		sq += v * v
	}
	n := math32.Sqrt(sq)
	if n < normEps {
		return normEps
	}
	return n
}
