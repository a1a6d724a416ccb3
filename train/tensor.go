package train

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Tensor is a flat vector of values produced by a model head.
type Tensor []float64

// Mean returns the arithmetic mean of the tensor. An empty tensor has mean NaN.
func (t Tensor) Mean() float64 {
	if len(t) == 0 {
		return math.NaN()
	}
	return floats.Sum(t) / float64(len(t))
}

// Scalar wraps a single value as a one-element tensor.
func Scalar(v float64) Tensor {
	return Tensor{v}
}

// Concat joins tensors end to end.
func Concat(ts ...Tensor) Tensor {
	n := 0
	for _, t := range ts {
		n += len(t)
	}
	out := make(Tensor, 0, n)
	for _, t := range ts {
		out = append(out, t...)
	}
	return out
}
