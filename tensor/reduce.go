package tensor

import (
	"errors"

	"github.com/fumitoshi0524/g2pNet/internal/parallel"
)

// Sum reduces the entire tensor to a single-element tensor.
func Sum(a *Tensor) *Tensor {
	total := 0.0
	for _, v := range a.data {
		total += v
	}
	out := MustNew([]float64{total}, 1)
	if a.requiresGrad {
		out.requiresGrad = true
		out.parents = []*Tensor{a}
		out.node = &node{
			backward: func(grad *Tensor, grads map[*Tensor]*Tensor) {
				accumulate(grads, a, Full(grad.data[0], a.shape...))
			},
		}
	}
	return out
}

// SumAxis sums along the given axis and returns a tensor with that axis
// removed (a scalar reduction yields shape [1]).
func SumAxis(a *Tensor, axis int) (*Tensor, error) {
	rank := len(a.shape)
	if rank == 0 {
		return nil, errors.New("reduction requires rank >= 1 tensor")
	}
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return nil, errors.New("axis out of range")
	}
	outer := 1
	for i := 0; i < axis; i++ {
		outer *= a.shape[i]
	}
	inner := 1
	for i := axis + 1; i < rank; i++ {
		inner *= a.shape[i]
	}
	axisSize := a.shape[axis]
	outShape := make([]int, 0, rank-1)
	for i, dim := range a.shape {
		if i != axis {
			outShape = append(outShape, dim)
		}
	}
	if len(outShape) == 0 {
		outShape = []int{1}
	}
	out := Zeros(outShape...)
	parallel.For(outer, func(start, end int) {
		for o := start; o < end; o++ {
			dstBase := o * inner
			srcBase := o * axisSize * inner
			for in := 0; in < inner; in++ {
				s := 0.0
				for k := 0; k < axisSize; k++ {
					s += a.data[srcBase+k*inner+in]
				}
				out.data[dstBase+in] = s
			}
		}
	})
	if !a.requiresGrad {
		return out, nil
	}
	out.requiresGrad = true
	out.parents = []*Tensor{a}
	out.node = &node{
		backward: func(grad *Tensor, grads map[*Tensor]*Tensor) {
			g := Zeros(a.shape...)
			for idx := 0; idx < outer*inner; idx++ {
				outerIdx := idx / inner
				innerIdx := idx % inner
				base := outerIdx*axisSize*inner + innerIdx
				for k := 0; k < axisSize; k++ {
					g.data[base+k*inner] += grad.data[idx]
				}
			}
			accumulate(grads, a, g)
		},
	}
	return out, nil
}

// Mean reduces the entire tensor to its average.
func Mean(a *Tensor) *Tensor {
	s := Sum(a)
	scale := Full(1.0/float64(len(a.data)), 1)
	out, err := Mul(s, scale)
	if err != nil {
		panic(err)
	}
	return out
}
