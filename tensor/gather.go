package tensor

import "errors"

// GatherLast selects one element per row along the trailing axis of a rank-2
// or rank-3 tensor. index is row-major over the leading axes; the result has
// the input's shape with the trailing axis removed.
func GatherLast(input *Tensor, index []int) (*Tensor, error) {
	rank := len(input.shape)
	if rank < 2 {
		return nil, errors.New("GatherLast requires rank >= 2 input")
	}
	cols := input.shape[rank-1]
	rows := len(input.data) / cols
	if len(index) != rows {
		return nil, errors.New("index length mismatch")
	}
	outShape := append([]int(nil), input.shape[:rank-1]...)
	out := Zeros(outShape...)
	for i, idx := range index {
		if idx < 0 || idx >= cols {
			return nil, errors.New("gather index out of range")
		}
		out.data[i] = input.data[i*cols+idx]
	}
	if input.requiresGrad {
		out.requiresGrad = true
		out.parents = []*Tensor{input}
		picked := append([]int(nil), index...)
		out.node = &node{
			backward: func(grad *Tensor, grads map[*Tensor]*Tensor) {
				g := Zeros(input.shape...)
				for i, idx := range picked {
					g.data[i*cols+idx] += grad.data[i]
				}
				accumulate(grads, input, g)
			},
		}
	}
	return out, nil
}
