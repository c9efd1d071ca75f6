package tensor

import (
	"errors"

	"github.com/fumitoshi0524/g2pNet/internal/parallel"
)

func errShape(msg string) error {
	return errors.New(msg)
}

// Reshape returns a tensor with the same data in a new shape.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	total := 1
	for _, dim := range shape {
		if dim <= 0 {
			return nil, errors.New("invalid shape")
		}
		total *= dim
	}
	if total != len(t.data) {
		return nil, errors.New("reshape element count mismatch")
	}
	out := &Tensor{
		data:    append([]float64(nil), t.data...),
		shape:   append([]int(nil), shape...),
		strides: makeStrides(shape),
	}
	if t.requiresGrad {
		out.requiresGrad = true
		out.parents = []*Tensor{t}
		out.node = &node{
			backward: func(grad *Tensor, grads map[*Tensor]*Tensor) {
				g := grad.Clone()
				g.shape = append([]int(nil), t.shape...)
				g.strides = makeStrides(t.shape)
				accumulate(grads, t, g)
			},
		}
	}
	return out, nil
}

// Unsqueeze inserts a size-1 axis at the given position.
func Unsqueeze(t *Tensor, axis int) (*Tensor, error) {
	rank := len(t.shape)
	if axis < 0 {
		axis += rank + 1
	}
	if axis < 0 || axis > rank {
		return nil, errors.New("axis out of range")
	}
	shape := make([]int, 0, rank+1)
	shape = append(shape, t.shape[:axis]...)
	shape = append(shape, 1)
	shape = append(shape, t.shape[axis:]...)
	return t.Reshape(shape...)
}

// Concat joins tensors along the given axis. All other axes must agree.
func Concat(axis int, tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("concat requires at least one tensor")
	}
	first := tensors[0]
	rank := len(first.shape)
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return nil, errors.New("axis out of range")
	}
	axisTotal := 0
	for _, t := range tensors {
		if len(t.shape) != rank {
			return nil, errors.New("concat rank mismatch")
		}
		for i, dim := range t.shape {
			if i == axis {
				continue
			}
			if dim != first.shape[i] {
				return nil, errors.New("concat shape mismatch")
			}
		}
		axisTotal += t.shape[axis]
	}
	outShape := append([]int(nil), first.shape...)
	outShape[axis] = axisTotal
	out := Zeros(outShape...)

	outer := 1
	for i := 0; i < axis; i++ {
		outer *= first.shape[i]
	}
	inner := 1
	for i := axis + 1; i < rank; i++ {
		inner *= first.shape[i]
	}
	offsets := make([]int, len(tensors))
	pos := 0
	for i, t := range tensors {
		offsets[i] = pos
		pos += t.shape[axis]
	}
	for idx, t := range tensors {
		axisSize := t.shape[axis]
		base := offsets[idx]
		parallel.For(outer, func(start, end int) {
			for o := start; o < end; o++ {
				srcBase := o * axisSize * inner
				dstBase := (o*axisTotal + base) * inner
				copy(out.data[dstBase:dstBase+axisSize*inner], t.data[srcBase:srcBase+axisSize*inner])
			}
		})
	}

	anyGrad := false
	parents := make([]*Tensor, 0, len(tensors))
	for _, t := range tensors {
		if t.requiresGrad {
			anyGrad = true
			parents = append(parents, t)
		}
	}
	if anyGrad {
		out.requiresGrad = true
		out.parents = parents
		inputs := append([]*Tensor(nil), tensors...)
		out.node = &node{
			backward: func(grad *Tensor, grads map[*Tensor]*Tensor) {
				for idx, t := range inputs {
					if !t.requiresGrad {
						continue
					}
					axisSize := t.shape[axis]
					base := offsets[idx]
					g := Zeros(t.shape...)
					for o := 0; o < outer; o++ {
						srcBase := (o*axisTotal + base) * inner
						dstBase := o * axisSize * inner
						copy(g.data[dstBase:dstBase+axisSize*inner], grad.data[srcBase:srcBase+axisSize*inner])
					}
					accumulate(grads, t, g)
				}
			},
		}
	}
	return out, nil
}

// SliceRows2D returns a copy of consecutive rows [rowStart, rowStart+rows) of
// a rank-2 tensor, accumulating gradients back into the source region.
// rows must be positive; callers handle empty ranges before slicing.
func SliceRows2D(t *Tensor, rowStart, rows int) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("nil tensor")
	}
	if len(t.shape) != 2 {
		return nil, errors.New("SliceRows2D expects rank-2 tensor")
	}
	cols := t.shape[1]
	if rowStart < 0 || rows < 0 || rowStart+rows > t.shape[0] {
		return nil, errors.New("slice out of range")
	}
	if rows == 0 {
		return nil, errors.New("empty slice")
	}
	out := Zeros(rows, cols)
	copy(out.data, t.data[rowStart*cols:(rowStart+rows)*cols])
	if t.requiresGrad {
		out.requiresGrad = true
		out.parents = []*Tensor{t}
		rs := rowStart
		out.node = &node{
			backward: func(grad *Tensor, grads map[*Tensor]*Tensor) {
				g := Zeros(t.shape...)
				copy(g.data[rs*cols:(rs+rows)*cols], grad.data)
				accumulate(grads, t, g)
			},
		}
	}
	return out, nil
}
