package tensor

import (
	"math"

	"github.com/fumitoshi0524/g2pNet/internal/parallel"
)

func attachBinaryGrad(out, a, b *Tensor, backward func(grad *Tensor, grads map[*Tensor]*Tensor, left, right *Tensor)) {
	if !a.requiresGrad && !b.requiresGrad {
		return
	}
	out.requiresGrad = true
	parents := make([]*Tensor, 0, 2)
	if a.requiresGrad {
		parents = append(parents, a)
	}
	if b.requiresGrad {
		parents = append(parents, b)
	}
	out.parents = parents
	out.node = &node{
		backward: func(grad *Tensor, grads map[*Tensor]*Tensor) {
			backward(grad, grads, a, b)
		},
	}
}

func hadamard(a, b *Tensor) *Tensor {
	out := Zeros(a.shape...)
	parallel.For(len(out.data), func(start, end int) {
		for i := start; i < end; i++ {
			out.data[i] = a.data[i] * b.data[i]
		}
	})
	return out
}

func Add(a, b *Tensor) (*Tensor, error) {
	if err := ensureSameShape(a, b); err != nil {
		return nil, err
	}
	out := Zeros(a.shape...)
	parallel.For(len(out.data), func(start, end int) {
		for i := start; i < end; i++ {
			out.data[i] = a.data[i] + b.data[i]
		}
	})
	attachBinaryGrad(out, a, b, func(grad *Tensor, grads map[*Tensor]*Tensor, left, right *Tensor) {
		if left.requiresGrad {
			accumulate(grads, left, grad)
		}
		if right.requiresGrad {
			accumulate(grads, right, grad)
		}
	})
	return out, nil
}

func Sub(a, b *Tensor) (*Tensor, error) {
	if err := ensureSameShape(a, b); err != nil {
		return nil, err
	}
	out := Zeros(a.shape...)
	parallel.For(len(out.data), func(start, end int) {
		for i := start; i < end; i++ {
			out.data[i] = a.data[i] - b.data[i]
		}
	})
	attachBinaryGrad(out, a, b, func(grad *Tensor, grads map[*Tensor]*Tensor, left, right *Tensor) {
		if left.requiresGrad {
			accumulate(grads, left, grad)
		}
		if right.requiresGrad {
			neg := grad.Clone()
			for i := range neg.data {
				neg.data[i] = -neg.data[i]
			}
			accumulate(grads, right, neg)
		}
	})
	return out, nil
}

func Mul(a, b *Tensor) (*Tensor, error) {
	if err := ensureSameShape(a, b); err != nil {
		return nil, err
	}
	out := Zeros(a.shape...)
	parallel.For(len(out.data), func(start, end int) {
		for i := start; i < end; i++ {
			out.data[i] = a.data[i] * b.data[i]
		}
	})
	attachBinaryGrad(out, a, b, func(grad *Tensor, grads map[*Tensor]*Tensor, left, right *Tensor) {
		if left.requiresGrad {
			accumulate(grads, left, hadamard(grad, right.Detach()))
		}
		if right.requiresGrad {
			accumulate(grads, right, hadamard(grad, left.Detach()))
		}
	})
	return out, nil
}

func Pow(a *Tensor, value float64) *Tensor {
	out := Zeros(a.shape...)
	parallel.For(len(out.data), func(start, end int) {
		for i := start; i < end; i++ {
			out.data[i] = math.Pow(a.data[i], value)
		}
	})
	if a.requiresGrad {
		out.requiresGrad = true
		out.parents = []*Tensor{a}
		out.node = &node{
			backward: func(grad *Tensor, grads map[*Tensor]*Tensor) {
				g := Zeros(a.shape...)
				for i := range g.data {
					g.data[i] = grad.data[i] * value * math.Pow(a.data[i], value-1)
				}
				accumulate(grads, a, g)
			},
		}
	}
	return out
}

func Exp(a *Tensor) *Tensor {
	out := Zeros(a.shape...)
	parallel.For(len(out.data), func(start, end int) {
		for i := start; i < end; i++ {
			out.data[i] = math.Exp(a.data[i])
		}
	})
	if a.requiresGrad {
		out.requiresGrad = true
		out.parents = []*Tensor{a}
		out.node = &node{
			backward: func(grad *Tensor, grads map[*Tensor]*Tensor) {
				accumulate(grads, a, hadamard(grad, out.Detach()))
			},
		}
	}
	return out
}

func Sigmoid(a *Tensor) *Tensor {
	out := Zeros(a.shape...)
	parallel.For(len(out.data), func(start, end int) {
		for i := start; i < end; i++ {
			out.data[i] = 1 / (1 + math.Exp(-a.data[i]))
		}
	})
	if a.requiresGrad {
		out.requiresGrad = true
		out.parents = []*Tensor{a}
		out.node = &node{
			backward: func(grad *Tensor, grads map[*Tensor]*Tensor) {
				g := Zeros(out.shape...)
				for i := range g.data {
					g.data[i] = grad.data[i] * out.data[i] * (1 - out.data[i])
				}
				accumulate(grads, a, g)
			},
		}
	}
	return out
}

func Tanh(a *Tensor) *Tensor {
	out := Zeros(a.shape...)
	parallel.For(len(out.data), func(start, end int) {
		for i := start; i < end; i++ {
			out.data[i] = math.Tanh(a.data[i])
		}
	})
	if a.requiresGrad {
		out.requiresGrad = true
		out.parents = []*Tensor{a}
		out.node = &node{
			backward: func(grad *Tensor, grads map[*Tensor]*Tensor) {
				g := Zeros(out.shape...)
				for i := range g.data {
					g.data[i] = grad.data[i] * (1 - out.data[i]*out.data[i])
				}
				accumulate(grads, a, g)
			},
		}
	}
	return out
}

// AddBias2D adds a rank-1 bias across the rows of a rank-2 tensor.
func AddBias2D(a, bias *Tensor) (*Tensor, error) {
	if len(a.shape) != 2 || len(bias.shape) != 1 {
		return nil, errShape("AddBias2D expects rank-2 input and rank-1 bias")
	}
	rows, cols := a.shape[0], a.shape[1]
	if bias.shape[0] != cols {
		return nil, errShape("bias length mismatch")
	}
	out := Zeros(rows, cols)
	parallel.For(rows, func(start, end int) {
		for i := start; i < end; i++ {
			offset := i * cols
			for j := 0; j < cols; j++ {
				out.data[offset+j] = a.data[offset+j] + bias.data[j]
			}
		}
	})
	attachBinaryGrad(out, a, bias, func(grad *Tensor, grads map[*Tensor]*Tensor, left, right *Tensor) {
		if left.requiresGrad {
			accumulate(grads, left, grad)
		}
		if right.requiresGrad {
			gb := Zeros(cols)
			for i := 0; i < rows; i++ {
				offset := i * cols
				for j := 0; j < cols; j++ {
					gb.data[j] += grad.data[offset+j]
				}
			}
			accumulate(grads, right, gb)
		}
	})
	return out, nil
}

// In-place value updates used by optimizers. These bypass autograd.

func (t *Tensor) Scale(v float64) {
	parallel.For(len(t.data), func(start, end int) {
		for i := start; i < end; i++ {
			t.data[i] *= v
		}
	})
}

func (t *Tensor) AddScaled(other *Tensor, alpha float64) error {
	if err := ensureSameShape(t, other); err != nil {
		return err
	}
	parallel.For(len(t.data), func(start, end int) {
		for i := start; i < end; i++ {
			t.data[i] += alpha * other.data[i]
		}
	})
	return nil
}

func (t *Tensor) MulInPlace(other *Tensor) error {
	if err := ensureSameShape(t, other); err != nil {
		return err
	}
	parallel.For(len(t.data), func(start, end int) {
		for i := start; i < end; i++ {
			t.data[i] *= other.data[i]
		}
	})
	return nil
}

// Gradient utilities used by clipping and the per-batch gradient check.

func (t *Tensor) GradPowSum(norm float64) float64 {
	if t.grad == nil {
		return 0
	}
	total := 0.0
	for _, v := range t.grad.data {
		total += math.Pow(math.Abs(v), norm)
	}
	return total
}

func (t *Tensor) ScaleGrad(factor float64) {
	if t.grad == nil {
		return
	}
	t.grad.Scale(factor)
}

func (t *Tensor) ClipGradValue(limit float64) {
	if t.grad == nil || limit <= 0 {
		return
	}
	for i, v := range t.grad.data {
		if v > limit {
			t.grad.data[i] = limit
		} else if v < -limit {
			t.grad.data[i] = -limit
		}
	}
}

// GradFinite reports whether every gradient element is finite. A tensor
// without a gradient counts as finite.
func (t *Tensor) GradFinite() bool {
	if t.grad == nil {
		return true
	}
	for _, v := range t.grad.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
