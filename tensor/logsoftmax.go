package tensor

import (
	"errors"
	"math"

	"github.com/fumitoshi0524/g2pNet/internal/parallel"
)

// LogSoftmax normalizes over the trailing axis. Rank-2 [batch, classes] and
// rank-3 [batch, time, classes] inputs are supported; the leading axes are
// treated as independent rows.
func LogSoftmax(a *Tensor, axis int) (*Tensor, error) {
	rank := len(a.shape)
	if rank != 2 && rank != 3 {
		return nil, errors.New("LogSoftmax expects rank 2 or rank 3 tensor")
	}
	if axis < 0 {
		axis += rank
	}
	if axis != rank-1 {
		return nil, errors.New("LogSoftmax supports the trailing axis only")
	}
	cols := a.shape[rank-1]
	rows := len(a.data) / cols
	out := Zeros(a.shape...)
	parallel.For(rows, func(start, end int) {
		for i := start; i < end; i++ {
			offset := i * cols
			maxVal := a.data[offset]
			for j := 1; j < cols; j++ {
				if v := a.data[offset+j]; v > maxVal {
					maxVal = v
				}
			}
			sum := 0.0
			for j := 0; j < cols; j++ {
				sum += math.Exp(a.data[offset+j] - maxVal)
			}
			logSum := maxVal + math.Log(sum)
			for j := 0; j < cols; j++ {
				out.data[offset+j] = a.data[offset+j] - logSum
			}
		}
	})
	if a.requiresGrad {
		out.requiresGrad = true
		out.parents = []*Tensor{a}
		out.node = &node{
			backward: func(grad *Tensor, grads map[*Tensor]*Tensor) {
				gx := Zeros(a.shape...)
				parallel.For(rows, func(start, end int) {
					for i := start; i < end; i++ {
						offset := i * cols
						sumGrad := 0.0
						for j := 0; j < cols; j++ {
							sumGrad += grad.data[offset+j]
						}
						for j := 0; j < cols; j++ {
							soft := math.Exp(out.data[offset+j])
							gx.data[offset+j] = grad.data[offset+j] - soft*sumGrad
						}
					}
				})
				accumulate(grads, a, gx)
			},
		}
	}
	return out, nil
}

func Softmax(a *Tensor, axis int) (*Tensor, error) {
	logsm, err := LogSoftmax(a, axis)
	if err != nil {
		return nil, err
	}
	return Exp(logsm), nil
}
