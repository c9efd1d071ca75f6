// Package loss implements the training objectives: masked sequence NLL,
// CTC over encoder frames and the homograph sub-sequence loss.
package loss

import (
	"errors"

	"github.com/fumitoshi0524/g2pNet/tensor"
)

// Seq computes the token-mean negative log likelihood of per-item target
// sequences under pSeq [batch, time, vocab] log-probabilities. targets holds
// unpadded id sequences; positions past each item's length are ignored.
// With no target tokens at all the loss is a zero scalar.
func Seq(pSeq *tensor.Tensor, targets [][]int) (*tensor.Tensor, error) {
	shape := pSeq.Shape()
	if len(shape) != 3 {
		return nil, errors.New("log-probabilities must be rank 3")
	}
	batch, steps, _ := shape[0], shape[1], shape[2]
	if len(targets) != batch {
		return nil, errors.New("target count mismatch")
	}
	index := make([]int, batch*steps)
	mask := make([]float64, batch*steps)
	count := 0
	for b, tgt := range targets {
		if len(tgt) > steps {
			return nil, errors.New("target longer than model output")
		}
		for t, id := range tgt {
			index[b*steps+t] = id
			mask[b*steps+t] = 1
			count++
		}
	}
	return maskedNLL(pSeq, index, mask, count)
}

// maskedNLL averages -pSeq[b,t,index[b*steps+t]] over positions where mask
// is set. A zero count yields a zero scalar.
func maskedNLL(pSeq *tensor.Tensor, index []int, mask []float64, count int) (*tensor.Tensor, error) {
	if count == 0 {
		return tensor.Zeros(1), nil
	}
	picked, err := tensor.GatherLast(pSeq, index)
	if err != nil {
		return nil, err
	}
	flat, err := picked.Reshape(len(index))
	if err != nil {
		return nil, err
	}
	masked, err := tensor.Mul(flat, tensor.MustNew(mask, len(mask)))
	if err != nil {
		return nil, err
	}
	total := tensor.Sum(masked)
	return tensor.Mul(total, tensor.Full(-1.0/float64(count), 1))
}
