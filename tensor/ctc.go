package tensor

import (
	"errors"
	"math"
)

// CTCLoss computes the connectionist temporal classification loss for a batch
// of per-frame log-probability distributions. logProbs has shape
// [batch, frames, classes]; frameLens gives the valid fraction of the frame
// axis per item; targets holds the label sequences without blanks. The result
// is the batch mean of the per-item negative log-likelihoods, with gradients
// routed back into logProbs via the standard forward-backward recursion.
func CTCLoss(logProbs *Tensor, targets [][]int, frameLens []float64, blank int) (*Tensor, error) {
	if logProbs == nil || len(logProbs.shape) != 3 {
		return nil, errors.New("CTCLoss expects rank-3 log-probabilities")
	}
	batch, frames, classes := logProbs.shape[0], logProbs.shape[1], logProbs.shape[2]
	if len(targets) != batch || len(frameLens) != batch {
		return nil, errors.New("CTCLoss batch size mismatch")
	}
	if blank < 0 || blank >= classes {
		return nil, errors.New("blank index out of range")
	}

	total := 0.0
	grad := Zeros(logProbs.shape...)
	for b := 0; b < batch; b++ {
		T := validLen(frames, frameLens[b])
		if T <= 0 {
			return nil, errors.New("CTCLoss requires at least one valid frame")
		}
		item := logProbs.data[b*frames*classes : (b+1)*frames*classes]
		nll, err := ctcItem(item, grad.data[b*frames*classes:(b+1)*frames*classes], targets[b], T, classes, blank)
		if err != nil {
			return nil, err
		}
		total += nll
	}
	scale := 1.0 / float64(batch)
	out := MustNew([]float64{total * scale}, 1)
	if logProbs.requiresGrad {
		out.requiresGrad = true
		out.parents = []*Tensor{logProbs}
		out.node = &node{
			backward: func(g *Tensor, grads map[*Tensor]*Tensor) {
				scaled := grad.Clone()
				scaled.Scale(g.data[0] * scale)
				accumulate(grads, logProbs, scaled)
			},
		}
	}
	return out, nil
}

func validLen(padded int, frac float64) int {
	n := int(math.Round(frac * float64(padded)))
	if n > padded {
		n = padded
	}
	return n
}

// ctcItem fills gradOut (same layout as item) with d(nll)/d(logProb) for one
// batch item and returns the negative log-likelihood.
func ctcItem(item, gradOut []float64, target []int, frames, classes, blank int) (float64, error) {
	ext := make([]int, 2*len(target)+1)
	for i := range ext {
		if i%2 == 0 {
			ext[i] = blank
		} else {
			ext[i] = target[(i-1)/2]
		}
	}
	S := len(ext)
	for _, label := range target {
		if label < 0 || label >= classes {
			return 0, errors.New("CTC target label out of range")
		}
	}

	negInf := math.Inf(-1)
	logAt := func(t, k int) float64 { return item[t*classes+k] }

	// Forward variables, log domain.
	alpha := make([][]float64, frames)
	for t := range alpha {
		alpha[t] = make([]float64, S)
		for s := range alpha[t] {
			alpha[t][s] = negInf
		}
	}
	alpha[0][0] = logAt(0, ext[0])
	if S > 1 {
		alpha[0][1] = logAt(0, ext[1])
	}
	for t := 1; t < frames; t++ {
		for s := 0; s < S; s++ {
			sum := alpha[t-1][s]
			if s > 0 {
				sum = logAdd(sum, alpha[t-1][s-1])
			}
			if s > 1 && ext[s] != blank && ext[s] != ext[s-2] {
				sum = logAdd(sum, alpha[t-1][s-2])
			}
			alpha[t][s] = sum + logAt(t, ext[s])
		}
	}
	logP := alpha[frames-1][S-1]
	if S > 1 {
		logP = logAdd(logP, alpha[frames-1][S-2])
	}
	if math.IsInf(logP, -1) {
		return 0, errors.New("CTC alignment impossible for target length")
	}

	// Backward variables.
	beta := make([][]float64, frames)
	for t := range beta {
		beta[t] = make([]float64, S)
		for s := range beta[t] {
			beta[t][s] = negInf
		}
	}
	beta[frames-1][S-1] = logAt(frames-1, ext[S-1])
	if S > 1 {
		beta[frames-1][S-2] = logAt(frames-1, ext[S-2])
	}
	for t := frames - 2; t >= 0; t-- {
		for s := S - 1; s >= 0; s-- {
			sum := beta[t+1][s]
			if s < S-1 {
				sum = logAdd(sum, beta[t+1][s+1])
			}
			if s < S-2 && ext[s] != blank && ext[s] != ext[s+2] {
				sum = logAdd(sum, beta[t+1][s+2])
			}
			beta[t][s] = sum + logAt(t, ext[s])
		}
	}

	// Gradient w.r.t. log-probabilities:
	// d(-logP)/dy[t][k] = exp(y[t][k])·(occupancy excluded) reduces to
	// -sum_{s: ext[s]=k} exp(alpha[t][s]+beta[t][s]-y[t][k]-logP).
	for t := 0; t < frames; t++ {
		for s := 0; s < S; s++ {
			k := ext[s]
			occ := alpha[t][s] + beta[t][s] - logAt(t, k) - logP
			gradOut[t*classes+k] -= math.Exp(occ)
		}
	}
	return -logP, nil
}

func logAdd(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}
