package loss

import (
	"github.com/fumitoshi0524/g2pNet/tensor"
)

// CTC scores encoder-frame log-probabilities [batch, frames, classes]
// against unpadded target sequences via the CTC forward-backward
// recursion. frameLens gives each item's valid frame fraction.
func CTC(logProbs *tensor.Tensor, targets [][]int, frameLens []float64, blank int) (*tensor.Tensor, error) {
	return tensor.CTCLoss(logProbs, targets, frameLens, blank)
}
