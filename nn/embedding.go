package nn

import (
	"math"

	"github.com/fumitoshi0524/g2pNet/tensor"
)

type Embedding struct {
	numEmbeddings int
	embeddingDim  int
	weight        *tensor.Tensor
}

func NewEmbedding(numEmbeddings, embeddingDim int) *Embedding {
	weight := tensor.Randn(numEmbeddings, embeddingDim)
	weight.Scale(1.0 / math.Sqrt(float64(embeddingDim)))
	weight.SetRequiresGrad(true)
	return &Embedding{
		numEmbeddings: numEmbeddings,
		embeddingDim:  embeddingDim,
		weight:        weight,
	}
}

func (e *Embedding) Forward(index *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Embedding(e.weight, index)
}

func (e *Embedding) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{e.weight}
}

func (e *Embedding) ZeroGrad() {
	e.weight.ZeroGrad()
}

func (e *Embedding) StateDict(prefix string, state map[string]*tensor.Tensor) {
	if state == nil {
		return
	}
	state[joinPrefix(prefix, "weight")] = e.weight.Clone()
}

func (e *Embedding) LoadState(prefix string, state map[string]*tensor.Tensor) error {
	return loadInto(e.weight, state, joinPrefix(prefix, "weight"))
}
