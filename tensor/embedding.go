package tensor

import "errors"

// Embedding looks up embeddings for given indices from weight matrix.
// weight shape: [num_embeddings, embedding_dim]; index values are treated
// as integer indices.
func Embedding(weight *Tensor, index *Tensor) (*Tensor, error) {
	if index == nil {
		return nil, errors.New("index tensor required")
	}
	if len(weight.shape) != 2 {
		return nil, errors.New("weight must have rank 2")
	}
	numEmb := weight.shape[0]
	embedSize := weight.shape[1]
	outShape := append([]int(nil), index.shape...)
	outShape = append(outShape, embedSize)
	out := Zeros(outShape...)

	totalIndices := len(index.data)
	for idx := 0; idx < totalIndices; idx++ {
		val := int(index.data[idx])
		if val < 0 || val >= numEmb {
			return nil, errors.New("embedding index out of range")
		}
		copy(out.data[idx*embedSize:(idx+1)*embedSize], weight.data[val*embedSize:(val+1)*embedSize])
	}

	if !weight.requiresGrad {
		return out, nil
	}
	out.requiresGrad = true
	out.parents = []*Tensor{weight}
	out.node = &node{
		backward: func(grad *Tensor, grads map[*Tensor]*Tensor) {
			gWeight := Zeros(weight.shape...)
			for idx := 0; idx < totalIndices; idx++ {
				val := int(index.data[idx])
				dst := val * embedSize
				src := idx * embedSize
				for j := 0; j < embedSize; j++ {
					gWeight.data[dst+j] += grad.data[src+j]
				}
			}
			accumulate(grads, weight, gWeight)
		},
	}
	return out, nil
}
