package nn

import (
	"errors"

	"github.com/fumitoshi0524/g2pNet/tensor"
)

// ContentAttention scores encoder positions against a projected decoder
// state and returns the expected encoder vector. Positions at or beyond an
// item's valid length are masked out before normalization.
type ContentAttention struct {
	query  *Linear
	encDim int
}

func NewContentAttention(decHidden, encDim int) *ContentAttention {
	return &ContentAttention{
		query:  NewLinear(decHidden, encDim, false),
		encDim: encDim,
	}
}

const maskedScore = -1e9

// Forward computes per-item attention.
//
// h: decoder state [batch, decHidden]; encFlat: encoder outputs flattened to
// [batch*time, encDim]; validLens: valid position count per item. Returns the
// context [batch, encDim] and detached weights indexed [item][position].
func (a *ContentAttention) Forward(h, encFlat *tensor.Tensor, batch, time int, validLens []int) (*tensor.Tensor, [][]float64, error) {
	if len(validLens) != batch {
		return nil, nil, errors.New("attention valid length count mismatch")
	}
	q, err := a.query.Forward(h)
	if err != nil {
		return nil, nil, err
	}
	contexts := make([]*tensor.Tensor, 0, batch)
	weights := make([][]float64, batch)
	for b := 0; b < batch; b++ {
		encB, err := tensor.SliceRows2D(encFlat, b*time, time)
		if err != nil {
			return nil, nil, err
		}
		qB, err := tensor.SliceRows2D(q, b, 1)
		if err != nil {
			return nil, nil, err
		}
		scoresCol, err := tensor.MatMul(encB, qB.MustTranspose())
		if err != nil {
			return nil, nil, err
		}
		scores, err := scoresCol.Reshape(1, time)
		if err != nil {
			return nil, nil, err
		}
		valid := validLens[b]
		if valid < 1 || valid > time {
			return nil, nil, errors.New("attention valid length out of range")
		}
		if valid < time {
			maskData := make([]float64, time)
			for t := valid; t < time; t++ {
				maskData[t] = maskedScore
			}
			mask := tensor.MustNew(maskData, 1, time)
			scores, err = tensor.Add(scores, mask)
			if err != nil {
				return nil, nil, err
			}
		}
		w, err := tensor.Softmax(scores, 1)
		if err != nil {
			return nil, nil, err
		}
		ctx, err := tensor.MatMul(w, encB)
		if err != nil {
			return nil, nil, err
		}
		contexts = append(contexts, ctx)
		weights[b] = w.Data()
	}
	ctxAll, err := tensor.Concat(0, contexts...)
	if err != nil {
		return nil, nil, err
	}
	return ctxAll, weights, nil
}

func (a *ContentAttention) Parameters() []*tensor.Tensor {
	return a.query.Parameters()
}

func (a *ContentAttention) ZeroGrad() {
	a.query.ZeroGrad()
}

func (a *ContentAttention) StateDict(prefix string, state map[string]*tensor.Tensor) {
	a.query.StateDict(joinPrefix(prefix, "query"), state)
}

func (a *ContentAttention) LoadState(prefix string, state map[string]*tensor.Tensor) error {
	return a.query.LoadState(joinPrefix(prefix, "query"), state)
}
