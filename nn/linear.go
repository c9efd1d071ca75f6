package nn

import (
	"math"

	"github.com/fumitoshi0524/g2pNet/tensor"
)

type Linear struct {
	inFeatures  int
	outFeatures int
	weight      *tensor.Tensor
	bias        *tensor.Tensor
}

func NewLinear(inFeatures, outFeatures int, withBias bool) *Linear {
	w := tensor.Randn(outFeatures, inFeatures)
	scale := math.Sqrt(2.0 / float64(inFeatures+outFeatures))
	w.Scale(scale)
	w.SetRequiresGrad(true)
	var b *tensor.Tensor
	if withBias {
		b = tensor.Zeros(outFeatures)
		b.SetRequiresGrad(true)
	}
	return &Linear{inFeatures: inFeatures, outFeatures: outFeatures, weight: w, bias: b}
}

// Forward applies the affine map to a rank-2 [batch, in] input.
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := tensor.MatMul(input, l.weight.MustTranspose())
	if err != nil {
		return nil, err
	}
	if l.bias != nil {
		out, err = tensor.AddBias2D(out, l.bias)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

func (l *Linear) ZeroGrad() {
	for _, p := range l.Parameters() {
		p.ZeroGrad()
	}
}

func (l *Linear) StateDict(prefix string, state map[string]*tensor.Tensor) {
	if state == nil {
		return
	}
	state[joinPrefix(prefix, "weight")] = l.weight.Clone()
	if l.bias != nil {
		state[joinPrefix(prefix, "bias")] = l.bias.Clone()
	}
}

func (l *Linear) LoadState(prefix string, state map[string]*tensor.Tensor) error {
	if err := loadInto(l.weight, state, joinPrefix(prefix, "weight")); err != nil {
		return err
	}
	if l.bias != nil {
		return loadInto(l.bias, state, joinPrefix(prefix, "bias"))
	}
	return nil
}
