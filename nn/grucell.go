package nn

import (
	"errors"
	"math"

	"github.com/fumitoshi0524/g2pNet/tensor"
)

const (
	gruGateUpdate = iota
	gruGateReset
	gruGateNew
	gruGateTotal
)

// GRUCell is a single-step gated recurrent unit operating on rank-2
// [batch, features] inputs. The decoder loops it over output positions.
type GRUCell struct {
	inputSize  int
	hiddenSize int

	weightIH [gruGateTotal]*tensor.Tensor
	weightHH [gruGateTotal]*tensor.Tensor
	biasIH   [gruGateTotal]*tensor.Tensor
	biasHH   [gruGateTotal]*tensor.Tensor
}

func NewGRUCell(inputSize, hiddenSize int) *GRUCell {
	g := &GRUCell{inputSize: inputSize, hiddenSize: hiddenSize}
	inScale := math.Sqrt(1.0 / float64(inputSize))
	hidScale := math.Sqrt(1.0 / float64(hiddenSize))
	for gate := 0; gate < gruGateTotal; gate++ {
		wIn := tensor.Randn(hiddenSize, inputSize)
		wIn.Scale(inScale)
		wIn.SetRequiresGrad(true)
		wHidden := tensor.Randn(hiddenSize, hiddenSize)
		wHidden.Scale(hidScale)
		wHidden.SetRequiresGrad(true)
		g.weightIH[gate] = wIn
		g.weightHH[gate] = wHidden
		bIn := tensor.Zeros(hiddenSize)
		bIn.SetRequiresGrad(true)
		bHidden := tensor.Zeros(hiddenSize)
		bHidden.SetRequiresGrad(true)
		g.biasIH[gate] = bIn
		g.biasHH[gate] = bHidden
	}
	return g
}

func (g *GRUCell) HiddenSize() int { return g.hiddenSize }

// Step advances the cell by one position. hx may be nil for a zero state.
func (g *GRUCell) Step(x, hx *tensor.Tensor) (*tensor.Tensor, error) {
	shape := x.Shape()
	if len(shape) != 2 {
		return nil, errors.New("GRUCell expects input shape [batch, features]")
	}
	batch, features := shape[0], shape[1]
	if features != g.inputSize {
		return nil, errors.New("input feature mismatch")
	}
	if hx == nil {
		hx = tensor.Zeros(batch, g.hiddenSize)
	}

	zPre, err := g.affine(x, hx, gruGateUpdate)
	if err != nil {
		return nil, err
	}
	z := tensor.Sigmoid(zPre)

	rPre, err := g.affine(x, hx, gruGateReset)
	if err != nil {
		return nil, err
	}
	r := tensor.Sigmoid(rPre)

	rHidden, err := tensor.Mul(r, hx)
	if err != nil {
		return nil, err
	}
	nPreInput, err := tensor.MatMul(x, g.weightIH[gruGateNew].MustTranspose())
	if err != nil {
		return nil, err
	}
	nPreHidden, err := tensor.MatMul(rHidden, g.weightHH[gruGateNew].MustTranspose())
	if err != nil {
		return nil, err
	}
	nPre, err := tensor.Add(nPreInput, nPreHidden)
	if err != nil {
		return nil, err
	}
	nPre, err = tensor.AddBias2D(nPre, g.biasIH[gruGateNew])
	if err != nil {
		return nil, err
	}
	nPre, err = tensor.AddBias2D(nPre, g.biasHH[gruGateNew])
	if err != nil {
		return nil, err
	}
	nCandidate := tensor.Tanh(nPre)

	ones := tensor.Ones(batch, g.hiddenSize)
	oneMinusZ, err := tensor.Sub(ones, z)
	if err != nil {
		return nil, err
	}
	part1, err := tensor.Mul(oneMinusZ, nCandidate)
	if err != nil {
		return nil, err
	}
	part2, err := tensor.Mul(z, hx)
	if err != nil {
		return nil, err
	}
	return tensor.Add(part1, part2)
}

func (g *GRUCell) affine(x, h *tensor.Tensor, gate int) (*tensor.Tensor, error) {
	inputPart, err := tensor.MatMul(x, g.weightIH[gate].MustTranspose())
	if err != nil {
		return nil, err
	}
	hiddenPart, err := tensor.MatMul(h, g.weightHH[gate].MustTranspose())
	if err != nil {
		return nil, err
	}
	sum, err := tensor.Add(inputPart, hiddenPart)
	if err != nil {
		return nil, err
	}
	sum, err = tensor.AddBias2D(sum, g.biasIH[gate])
	if err != nil {
		return nil, err
	}
	return tensor.AddBias2D(sum, g.biasHH[gate])
}

func (g *GRUCell) Parameters() []*tensor.Tensor {
	params := make([]*tensor.Tensor, 0, gruGateTotal*4)
	for gate := 0; gate < gruGateTotal; gate++ {
		params = append(params, g.weightIH[gate], g.weightHH[gate], g.biasIH[gate], g.biasHH[gate])
	}
	return params
}

func (g *GRUCell) ZeroGrad() {
	for _, p := range g.Parameters() {
		p.ZeroGrad()
	}
}

var gruGateNames = []string{"update", "reset", "new"}

func (g *GRUCell) StateDict(prefix string, state map[string]*tensor.Tensor) {
	if state == nil {
		return
	}
	for gate, name := range gruGateNames {
		state[joinPrefix(prefix, "weight_ih_"+name)] = g.weightIH[gate].Clone()
		state[joinPrefix(prefix, "weight_hh_"+name)] = g.weightHH[gate].Clone()
		state[joinPrefix(prefix, "bias_ih_"+name)] = g.biasIH[gate].Clone()
		state[joinPrefix(prefix, "bias_hh_"+name)] = g.biasHH[gate].Clone()
	}
}

func (g *GRUCell) LoadState(prefix string, state map[string]*tensor.Tensor) error {
	for gate, name := range gruGateNames {
		if err := loadInto(g.weightIH[gate], state, joinPrefix(prefix, "weight_ih_"+name)); err != nil {
			return err
		}
		if err := loadInto(g.weightHH[gate], state, joinPrefix(prefix, "weight_hh_"+name)); err != nil {
			return err
		}
		if err := loadInto(g.biasIH[gate], state, joinPrefix(prefix, "bias_ih_"+name)); err != nil {
			return err
		}
		if err := loadInto(g.biasHH[gate], state, joinPrefix(prefix, "bias_hh_"+name)); err != nil {
			return err
		}
	}
	return nil
}
