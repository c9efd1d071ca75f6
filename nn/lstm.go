package nn

import (
	"errors"
	"math"

	"github.com/fumitoshi0524/g2pNet/tensor"
)

const (
	lstmGateInput = iota
	lstmGateForget
	lstmGateCell
	lstmGateOutput
	lstmGateTotal
)

// LSTM runs a unidirectional LSTM over a batch-first [batch, time, features]
// sequence, returning all hidden states as [batch, time, hidden]. It serves
// as the grapheme encoder.
type LSTM struct {
	inputSize  int
	hiddenSize int

	weightIH [lstmGateTotal]*tensor.Tensor
	weightHH [lstmGateTotal]*tensor.Tensor
	biasIH   [lstmGateTotal]*tensor.Tensor
	biasHH   [lstmGateTotal]*tensor.Tensor
}

func NewLSTM(inputSize, hiddenSize int) *LSTM {
	l := &LSTM{inputSize: inputSize, hiddenSize: hiddenSize}
	inScale := math.Sqrt(1.0 / float64(inputSize))
	hidScale := math.Sqrt(1.0 / float64(hiddenSize))
	for gate := 0; gate < lstmGateTotal; gate++ {
		wIn := tensor.Randn(hiddenSize, inputSize)
		wIn.Scale(inScale)
		wIn.SetRequiresGrad(true)
		wHidden := tensor.Randn(hiddenSize, hiddenSize)
		wHidden.Scale(hidScale)
		wHidden.SetRequiresGrad(true)
		l.weightIH[gate] = wIn
		l.weightHH[gate] = wHidden
		bIn := tensor.Zeros(hiddenSize)
		bIn.SetRequiresGrad(true)
		bHidden := tensor.Zeros(hiddenSize)
		bHidden.SetRequiresGrad(true)
		l.biasIH[gate] = bIn
		l.biasHH[gate] = bHidden
	}
	return l
}

func (l *LSTM) HiddenSize() int { return l.hiddenSize }

func (l *LSTM) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	shape := input.Shape()
	if len(shape) != 3 {
		return nil, errors.New("LSTM expects input shape [batch, time, features]")
	}
	batch, steps, features := shape[0], shape[1], shape[2]
	if features != l.inputSize {
		return nil, errors.New("input feature mismatch")
	}
	flat, err := input.Reshape(batch*steps, features)
	if err != nil {
		return nil, err
	}
	h := tensor.Zeros(batch, l.hiddenSize)
	c := tensor.Zeros(batch, l.hiddenSize)
	frames := make([]*tensor.Tensor, 0, steps)
	for t := 0; t < steps; t++ {
		x, err := frameAt(flat, batch, steps, features, t)
		if err != nil {
			return nil, err
		}
		h, c, err = l.step(x, h, c)
		if err != nil {
			return nil, err
		}
		frame, err := tensor.Unsqueeze(h, 1)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return tensor.Concat(1, frames...)
}

// frameAt gathers time slice t of a flattened [batch*time, features] tensor
// into a [batch, features] tensor, preserving gradient routing.
func frameAt(flat *tensor.Tensor, batch, steps, features, t int) (*tensor.Tensor, error) {
	rows := make([]*tensor.Tensor, 0, batch)
	for b := 0; b < batch; b++ {
		row, err := tensor.SliceRows2D(flat, b*steps+t, 1)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return tensor.Concat(0, rows...)
}

func (l *LSTM) step(x, h, c *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	iPre, err := l.affine(x, h, lstmGateInput)
	if err != nil {
		return nil, nil, err
	}
	i := tensor.Sigmoid(iPre)
	fPre, err := l.affine(x, h, lstmGateForget)
	if err != nil {
		return nil, nil, err
	}
	f := tensor.Sigmoid(fPre)
	gPre, err := l.affine(x, h, lstmGateCell)
	if err != nil {
		return nil, nil, err
	}
	g := tensor.Tanh(gPre)
	oPre, err := l.affine(x, h, lstmGateOutput)
	if err != nil {
		return nil, nil, err
	}
	o := tensor.Sigmoid(oPre)

	fc, err := tensor.Mul(f, c)
	if err != nil {
		return nil, nil, err
	}
	ig, err := tensor.Mul(i, g)
	if err != nil {
		return nil, nil, err
	}
	cNext, err := tensor.Add(fc, ig)
	if err != nil {
		return nil, nil, err
	}
	hNext, err := tensor.Mul(o, tensor.Tanh(cNext))
	if err != nil {
		return nil, nil, err
	}
	return hNext, cNext, nil
}

func (l *LSTM) affine(x, h *tensor.Tensor, gate int) (*tensor.Tensor, error) {
	inputPart, err := tensor.MatMul(x, l.weightIH[gate].MustTranspose())
	if err != nil {
		return nil, err
	}
	hiddenPart, err := tensor.MatMul(h, l.weightHH[gate].MustTranspose())
	if err != nil {
		return nil, err
	}
	sum, err := tensor.Add(inputPart, hiddenPart)
	if err != nil {
		return nil, err
	}
	sum, err = tensor.AddBias2D(sum, l.biasIH[gate])
	if err != nil {
		return nil, err
	}
	return tensor.AddBias2D(sum, l.biasHH[gate])
}

func (l *LSTM) Parameters() []*tensor.Tensor {
	params := make([]*tensor.Tensor, 0, lstmGateTotal*4)
	for gate := 0; gate < lstmGateTotal; gate++ {
		params = append(params, l.weightIH[gate], l.weightHH[gate], l.biasIH[gate], l.biasHH[gate])
	}
	return params
}

func (l *LSTM) ZeroGrad() {
	for _, p := range l.Parameters() {
		p.ZeroGrad()
	}
}

var lstmGateNames = []string{"input", "forget", "cell", "output"}

func (l *LSTM) StateDict(prefix string, state map[string]*tensor.Tensor) {
	if state == nil {
		return
	}
	for gate, name := range lstmGateNames {
		state[joinPrefix(prefix, "weight_ih_"+name)] = l.weightIH[gate].Clone()
		state[joinPrefix(prefix, "weight_hh_"+name)] = l.weightHH[gate].Clone()
		state[joinPrefix(prefix, "bias_ih_"+name)] = l.biasIH[gate].Clone()
		state[joinPrefix(prefix, "bias_hh_"+name)] = l.biasHH[gate].Clone()
	}
}

func (l *LSTM) LoadState(prefix string, state map[string]*tensor.Tensor) error {
	for gate, name := range lstmGateNames {
		if err := loadInto(l.weightIH[gate], state, joinPrefix(prefix, "weight_ih_"+name)); err != nil {
			return err
		}
		if err := loadInto(l.weightHH[gate], state, joinPrefix(prefix, "weight_hh_"+name)); err != nil {
			return err
		}
		if err := loadInto(l.biasIH[gate], state, joinPrefix(prefix, "bias_ih_"+name)); err != nil {
			return err
		}
		if err := loadInto(l.biasHH[gate], state, joinPrefix(prefix, "bias_hh_"+name)); err != nil {
			return err
		}
	}
	return nil
}
