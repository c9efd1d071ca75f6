package optim

import (
	"math"

	"github.com/fumitoshi0524/g2pNet/tensor"
)

type Adam struct {
	params []*tensor.Tensor
	lr     float64
	beta1  float64
	beta2  float64
	eps    float64
	m      map[*tensor.Tensor]*tensor.Tensor
	v      map[*tensor.Tensor]*tensor.Tensor
	step   int
}

func NewAdam(params []*tensor.Tensor, lr, beta1, beta2, eps float64) *Adam {
	return &Adam{
		params: params,
		lr:     lr,
		beta1:  beta1,
		beta2:  beta2,
		eps:    eps,
		m:      map[*tensor.Tensor]*tensor.Tensor{},
		v:      map[*tensor.Tensor]*tensor.Tensor{},
	}
}

func (o *Adam) LR() float64 { return o.lr }

func (o *Adam) SetLR(lr float64) { o.lr = lr }

func (o *Adam) Step() error {
	o.step++
	biasCorr1 := 1 - math.Pow(o.beta1, float64(o.step))
	biasCorr2 := 1 - math.Pow(o.beta2, float64(o.step))
	if biasCorr1 == 0 {
		biasCorr1 = math.SmallestNonzeroFloat64
	}
	if biasCorr2 == 0 {
		biasCorr2 = math.SmallestNonzeroFloat64
	}
	for _, p := range o.params {
		if p == nil {
			continue
		}
		grad := p.Grad()
		if grad == nil {
			continue
		}
		shape := grad.Shape()
		m := o.m[p]
		if m == nil {
			m = tensor.Zeros(shape...)
			o.m[p] = m
		}
		v := o.v[p]
		if v == nil {
			v = tensor.Zeros(shape...)
			o.v[p] = v
		}
		m.Scale(o.beta1)
		if err := m.AddScaled(grad, 1-o.beta1); err != nil {
			return err
		}
		gradSquared := grad.Clone()
		if err := gradSquared.MulInPlace(grad); err != nil {
			return err
		}
		v.Scale(o.beta2)
		if err := v.AddScaled(gradSquared, 1-o.beta2); err != nil {
			return err
		}
		pData := p.Data()
		mData := m.Data()
		vData := v.Data()
		for i := range pData {
			mHat := mData[i] / biasCorr1
			vHat := vData[i] / biasCorr2
			pData[i] -= o.lr * mHat / (math.Sqrt(vHat) + o.eps)
		}
	}
	return nil
}

func (o *Adam) ZeroGrad() {
	for _, p := range o.params {
		if p != nil {
			p.ZeroGrad()
		}
	}
}
