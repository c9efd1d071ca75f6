package optim

import "github.com/fumitoshi0524/g2pNet/tensor"

type SGD struct {
	params      []*tensor.Tensor
	lr          float64
	momentum    float64
	weightDecay float64
	nesterov    bool
	velocity    map[*tensor.Tensor]*tensor.Tensor
}

type SGDConfig struct {
	LR          float64
	Momentum    float64
	WeightDecay float64
	Nesterov    bool
}

func NewSGD(params []*tensor.Tensor, lr float64, momentum float64) *SGD {
	return NewSGDWithConfig(params, SGDConfig{LR: lr, Momentum: momentum})
}

func NewSGDWithConfig(params []*tensor.Tensor, cfg SGDConfig) *SGD {
	return &SGD{
		params:      params,
		lr:          cfg.LR,
		momentum:    cfg.Momentum,
		weightDecay: cfg.WeightDecay,
		nesterov:    cfg.Nesterov,
		velocity:    map[*tensor.Tensor]*tensor.Tensor{},
	}
}

func (o *SGD) LR() float64 { return o.lr }

func (o *SGD) SetLR(lr float64) { o.lr = lr }

func (o *SGD) Step() error {
	for _, p := range o.params {
		if p == nil {
			continue
		}
		grad := p.Grad()
		if grad == nil {
			continue
		}
		update := grad
		if o.weightDecay > 0 {
			decaySource := p.Detach()
			if err := update.AddScaled(decaySource, o.weightDecay); err != nil {
				return err
			}
		}
		if o.momentum > 0 {
			v := o.velocity[p]
			if v == nil {
				v = tensor.Zeros(grad.Shape()...)
			}
			v.Scale(o.momentum)
			if err := v.AddScaled(update, 1.0); err != nil {
				return err
			}
			o.velocity[p] = v
			if o.nesterov {
				tmp := update.Clone()
				if err := tmp.AddScaled(v, o.momentum); err != nil {
					return err
				}
				update = tmp
			} else {
				update = v.Clone()
			}
		}
		if err := p.AddScaled(update, -o.lr); err != nil {
			return err
		}
	}
	return nil
}

func (o *SGD) ZeroGrad() {
	for _, p := range o.params {
		if p != nil {
			p.ZeroGrad()
		}
	}
}
