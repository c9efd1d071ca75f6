package optim

import (
	"math"
	"testing"

	"github.com/fumitoshi0524/g2pNet/tensor"
)

func almostEqual(a, b []float64, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

func TestSGDStep(t *testing.T) {
	param := tensor.MustNew([]float64{1, -2}, 2)
	param.SetRequiresGrad(true)
	s := tensor.Sum(param)
	if err := s.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	opt := NewSGD([]*tensor.Tensor{param}, 0.1, 0)
	if err := opt.Step(); err != nil {
		t.Fatalf("sgd step failed: %v", err)
	}
	if !almostEqual(param.Data(), []float64{0.9, -2.1}, 1e-9) {
		t.Fatalf("unexpected param after SGD step: %v", param.Data())
	}
}

func TestAdamConvergesOnQuadratic(t *testing.T) {
	param := tensor.MustNew([]float64{5}, 1)
	param.SetRequiresGrad(true)
	opt := NewAdam([]*tensor.Tensor{param}, 0.2, 0.9, 0.999, 1e-8)
	for i := 0; i < 400; i++ {
		opt.ZeroGrad()
		sq := tensor.Pow(param, 2)
		l := tensor.Sum(sq)
		if err := l.Backward(); err != nil {
			t.Fatalf("backward failed: %v", err)
		}
		if err := opt.Step(); err != nil {
			t.Fatalf("adam step failed: %v", err)
		}
	}
	if math.Abs(param.Data()[0]) > 1e-2 {
		t.Fatalf("adam failed to converge: %v", param.Data())
	}
}

func TestAdamSetLR(t *testing.T) {
	opt := NewAdam(nil, 0.01, 0.9, 0.999, 1e-8)
	if opt.LR() != 0.01 {
		t.Fatalf("lr = %g", opt.LR())
	}
	opt.SetLR(0.005)
	if opt.LR() != 0.005 {
		t.Fatalf("lr after set = %g", opt.LR())
	}
}

func TestClipGradNorm(t *testing.T) {
	param := tensor.MustNew([]float64{3, 4}, 2)
	param.SetRequiresGrad(true)
	sq := tensor.Pow(param, 2)
	l := tensor.Sum(sq)
	if err := l.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	// Gradient is (6, 8), norm 10.
	norm := ClipGradNorm([]*tensor.Tensor{param}, 5, 2)
	if math.Abs(norm-10) > 1e-9 {
		t.Fatalf("pre-clip norm = %g, want 10", norm)
	}
	if !almostEqual(param.Grad().Data(), []float64{3, 4}, 1e-9) {
		t.Fatalf("clipped grad = %v", param.Grad().Data())
	}
}

func TestFiniteGrads(t *testing.T) {
	param := tensor.MustNew([]float64{1}, 1)
	param.SetRequiresGrad(true)
	if !FiniteGrads([]*tensor.Tensor{param, nil}) {
		t.Fatalf("gradient-free params must count as finite")
	}
	l := tensor.Sum(param)
	if err := l.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	param.Grad().Data()[0] = math.NaN()
	if FiniteGrads([]*tensor.Tensor{param}) {
		t.Fatalf("NaN gradient reported finite")
	}
}

func TestNewBobAnnealsOnPlateau(t *testing.T) {
	s := NewBobScheduler(0.0025, 0.5, 0)
	lr := 1.0
	_, lr = s.Update(lr, 50.0) // first observation, no change
	if lr != 1.0 {
		t.Fatalf("lr changed on first update: %g", lr)
	}
	_, lr = s.Update(lr, 30.0) // big improvement
	if lr != 1.0 {
		t.Fatalf("lr changed despite improvement: %g", lr)
	}
	_, lr = s.Update(lr, 29.99) // negligible improvement
	if lr != 0.5 {
		t.Fatalf("lr = %g, want 0.5", lr)
	}
}

func TestNewBobPatience(t *testing.T) {
	s := NewBobScheduler(0.0025, 0.5, 1)
	lr := 1.0
	_, lr = s.Update(lr, 50.0)
	_, lr = s.Update(lr, 50.0) // first plateau, patience absorbs it
	if lr != 1.0 {
		t.Fatalf("lr annealed before patience ran out: %g", lr)
	}
	_, lr = s.Update(lr, 50.0)
	if lr != 0.5 {
		t.Fatalf("lr = %g, want 0.5", lr)
	}
}

func TestPlateauScheduler(t *testing.T) {
	s := NewPlateau(0.1, 1, 1e-4)
	lr := 0.1
	_, lr = s.Update(lr, 5.0)
	_, lr = s.Update(lr, 4.0) // new best
	_, lr = s.Update(lr, 4.5)
	if lr != 0.1 {
		t.Fatalf("lr dropped within patience: %g", lr)
	}
	_, lr = s.Update(lr, 4.5)
	if math.Abs(lr-0.01) > 1e-12 {
		t.Fatalf("lr = %g, want 0.01", lr)
	}
	for i := 0; i < 20; i++ {
		_, lr = s.Update(lr, 10.0)
	}
	if lr < 1e-4 {
		t.Fatalf("lr fell below the floor: %g", lr)
	}
}

func TestStepDecay(t *testing.T) {
	s := NewStepDecay(0.5, 2)
	lr := 1.0
	_, lr = s.Update(lr, 0)
	if lr != 1.0 {
		t.Fatalf("lr = %g after one update", lr)
	}
	_, lr = s.Update(lr, 0)
	if lr != 0.5 {
		t.Fatalf("lr = %g, want 0.5", lr)
	}
}
