package tensor

import (
	"math"
	"testing"
)

func uniformLogProbs(batch, frames, classes int) *Tensor {
	t := Full(math.Log(1.0/float64(classes)), batch, frames, classes)
	return t
}

func TestCTCLossSingleFrame(t *testing.T) {
	// One frame, one target label: the only path emits the label directly,
	// so the loss is exactly -log p(label).
	lp := uniformLogProbs(1, 1, 2)
	loss, err := CTCLoss(lp, [][]int{{1}}, []float64{1}, 0)
	if err != nil {
		t.Fatalf("CTCLoss failed: %v", err)
	}
	want := -math.Log(0.5)
	if !almostEqual(loss.Data()[0], want, 1e-9) {
		t.Fatalf("unexpected loss: got %v want %v", loss.Data()[0], want)
	}
}

func TestCTCLossPeakedDistributionIsSmall(t *testing.T) {
	// Three frames spelling the target with near-one probabilities.
	classes := 3
	frames := 3
	data := make([]float64, frames*classes)
	peak := func(frame, class int) {
		for c := 0; c < classes; c++ {
			p := 1e-6
			if c == class {
				p = 1 - 2e-6
			}
			data[frame*classes+c] = math.Log(p)
		}
	}
	peak(0, 1)
	peak(1, 2)
	peak(2, 1)
	lp := MustNew(data, 1, frames, classes)
	loss, err := CTCLoss(lp, [][]int{{1, 2, 1}}, []float64{1}, 0)
	if err != nil {
		t.Fatalf("CTCLoss failed: %v", err)
	}
	if loss.Data()[0] > 1e-4 {
		t.Fatalf("expected near-zero loss for peaked distribution, got %v", loss.Data()[0])
	}
}

func TestCTCLossImpossibleAlignment(t *testing.T) {
	lp := uniformLogProbs(1, 1, 3)
	if _, err := CTCLoss(lp, [][]int{{1, 2}}, []float64{1}, 0); err == nil {
		t.Fatalf("expected error for target longer than frame budget")
	}
}

func TestCTCLossGradientMatchesNumeric(t *testing.T) {
	classes := 3
	frames := 4
	base := Randn(1, frames, classes)
	lp, err := LogSoftmax(base, -1)
	if err != nil {
		t.Fatalf("LogSoftmax failed: %v", err)
	}
	probs := lp.Detach()
	probs.SetRequiresGrad(true)
	loss, err := CTCLoss(probs, [][]int{{1, 2}}, []float64{1}, 0)
	if err != nil {
		t.Fatalf("CTCLoss failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	grad := probs.Grad().Data()

	eps := 1e-6
	for i := 0; i < frames*classes; i++ {
		bumped := probs.Detach()
		data := bumped.Data()
		data[i] += eps
		if err := bumped.SetData(data); err != nil {
			t.Fatalf("SetData failed: %v", err)
		}
		plus, err := CTCLoss(bumped, [][]int{{1, 2}}, []float64{1}, 0)
		if err != nil {
			t.Fatalf("CTCLoss failed: %v", err)
		}
		numeric := (plus.Data()[0] - loss.Data()[0]) / eps
		if !almostEqual(grad[i], numeric, 1e-3) {
			t.Fatalf("gradient mismatch at %d: analytic %v numeric %v", i, grad[i], numeric)
		}
	}
}
