package tensor

import (
	"math"
	"testing"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestLogSoftmaxRank3RowsNormalize(t *testing.T) {
	input := MustNew([]float64{1, 2, 3, 0, 0, 0, 5, 1, 1, 2, 2, 2}, 2, 2, 3)
	out, err := LogSoftmax(input, -1)
	if err != nil {
		t.Fatalf("LogSoftmax failed: %v", err)
	}
	data := out.Data()
	for row := 0; row < 4; row++ {
		sum := 0.0
		for j := 0; j < 3; j++ {
			sum += math.Exp(data[row*3+j])
		}
		if !almostEqual(sum, 1, 1e-9) {
			t.Fatalf("row %d does not normalize: sum %v", row, sum)
		}
	}
}

func TestLogSoftmaxBackwardSumsToZero(t *testing.T) {
	input := MustNew([]float64{0.3, -1.2, 2.0, 0.1, 0.1, 0.1}, 2, 3)
	input.SetRequiresGrad(true)
	out, err := LogSoftmax(input, 1)
	if err != nil {
		t.Fatalf("LogSoftmax failed: %v", err)
	}
	picked, err := GatherLast(out, []int{2, 0})
	if err != nil {
		t.Fatalf("GatherLast failed: %v", err)
	}
	if err := Sum(picked).Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	grad := input.Grad()
	if grad == nil {
		t.Fatalf("expected gradient on input")
	}
	data := grad.Data()
	for row := 0; row < 2; row++ {
		sum := 0.0
		for j := 0; j < 3; j++ {
			sum += data[row*3+j]
		}
		if !almostEqual(sum, 0, 1e-9) {
			t.Fatalf("log-softmax row gradient should sum to zero, got %v", sum)
		}
	}
}

func TestGatherLastSelectsAndRoutesGradient(t *testing.T) {
	input := MustNew([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	input.SetRequiresGrad(true)
	out, err := GatherLast(input, []int{1, 2})
	if err != nil {
		t.Fatalf("GatherLast failed: %v", err)
	}
	want := []float64{2, 6}
	for i, v := range out.Data() {
		if v != want[i] {
			t.Fatalf("unexpected gather value at %d: got %v want %v", i, v, want[i])
		}
	}
	if err := Sum(out).Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	grad := input.Grad().Data()
	wantGrad := []float64{0, 1, 0, 0, 0, 1}
	for i, v := range grad {
		if v != wantGrad[i] {
			t.Fatalf("unexpected gradient at %d: got %v want %v", i, v, wantGrad[i])
		}
	}
}

func TestSliceRows2DGradientPlacement(t *testing.T) {
	input := MustNew([]float64{1, 2, 3, 4, 5, 6, 7, 8}, 4, 2)
	input.SetRequiresGrad(true)
	slice, err := SliceRows2D(input, 1, 2)
	if err != nil {
		t.Fatalf("SliceRows2D failed: %v", err)
	}
	got := slice.Data()
	want := []float64{3, 4, 5, 6}
	for i, v := range got {
		if v != want[i] {
			t.Fatalf("unexpected slice value at %d: got %v want %v", i, v, want[i])
		}
	}
	if err := Sum(slice).Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	grad := input.Grad().Data()
	wantGrad := []float64{0, 0, 1, 1, 1, 1, 0, 0}
	for i, v := range grad {
		if v != wantGrad[i] {
			t.Fatalf("unexpected gradient at %d: got %v want %v", i, v, wantGrad[i])
		}
	}
}

func TestConcatAlongTimeAxis(t *testing.T) {
	a := MustNew([]float64{1, 2, 3, 4}, 2, 1, 2)
	b := MustNew([]float64{5, 6, 7, 8}, 2, 1, 2)
	out, err := Concat(1, a, b)
	if err != nil {
		t.Fatalf("Concat failed: %v", err)
	}
	shape := out.Shape()
	if shape[0] != 2 || shape[1] != 2 || shape[2] != 2 {
		t.Fatalf("unexpected concat shape: %v", shape)
	}
	want := []float64{1, 2, 5, 6, 3, 4, 7, 8}
	for i, v := range out.Data() {
		if v != want[i] {
			t.Fatalf("unexpected concat value at %d: got %v want %v", i, v, want[i])
		}
	}
}

func TestSumAxisRemovesAxis(t *testing.T) {
	input := MustNew([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	out, err := SumAxis(input, 1)
	if err != nil {
		t.Fatalf("SumAxis failed: %v", err)
	}
	want := []float64{6, 15}
	for i, v := range out.Data() {
		if v != want[i] {
			t.Fatalf("unexpected sum at %d: got %v want %v", i, v, want[i])
		}
	}
}

func TestGradFiniteDetectsNaN(t *testing.T) {
	p := MustNew([]float64{1, 2}, 2)
	p.SetRequiresGrad(true)
	if err := Sum(p).Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	if !p.GradFinite() {
		t.Fatalf("finite gradient reported as non-finite")
	}
	p.grad.data[0] = math.NaN()
	if p.GradFinite() {
		t.Fatalf("NaN gradient reported as finite")
	}
}
