package metrics

import (
	"math"
	"strings"
	"testing"
)

func TestErrorRateStats(t *testing.T) {
	var s ErrorRateStats
	err := s.Append(
		[]string{"a", "b"},
		[][]string{{"K", "AE", "T"}, {"D", "AO"}},
		[][]string{{"K", "AE", "T"}, {"D", "AO", "G"}},
	)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	// One deletion over six reference tokens.
	want := 100.0 / 6
	if got := s.Summarize("error_rate"); math.Abs(got-want) > 1e-9 {
		t.Fatalf("error rate = %g, want %g", got, want)
	}
	if got := s.Summarize("deletions"); got != 1 {
		t.Fatalf("deletions = %g, want 1", got)
	}
	scores := s.Scores()
	if scores[0].ErrorRate != 0 {
		t.Fatalf("perfect item scored %g", scores[0].ErrorRate)
	}
	if math.Abs(scores[1].ErrorRate-100.0/3) > 1e-9 {
		t.Fatalf("item error rate = %g", scores[1].ErrorRate)
	}
}

func TestErrorRateStatsEmpty(t *testing.T) {
	var s ErrorRateStats
	if got := s.Summarize("error_rate"); got != 0 {
		t.Fatalf("empty error rate = %g, want 0", got)
	}
}

func TestErrorRateStripsSpecials(t *testing.T) {
	var s ErrorRateStats
	err := s.Append(
		[]string{"a"},
		[][]string{{"<bos>", "K", "<eos>"}},
		[][]string{{"K"}},
	)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := s.Summarize("error_rate"); got != 0 {
		t.Fatalf("specials leaked into scoring: %g", got)
	}
}

func TestErrorRateWriteStats(t *testing.T) {
	var s ErrorRateStats
	if err := s.Append([]string{"u1"}, [][]string{{"A"}}, [][]string{{"B"}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	var b strings.Builder
	if err := s.WriteStats(&b); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := b.String()
	if !strings.Contains(out, "%PER 100.00") || !strings.Contains(out, "u1") {
		t.Fatalf("unexpected report:\n%s", out)
	}
}

func TestLossStats(t *testing.T) {
	var s LossStats
	if err := s.Append([]string{"a", "b"}, []float64{1.0, 3.0}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := s.Summarize("average"); got != 2.0 {
		t.Fatalf("average = %g, want 2", got)
	}
	if got := s.Summarize("max"); got != 3.0 {
		t.Fatalf("max = %g, want 3", got)
	}
	s.Clear()
	if got := s.Summarize("average"); got != 0 {
		t.Fatalf("cleared average = %g, want 0", got)
	}
}

func TestClassificationStats(t *testing.T) {
	var s ClassificationStats
	err := s.Append(
		[]string{"read", "read", "live"},
		[][]string{{"R", "IY", "D"}, {"R", "EH", "D"}, {"L", "IH", "V"}},
		[][]string{{"R", "IY", "D"}, {"R", "IY", "D"}, {"L", "IH", "V"}},
	)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := s.Summarize("accuracy"); math.Abs(got-2.0/3) > 1e-9 {
		t.Fatalf("accuracy = %g, want 2/3", got)
	}
	byWord := s.ByWord()
	if byWord["read"] != 0.5 || byWord["live"] != 1.0 {
		t.Fatalf("per-word accuracy = %v", byWord)
	}
}

func TestAlignmentCounts(t *testing.T) {
	a := align([]string{"A", "B", "C"}, []string{"A", "X", "C", "D"})
	if a.Substitutions != 1 || a.Insertions != 1 || a.Deletions != 0 {
		t.Fatalf("alignment = %+v", a)
	}
	if len(a.Ops) != 4 {
		t.Fatalf("ops = %v", a.Ops)
	}
}
