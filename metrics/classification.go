package metrics

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// ClassificationStats tracks per-word homograph pronunciation accuracy: a
// prediction counts as correct when the extracted phoneme word matches the
// reference word exactly.
type ClassificationStats struct {
	words   []string
	correct []bool
}

// Append scores one batch. words carries the homograph word id per item.
func (s *ClassificationStats) Append(words []string, preds, refs [][]string) error {
	if len(preds) != len(words) || len(refs) != len(words) {
		return errors.New("batch item count mismatch")
	}
	for i, word := range words {
		s.words = append(s.words, word)
		s.correct = append(s.correct, equalTokens(preds[i], refs[i]))
	}
	return nil
}

func equalTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Summarize returns overall accuracy in [0, 1]; empty summarizes to zero.
func (s *ClassificationStats) Summarize(metric string) float64 {
	if metric != "accuracy" || len(s.correct) == 0 {
		return 0
	}
	hits := 0
	for _, ok := range s.correct {
		if ok {
			hits++
		}
	}
	return float64(hits) / float64(len(s.correct))
}

// ByWord returns per-homograph accuracy.
func (s *ClassificationStats) ByWord() map[string]float64 {
	hits := make(map[string]int)
	totals := make(map[string]int)
	for i, word := range s.words {
		totals[word]++
		if s.correct[i] {
			hits[word]++
		}
	}
	out := make(map[string]float64, len(totals))
	for word, total := range totals {
		out[word] = float64(hits[word]) / float64(total)
	}
	return out
}

func (s *ClassificationStats) Count() int { return len(s.correct) }

func (s *ClassificationStats) Clear() {
	*s = ClassificationStats{}
}

func (s *ClassificationStats) WriteStats(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "accuracy %.4f over %d items\n", s.Summarize("accuracy"), s.Count()); err != nil {
		return err
	}
	byWord := s.ByWord()
	words := make([]string, 0, len(byWord))
	for word := range byWord {
		words = append(words, word)
	}
	sort.Strings(words)
	var b strings.Builder
	for _, word := range words {
		fmt.Fprintf(&b, "%s %.4f\n", word, byWord[word])
	}
	_, err := io.WriteString(w, b.String())
	return err
}
