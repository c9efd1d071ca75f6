package metrics

import (
	"errors"
	"fmt"
	"io"

	"gonum.org/v1/gonum/stat"
)

// LossStats accumulates per-item loss values across batches.
type LossStats struct {
	ids    []string
	values []float64
}

func (s *LossStats) Append(ids []string, values []float64) error {
	if len(ids) != len(values) {
		return errors.New("id and value counts differ")
	}
	s.ids = append(s.ids, ids...)
	s.values = append(s.values, values...)
	return nil
}

// AppendBatch records one batch-level value replicated per item id.
func (s *LossStats) AppendBatch(ids []string, value float64) {
	for _, id := range ids {
		s.ids = append(s.ids, id)
		s.values = append(s.values, value)
	}
}

// Summarize returns the requested aggregate; an empty accumulator
// summarizes to zero.
func (s *LossStats) Summarize(metric string) float64 {
	if len(s.values) == 0 {
		return 0
	}
	switch metric {
	case "average":
		return stat.Mean(s.values, nil)
	case "min":
		min := s.values[0]
		for _, v := range s.values[1:] {
			if v < min {
				min = v
			}
		}
		return min
	case "max":
		max := s.values[0]
		for _, v := range s.values[1:] {
			if v > max {
				max = v
			}
		}
		return max
	default:
		return 0
	}
}

func (s *LossStats) Count() int { return len(s.values) }

func (s *LossStats) Clear() {
	*s = LossStats{}
}

func (s *LossStats) WriteStats(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "average loss %.6f over %d items\n", s.Summarize("average"), s.Count()); err != nil {
		return err
	}
	for i, id := range s.ids {
		if _, err := fmt.Fprintf(w, "%s %.6f\n", id, s.values[i]); err != nil {
			return err
		}
	}
	return nil
}
