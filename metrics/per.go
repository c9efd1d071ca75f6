package metrics

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// ItemScore is one scored utterance, exposed for report writing and for
// picking visualization samples.
type ItemScore struct {
	ID        string
	Ref       []string
	Hyp       []string
	ErrorRate float64
	Errors    int
	RefLen    int
}

// ErrorRateStats accumulates phoneme error rate over appended batches.
// Special tokens of the form "<...>" are stripped before alignment.
type ErrorRateStats struct {
	items         []ItemScore
	substitutions int
	insertions    int
	deletions     int
	refTokens     int
}

func stripSpecials(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if strings.HasPrefix(tok, "<") && strings.HasSuffix(tok, ">") {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// Append scores one batch of hypotheses against references.
func (s *ErrorRateStats) Append(ids []string, hyps, refs [][]string) error {
	if len(hyps) != len(ids) || len(refs) != len(ids) {
		return errors.New("batch item count mismatch")
	}
	for i, id := range ids {
		ref := stripSpecials(refs[i])
		hyp := stripSpecials(hyps[i])
		a := align(ref, hyp)
		rate := 0.0
		if len(ref) > 0 {
			rate = 100 * float64(a.Errors()) / float64(len(ref))
		} else if a.Errors() > 0 {
			rate = 100
		}
		s.items = append(s.items, ItemScore{
			ID:        id,
			Ref:       ref,
			Hyp:       hyp,
			ErrorRate: rate,
			Errors:    a.Errors(),
			RefLen:    len(ref),
		})
		s.substitutions += a.Substitutions
		s.insertions += a.Insertions
		s.deletions += a.Deletions
		s.refTokens += len(ref)
	}
	return nil
}

// Summarize returns the requested aggregate. "error_rate" is the corpus
// error percentage; an empty accumulator summarizes to zero.
func (s *ErrorRateStats) Summarize(metric string) float64 {
	switch metric {
	case "error_rate":
		if s.refTokens == 0 {
			return 0
		}
		return 100 * float64(s.substitutions+s.insertions+s.deletions) / float64(s.refTokens)
	case "substitutions":
		return float64(s.substitutions)
	case "insertions":
		return float64(s.insertions)
	case "deletions":
		return float64(s.deletions)
	default:
		return 0
	}
}

func (s *ErrorRateStats) Count() int { return len(s.items) }

// Scores returns the per-item breakdown in append order.
func (s *ErrorRateStats) Scores() []ItemScore { return s.items }

func (s *ErrorRateStats) Clear() {
	*s = ErrorRateStats{}
}

// WriteStats emits a per-utterance report with reference and hypothesis
// token lines.
func (s *ErrorRateStats) WriteStats(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%%PER %.2f [ %d errors / %d tokens, %d ins, %d del, %d sub ]\n",
		s.Summarize("error_rate"),
		s.substitutions+s.insertions+s.deletions, s.refTokens,
		s.insertions, s.deletions, s.substitutions)
	if err != nil {
		return err
	}
	for _, item := range s.items {
		if _, err := fmt.Fprintf(w, "%s, %%PER %.2f\nref: %s\nhyp: %s\n",
			item.ID, item.ErrorRate,
			strings.Join(item.Ref, " "), strings.Join(item.Hyp, " ")); err != nil {
			return err
		}
	}
	return nil
}
