package loss

import (
	"errors"

	"github.com/fumitoshi0524/g2pNet/tensor"
)

// Range is a half-open [Start, End) span of token positions.
type Range struct {
	Start int
	End   int
}

// Empty reports whether the span covers no positions.
func (r Range) Empty() bool { return r.End <= r.Start }

// Extractor locates the homograph word inside target and hypothesis
// sequences. Homograph offsets are annotated in the raw phoneme space;
// when targets are tokenized the raw offsets are translated by word index,
// counting separator tokens. The two separator ids may coincide when no
// tokenization is applied.
type Extractor struct {
	WordSeparator     int
	WordSeparatorBase int
}

// WordIndex returns the zero-based index of the word starting at position
// start of a raw-space sequence.
func (e Extractor) WordIndex(base []int, start int) int {
	if start > len(base) {
		start = len(base)
	}
	n := 0
	for _, id := range base[:start] {
		if id == e.WordSeparatorBase {
			n++
		}
	}
	return n
}

// wordSpan finds the half-open token span of word idx in seq, where words
// are delimited by the model-space separator. Returns an empty range when
// the sequence has fewer words.
func (e Extractor) wordSpan(seq []int, idx int) Range {
	word := 0
	start := 0
	for pos, id := range seq {
		if id != e.WordSeparator {
			continue
		}
		if word == idx {
			return Range{Start: start, End: pos}
		}
		word++
		start = pos + 1
	}
	if word == idx && start < len(seq) {
		return Range{Start: start, End: len(seq)}
	}
	return Range{}
}

// Extract maps per-item raw-space offsets to token spans over phns.
// phnsBase may be nil when targets are not tokenized, in which case the
// offsets apply directly. An item with start == end yields an empty span.
func (e Extractor) Extract(phns, phnsBase [][]int, starts, ends []int) ([]Range, error) {
	if len(starts) != len(phns) || len(ends) != len(phns) {
		return nil, errors.New("offset count mismatch")
	}
	if phnsBase != nil && len(phnsBase) != len(phns) {
		return nil, errors.New("base sequence count mismatch")
	}
	out := make([]Range, len(phns))
	for i := range phns {
		if starts[i] >= ends[i] {
			continue
		}
		if phnsBase == nil {
			r := Range{Start: starts[i], End: ends[i]}
			if r.End > len(phns[i]) {
				r.End = len(phns[i])
			}
			if !r.Empty() {
				out[i] = r
			}
			continue
		}
		out[i] = e.wordSpan(phns[i], e.WordIndex(phnsBase[i], starts[i]))
	}
	return out, nil
}

// ExtractHyps cuts the homograph word out of each hypothesis, using the
// word index derived from the raw-space reference. Hypotheses with fewer
// words yield an empty cut.
func (e Extractor) ExtractHyps(hyps, phnsBase [][]int, starts []int) ([][]int, error) {
	if len(hyps) != len(phnsBase) || len(starts) != len(hyps) {
		return nil, errors.New("hypothesis count mismatch")
	}
	out := make([][]int, len(hyps))
	for i, hyp := range hyps {
		span := e.wordSpan(hyp, e.WordIndex(phnsBase[i], starts[i]))
		if span.Empty() {
			out[i] = []int{}
			continue
		}
		out[i] = append([]int(nil), hyp[span.Start:span.End]...)
	}
	return out, nil
}

// SubsequenceLoss is the token-mean NLL restricted to the homograph spans.
// Items with empty spans contribute nothing; with all spans empty the loss
// is a zero scalar.
func (e Extractor) SubsequenceLoss(pSeq *tensor.Tensor, targets [][]int, spans []Range) (*tensor.Tensor, error) {
	shape := pSeq.Shape()
	if len(shape) != 3 {
		return nil, errors.New("log-probabilities must be rank 3")
	}
	batch, steps := shape[0], shape[1]
	if len(targets) != batch || len(spans) != batch {
		return nil, errors.New("target count mismatch")
	}
	index := make([]int, batch*steps)
	mask := make([]float64, batch*steps)
	count := 0
	for b, span := range spans {
		end := span.End
		if end > len(targets[b]) {
			end = len(targets[b])
		}
		if end > steps {
			end = steps
		}
		for t := span.Start; t < end; t++ {
			index[b*steps+t] = targets[b][t]
			mask[b*steps+t] = 1
			count++
		}
	}
	return maskedNLL(pSeq, index, mask, count)
}
