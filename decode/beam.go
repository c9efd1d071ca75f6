// Package decode runs autoregressive beam search over a step-wise decoder.
package decode

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/fumitoshi0524/g2pNet/tensor"
)

// Stepper drives one batch item's decoder expanded to the beam width.
type Stepper interface {
	// BeginItem prepares decoding over one item's encoder output
	// [time, hidden] with the given valid length, tiled to width rows.
	BeginItem(encItem *tensor.Tensor, validLen, width int) (any, error)
	// StepItem extends each row by the given token and returns per-row
	// log-probability distributions over the output vocabulary.
	StepItem(state any, tokens []int) ([][]float64, any, error)
	// Reorder permutes state rows so row i continues hypothesis parents[i].
	Reorder(state any, parents []int) (any, error)
}

// BeamSearcher decodes phoneme sequences from encoder outputs. Decoding of
// an item stops when every hypothesis has emitted EOS or the step limit
// derived from MaxLenRatio is reached.
type BeamSearcher struct {
	Stepper     Stepper
	Width       int
	BOS         int
	EOS         int
	MaxLenRatio float64
}

type beamHyp struct {
	tokens []int
	score  float64
	done   bool
}

// Search decodes every item of encOut [batch, time, hidden]. lens holds the
// valid fraction per item. Returned hypotheses exclude BOS and EOS; scores
// are length-averaged log-probabilities.
func (s *BeamSearcher) Search(encOut *tensor.Tensor, lens []float64) ([][]int, []float64, error) {
	if s.Stepper == nil {
		return nil, nil, errors.New("beam searcher requires a stepper")
	}
	if s.Width < 1 {
		return nil, nil, errors.New("beam width must be positive")
	}
	shape := encOut.Shape()
	if len(shape) != 3 {
		return nil, nil, errors.New("encoder output must be rank 3")
	}
	batch, steps, hidden := shape[0], shape[1], shape[2]
	if len(lens) != batch {
		return nil, nil, errors.New("length count mismatch")
	}
	flat, err := encOut.Reshape(batch*steps, hidden)
	if err != nil {
		return nil, nil, err
	}
	hyps := make([][]int, batch)
	scores := make([]float64, batch)
	for b := 0; b < batch; b++ {
		item, err := tensor.SliceRows2D(flat, b*steps, steps)
		if err != nil {
			return nil, nil, err
		}
		valid := int(math.Round(lens[b] * float64(steps)))
		if valid < 1 {
			valid = 1
		}
		if valid > steps {
			valid = steps
		}
		tokens, score, err := s.searchItem(item.Detach(), valid)
		if err != nil {
			return nil, nil, err
		}
		hyps[b] = tokens
		scores[b] = score
	}
	return hyps, scores, nil
}

func (s *BeamSearcher) searchItem(encItem *tensor.Tensor, validLen int) ([]int, float64, error) {
	maxSteps := int(math.Ceil(s.MaxLenRatio * float64(validLen)))
	if maxSteps < 1 {
		maxSteps = validLen
	}
	state, err := s.Stepper.BeginItem(encItem, validLen, s.Width)
	if err != nil {
		return nil, 0, err
	}

	beams := make([]beamHyp, s.Width)
	for i := range beams {
		beams[i] = beamHyp{score: math.Inf(-1)}
	}
	// All rows start identically; only row 0 competes on the first step.
	beams[0].score = 0

	last := make([]int, s.Width)
	for i := range last {
		last[i] = s.BOS
	}
	for step := 0; step < maxSteps; step++ {
		rows, next, err := s.Stepper.StepItem(state, last)
		if err != nil {
			return nil, 0, err
		}
		state = next

		type candidate struct {
			parent int
			token  int
			score  float64
			done   bool
		}
		var cands []candidate
		allDone := true
		for i, beam := range beams {
			if math.IsInf(beam.score, -1) {
				continue
			}
			if beam.done {
				cands = append(cands, candidate{parent: i, token: s.EOS, score: beam.score, done: true})
				continue
			}
			allDone = false
			for v, lp := range rows[i] {
				cands = append(cands, candidate{parent: i, token: v, score: beam.score + lp, done: v == s.EOS})
			}
		}
		if allDone {
			break
		}
		sort.Slice(cands, func(a, b int) bool { return cands[a].score > cands[b].score })
		if len(cands) > s.Width {
			cands = cands[:s.Width]
		}

		nextBeams := make([]beamHyp, s.Width)
		parents := make([]int, s.Width)
		for i := range nextBeams {
			if i >= len(cands) {
				nextBeams[i] = beamHyp{score: math.Inf(-1), done: true}
				parents[i] = 0
				last[i] = s.EOS
				continue
			}
			c := cands[i]
			parent := beams[c.parent]
			tokens := append([]int(nil), parent.tokens...)
			if !parent.done && !c.done {
				tokens = append(tokens, c.token)
			}
			nextBeams[i] = beamHyp{tokens: tokens, score: c.score, done: c.done}
			parents[i] = c.parent
			if c.done {
				last[i] = s.EOS
			} else {
				last[i] = c.token
			}
		}
		beams = nextBeams
		state, err = s.Stepper.Reorder(state, parents)
		if err != nil {
			return nil, 0, err
		}
	}

	norms := make([]float64, len(beams))
	for i, beam := range beams {
		norms[i] = beam.score / float64(len(beam.tokens)+1)
	}
	best := floats.MaxIdx(norms)
	return beams[best].tokens, norms[best], nil
}
