package train

import (
	"github.com/pkg/errors"

	"github.com/fumitoshi0524/g2pNet/data"
	"github.com/fumitoshi0524/g2pNet/loss"
	"github.com/fumitoshi0524/g2pNet/tensor"
)

// MetricsDelta carries everything one evaluated batch contributes to the
// stage accumulators. The stage controller owns the accumulators and
// applies deltas; objective computation never mutates shared state.
type MetricsDelta struct {
	IDs       []string
	SeqLoss   float64
	TotalLoss float64
	Hyps      [][]string
	Refs      [][]string

	HomographSeqLoss float64
	HomographWords   []string
	HomographHyps    [][]string
	HomographRefs    [][]string
}

// modeStrategy is selected once per training step and held for its
// duration.
type modeStrategy interface {
	name() string
	// onStageStart derives per-stage state, such as word separator ids,
	// from the phoneme vocabulary.
	onStageStart(penc *data.LabelEncoder)
	// extraLoss returns the additional weighted loss term, or nil when the
	// mode has none.
	extraLoss(pSeq *tensor.Tensor, b *data.Batch) (*tensor.Tensor, error)
	// extendDelta fills mode-specific delta fields from the model's
	// log-probabilities and the decoded hypotheses.
	extendDelta(delta *MetricsDelta, b *data.Batch, pSeq *tensor.Tensor, hyps [][]int, penc *data.LabelEncoder) error
	checkpointKey() string
	checkpointPredicate(meta map[string]float64) bool
}

func strategyFor(step StepConfig) modeStrategy {
	if step.Mode == ModeHomograph {
		return &homographMode{
			weight:    step.HomographLossWeight,
			tokenized: step.TokenizedPhonemes,
		}
	}
	return normalMode{}
}

type normalMode struct{}

func (normalMode) name() string { return "normal" }

func (normalMode) onStageStart(*data.LabelEncoder) {}

func (normalMode) extraLoss(*tensor.Tensor, *data.Batch) (*tensor.Tensor, error) {
	return nil, nil
}

func (normalMode) extendDelta(*MetricsDelta, *data.Batch, *tensor.Tensor, [][]int, *data.LabelEncoder) error {
	return nil
}

func (normalMode) checkpointKey() string { return "PER" }

func (normalMode) checkpointPredicate(meta map[string]float64) bool {
	_, ok := meta["PER"]
	return ok
}

type homographMode struct {
	weight    float64
	tokenized bool
	extractor loss.Extractor
}

func (*homographMode) name() string { return "homograph" }

// onStageStart resolves both word separator ids from the vocabulary's
// encoding of a literal space. They are tracked separately even while
// equal, so a retokenized pipeline can override one without the other.
func (m *homographMode) onStageStart(penc *data.LabelEncoder) {
	sep := -1
	if id, ok := penc.ID(" "); ok {
		sep = id
	}
	m.extractor = loss.Extractor{WordSeparator: sep, WordSeparatorBase: sep}
}

// spans maps the annotated offsets onto the model-space targets. The raw
// offsets apply directly unless the targets are tokenized, in which case
// they must be translated by word index through the raw base sequences.
func (m *homographMode) spans(b *data.Batch) ([]loss.Range, error) {
	var base [][]int
	if m.tokenized {
		base = b.PhonemeBase
	}
	return m.extractor.Extract(b.Phonemes, base, b.WordStarts, b.WordEnds)
}

// hypBase returns the raw-space sequences used to locate the homograph
// word inside hypotheses, whose lengths never line up with the offsets.
func (m *homographMode) hypBase(b *data.Batch) [][]int {
	if m.tokenized {
		return b.PhonemeBase
	}
	return b.Phonemes
}

func (m *homographMode) extraLoss(pSeq *tensor.Tensor, b *data.Batch) (*tensor.Tensor, error) {
	spans, err := m.spans(b)
	if err != nil {
		return nil, errors.Wrap(err, "homograph spans")
	}
	sub, err := m.extractor.SubsequenceLoss(pSeq, b.Phonemes, spans)
	if err != nil {
		return nil, errors.Wrap(err, "homograph loss")
	}
	return tensor.Mul(sub, tensor.Full(m.weight, 1))
}

func (m *homographMode) extendDelta(delta *MetricsDelta, b *data.Batch, pSeq *tensor.Tensor, hyps [][]int, penc *data.LabelEncoder) error {
	spans, err := m.spans(b)
	if err != nil {
		return errors.Wrap(err, "homograph spans")
	}
	sub, err := m.extractor.SubsequenceLoss(pSeq, b.Phonemes, spans)
	if err != nil {
		return errors.Wrap(err, "homograph sequence loss")
	}
	delta.HomographSeqLoss = sub.Data()[0]
	hypCuts, err := m.extractor.ExtractHyps(hyps, m.hypBase(b), b.WordStarts)
	if err != nil {
		return errors.Wrap(err, "homograph hypothesis cuts")
	}
	for i := range b.IDs {
		span := spans[i]
		var refIDs []int
		if !span.Empty() {
			refIDs = b.Phonemes[i][span.Start:span.End]
		}
		ref, err := penc.Decode(refIDs)
		if err != nil {
			return errors.Wrap(err, "decode homograph reference")
		}
		hyp, err := penc.Decode(hypCuts[i])
		if err != nil {
			return errors.Wrap(err, "decode homograph hypothesis")
		}
		delta.HomographWords = append(delta.HomographWords, b.Words[i])
		delta.HomographRefs = append(delta.HomographRefs, ref)
		delta.HomographHyps = append(delta.HomographHyps, hyp)
	}
	return nil
}

func (*homographMode) checkpointKey() string { return "PER_homograph" }

func (*homographMode) checkpointPredicate(meta map[string]float64) bool {
	_, ok := meta["PER_homograph"]
	return ok
}
