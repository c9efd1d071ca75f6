package data

import (
	"github.com/pkg/errors"

	"github.com/fumitoshi0524/g2pNet/tensor"
)

// Batch is one padded training batch. Tensor fields are padded to the batch
// maximum with zeros; length fields hold valid fractions in (0, 1].
type Batch struct {
	IDs          []string
	Chars        []string
	Words        []string
	Graphemes    *tensor.Tensor
	GraphemeLens []float64
	PhonemeBOS   *tensor.Tensor
	Phonemes     [][]int
	PhonemesEOS  [][]int
	PhonemeBase  [][]int
	WordStarts   []int
	WordEnds     []int
}

// Size returns the number of items in the batch.
func (b *Batch) Size() int { return len(b.IDs) }

// BuildEncoders registers every grapheme and phoneme token seen across the
// given datasets.
func BuildEncoders(sets ...*Dataset) (*LabelEncoder, *LabelEncoder) {
	graphemes := NewLabelEncoder()
	phonemes := NewLabelEncoder()
	for _, ds := range sets {
		for _, item := range ds.Items {
			graphemes.AddSequence(item.Graphemes)
			phonemes.AddSequence(item.Phonemes)
			phonemes.AddSequence(item.PhonemeBase)
		}
	}
	return graphemes, phonemes
}

// Batches slices the dataset into padded batches of at most size items.
func (d *Dataset) Batches(size int, graphemes, phonemes *LabelEncoder) ([]*Batch, error) {
	if size < 1 {
		return nil, errors.New("batch size must be positive")
	}
	var out []*Batch
	for start := 0; start < len(d.Items); start += size {
		end := start + size
		if end > len(d.Items) {
			end = len(d.Items)
		}
		b, err := buildBatch(d.Items[start:end], graphemes, phonemes)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func buildBatch(items []Item, graphemes, phonemes *LabelEncoder) (*Batch, error) {
	b := &Batch{}
	maxG, maxP := 0, 0
	gSeqs := make([][]int, len(items))
	for i, item := range items {
		gids, err := graphemes.Encode(item.Graphemes)
		if err != nil {
			return nil, errors.Wrapf(err, "item %s graphemes", item.ID)
		}
		pids, err := phonemes.Encode(item.Phonemes)
		if err != nil {
			return nil, errors.Wrapf(err, "item %s phonemes", item.ID)
		}
		base, err := phonemes.Encode(item.PhonemeBase)
		if err != nil {
			return nil, errors.Wrapf(err, "item %s base phonemes", item.ID)
		}
		gSeqs[i] = gids
		if len(gids) > maxG {
			maxG = len(gids)
		}
		if len(pids) > maxP {
			maxP = len(pids)
		}
		b.IDs = append(b.IDs, item.ID)
		b.Chars = append(b.Chars, item.Char)
		b.Words = append(b.Words, item.Word)
		b.Phonemes = append(b.Phonemes, pids)
		b.PhonemesEOS = append(b.PhonemesEOS, append(append([]int(nil), pids...), phonemes.EOS()))
		b.PhonemeBase = append(b.PhonemeBase, base)
		b.WordStarts = append(b.WordStarts, item.WordStart)
		b.WordEnds = append(b.WordEnds, item.WordEnd)
	}
	if maxG == 0 {
		return nil, errors.New("batch has no grapheme input")
	}

	gData := make([]float64, len(items)*maxG)
	for i, gids := range gSeqs {
		for j, id := range gids {
			gData[i*maxG+j] = float64(id)
		}
		b.GraphemeLens = append(b.GraphemeLens, float64(len(gids))/float64(maxG))
	}
	b.Graphemes = tensor.MustNew(gData, len(items), maxG)

	// Decoder input is BOS followed by the target, padded to maxP+1.
	bosLen := maxP + 1
	pData := make([]float64, len(items)*bosLen)
	for i, pids := range b.Phonemes {
		pData[i*bosLen] = float64(phonemes.BOS())
		for j, id := range pids {
			pData[i*bosLen+1+j] = float64(id)
		}
	}
	b.PhonemeBOS = tensor.MustNew(pData, len(items), bosLen)
	return b, nil
}

// UndoPadding cuts a padded [batch, max] id tensor back into per-item
// sequences using valid fractions.
func UndoPadding(t *tensor.Tensor, lens []float64) ([][]int, error) {
	shape := t.Shape()
	if len(shape) != 2 {
		return nil, errors.New("padded tensor must be rank 2")
	}
	batch, max := shape[0], shape[1]
	if len(lens) != batch {
		return nil, errors.New("length count mismatch")
	}
	out := make([][]int, batch)
	for b := 0; b < batch; b++ {
		n := int(float64(max)*lens[b] + 0.5)
		if n > max {
			n = max
		}
		seq := make([]int, n)
		for j := 0; j < n; j++ {
			seq[j] = int(t.At(b, j))
		}
		out[b] = seq
	}
	return out, nil
}
