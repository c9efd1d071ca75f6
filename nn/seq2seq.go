package nn

import (
	"errors"
	"math"

	"github.com/fumitoshi0524/g2pNet/tensor"
)

// AttnRNNConfig sizes the grapheme-to-phoneme network.
type AttnRNNConfig struct {
	GraphemeVocab int
	PhonemeVocab  int
	GraphemeDim   int
	PhonemeDim    int
	// WordEmbDim adds per-position word-embedding conditioning features to
	// the encoder input; zero disables the hook.
	WordEmbDim    int
	EncoderHidden int
	DecoderHidden int
	// WithCTCHead attaches the auxiliary per-frame output head over encoder
	// states.
	WithCTCHead bool
}

// AttnRNN is an attention-based encoder/decoder for grapheme-to-phoneme
// conversion: LSTM encoder over grapheme embeddings, GRU decoder with
// content attention, shared output projection, optional CTC head.
type AttnRNN struct {
	cfg  AttnRNNConfig
	gEmb *Embedding
	pEmb *Embedding
	enc  *LSTM
	attn *ContentAttention
	dec  *GRUCell
	out  *Linear
	ctc  *Linear
}

func NewAttnRNN(cfg AttnRNNConfig) (*AttnRNN, error) {
	if cfg.GraphemeVocab <= 0 || cfg.PhonemeVocab <= 0 {
		return nil, errors.New("vocabulary sizes must be positive")
	}
	if cfg.GraphemeDim <= 0 || cfg.PhonemeDim <= 0 || cfg.EncoderHidden <= 0 || cfg.DecoderHidden <= 0 {
		return nil, errors.New("layer sizes must be positive")
	}
	m := &AttnRNN{
		cfg:  cfg,
		gEmb: NewEmbedding(cfg.GraphemeVocab, cfg.GraphemeDim),
		pEmb: NewEmbedding(cfg.PhonemeVocab, cfg.PhonemeDim),
		enc:  NewLSTM(cfg.GraphemeDim+cfg.WordEmbDim, cfg.EncoderHidden),
		attn: NewContentAttention(cfg.DecoderHidden, cfg.EncoderHidden),
		dec:  NewGRUCell(cfg.PhonemeDim+cfg.EncoderHidden, cfg.DecoderHidden),
		out:  NewLinear(cfg.DecoderHidden+cfg.EncoderHidden, cfg.PhonemeVocab, true),
	}
	if cfg.WithCTCHead {
		m.ctc = NewLinear(cfg.EncoderHidden, cfg.PhonemeVocab, true)
	}
	return m, nil
}

// HasCTCHead reports whether the auxiliary head was configured.
func (m *AttnRNN) HasCTCHead() bool { return m.ctc != nil }

// Forward runs teacher-forced decoding.
//
// graphemes: [batch, inTime] ids; graphemeLens: valid fraction per item;
// phonemes: [batch, outTime] BOS-fronted target ids; wordEmb: optional
// [batch, inTime, WordEmbDim] conditioning features.
//
// Returns per-position log-probabilities [batch, outTime, vocab], encoder
// output length fractions, encoder outputs [batch, inTime, hidden] and
// detached attention weights indexed [item][outPos][inPos].
func (m *AttnRNN) Forward(graphemes *tensor.Tensor, graphemeLens []float64, phonemes, wordEmb *tensor.Tensor) (*tensor.Tensor, []float64, *tensor.Tensor, [][][]float64, error) {
	gShape := graphemes.Shape()
	if len(gShape) != 2 {
		return nil, nil, nil, nil, errors.New("graphemes must be rank 2")
	}
	batch, inTime := gShape[0], gShape[1]
	if len(graphemeLens) != batch {
		return nil, nil, nil, nil, errors.New("grapheme length count mismatch")
	}
	pShape := phonemes.Shape()
	if len(pShape) != 2 || pShape[0] != batch {
		return nil, nil, nil, nil, errors.New("phonemes must be rank 2 with matching batch")
	}
	outTime := pShape[1]

	ge, err := m.gEmb.Forward(graphemes)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if wordEmb != nil {
		ge, err = tensor.Concat(2, ge, wordEmb)
		if err != nil {
			return nil, nil, nil, nil, err
		}
	}
	encOut, err := m.enc.Forward(ge)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	encFlat, err := encOut.Reshape(batch*inTime, m.cfg.EncoderHidden)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	validLens := make([]int, batch)
	for b := range validLens {
		validLens[b] = validCount(inTime, graphemeLens[b])
	}

	h := tensor.Zeros(batch, m.cfg.DecoderHidden)
	frames := make([]*tensor.Tensor, 0, outTime)
	attnWeights := make([][][]float64, batch)
	for b := range attnWeights {
		attnWeights[b] = make([][]float64, outTime)
	}
	for t := 0; t < outTime; t++ {
		tokens := columnIDs(phonemes, t)
		logits, ctxWeights, nextH, err := m.decodeStep(tokens, h, encFlat, batch, inTime, validLens)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		h = nextH
		frame, err := tensor.Unsqueeze(logits, 1)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		frames = append(frames, frame)
		for b := 0; b < batch; b++ {
			attnWeights[b][t] = ctxWeights[b]
		}
	}
	logits3, err := tensor.Concat(1, frames...)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	pSeq, err := tensor.LogSoftmax(logits3, -1)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	outLens := append([]float64(nil), graphemeLens...)
	return pSeq, outLens, encOut, attnWeights, nil
}

// decodeStep advances the decoder by one output position for all rows.
func (m *AttnRNN) decodeStep(tokens []int, h, encFlat *tensor.Tensor, rows, inTime int, validLens []int) (*tensor.Tensor, [][]float64, *tensor.Tensor, error) {
	idxData := make([]float64, len(tokens))
	for i, tok := range tokens {
		idxData[i] = float64(tok)
	}
	idx := tensor.MustNew(idxData, len(tokens))
	x, err := m.pEmb.Forward(idx)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, weights, err := m.attn.Forward(h, encFlat, rows, inTime, validLens)
	if err != nil {
		return nil, nil, nil, err
	}
	xi, err := tensor.Concat(1, x, ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	nextH, err := m.dec.Step(xi, h)
	if err != nil {
		return nil, nil, nil, err
	}
	ho, err := tensor.Concat(1, nextH, ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	logits, err := m.out.Forward(ho)
	if err != nil {
		return nil, nil, nil, err
	}
	return logits, weights, nextH, nil
}

// CTCLogProbs projects encoder outputs through the auxiliary head.
func (m *AttnRNN) CTCLogProbs(encOut *tensor.Tensor) (*tensor.Tensor, error) {
	if m.ctc == nil {
		return nil, errors.New("model has no CTC head")
	}
	shape := encOut.Shape()
	if len(shape) != 3 {
		return nil, errors.New("encoder output must be rank 3")
	}
	batch, steps, hidden := shape[0], shape[1], shape[2]
	flat, err := encOut.Reshape(batch*steps, hidden)
	if err != nil {
		return nil, err
	}
	logits, err := m.ctc.Forward(flat)
	if err != nil {
		return nil, err
	}
	logits3, err := logits.Reshape(batch, steps, m.cfg.PhonemeVocab)
	if err != nil {
		return nil, err
	}
	return tensor.LogSoftmax(logits3, -1)
}

// decodeState carries beam-search decoding state for one batch item
// expanded to the beam width.
type decodeState struct {
	h         *tensor.Tensor
	encFlat   *tensor.Tensor
	width     int
	inTime    int
	validLens []int
}

// BeginItem prepares step-wise decoding over a single item's encoder output
// [time, hidden], tiled to the beam width. Satisfies decode.Stepper.
func (m *AttnRNN) BeginItem(encItem *tensor.Tensor, validLen, width int) (any, error) {
	shape := encItem.Shape()
	if len(shape) != 2 || shape[1] != m.cfg.EncoderHidden {
		return nil, errors.New("encoder item must be [time, hidden]")
	}
	if width < 1 {
		return nil, errors.New("beam width must be positive")
	}
	inTime := shape[0]
	if validLen < 1 || validLen > inTime {
		return nil, errors.New("valid length out of range")
	}
	flat := encItem.Detach()
	copies := make([]*tensor.Tensor, width)
	for i := range copies {
		copies[i] = flat
	}
	tiled, err := tensor.Concat(0, copies...)
	if err != nil {
		return nil, err
	}
	validLens := make([]int, width)
	for i := range validLens {
		validLens[i] = validLen
	}
	return &decodeState{
		h:         tensor.Zeros(width, m.cfg.DecoderHidden),
		encFlat:   tiled,
		width:     width,
		inTime:    inTime,
		validLens: validLens,
	}, nil
}

// StepItem extends every live hypothesis by one token and returns per-row
// log-probability distributions. Satisfies decode.Stepper.
func (m *AttnRNN) StepItem(state any, tokens []int) ([][]float64, any, error) {
	st, ok := state.(*decodeState)
	if !ok {
		return nil, nil, errors.New("foreign decode state")
	}
	if len(tokens) != st.width {
		return nil, nil, errors.New("token count must match beam width")
	}
	logits, _, nextH, err := m.decodeStep(tokens, st.h, st.encFlat, st.width, st.inTime, st.validLens)
	if err != nil {
		return nil, nil, err
	}
	logProbs, err := tensor.LogSoftmax(logits, -1)
	if err != nil {
		return nil, nil, err
	}
	data := logProbs.Data()
	vocab := m.cfg.PhonemeVocab
	rows := make([][]float64, st.width)
	for i := range rows {
		rows[i] = data[i*vocab : (i+1)*vocab]
	}
	next := &decodeState{
		h:         nextH.Detach(),
		encFlat:   st.encFlat,
		width:     st.width,
		inTime:    st.inTime,
		validLens: st.validLens,
	}
	return rows, next, nil
}

// Reorder permutes decoder state rows so that row i continues the
// hypothesis previously held by row parents[i]. Satisfies decode.Stepper.
func (m *AttnRNN) Reorder(state any, parents []int) (any, error) {
	st, ok := state.(*decodeState)
	if !ok {
		return nil, errors.New("foreign decode state")
	}
	if len(parents) != st.width {
		return nil, errors.New("parent count must match beam width")
	}
	hidden := m.cfg.DecoderHidden
	src := st.h.Data()
	data := make([]float64, st.width*hidden)
	for i, p := range parents {
		if p < 0 || p >= st.width {
			return nil, errors.New("parent index out of range")
		}
		copy(data[i*hidden:(i+1)*hidden], src[p*hidden:(p+1)*hidden])
	}
	return &decodeState{
		h:         tensor.MustNew(data, st.width, hidden),
		encFlat:   st.encFlat,
		width:     st.width,
		inTime:    st.inTime,
		validLens: st.validLens,
	}, nil
}

func (m *AttnRNN) Parameters() []*tensor.Tensor {
	params := append([]*tensor.Tensor(nil), m.gEmb.Parameters()...)
	params = append(params, m.pEmb.Parameters()...)
	params = append(params, m.enc.Parameters()...)
	params = append(params, m.attn.Parameters()...)
	params = append(params, m.dec.Parameters()...)
	params = append(params, m.out.Parameters()...)
	if m.ctc != nil {
		params = append(params, m.ctc.Parameters()...)
	}
	return params
}

func (m *AttnRNN) ZeroGrad() {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
}

func (m *AttnRNN) StateDict(prefix string, state map[string]*tensor.Tensor) {
	m.gEmb.StateDict(joinPrefix(prefix, "grapheme_emb"), state)
	m.pEmb.StateDict(joinPrefix(prefix, "phoneme_emb"), state)
	m.enc.StateDict(joinPrefix(prefix, "encoder"), state)
	m.attn.StateDict(joinPrefix(prefix, "attention"), state)
	m.dec.StateDict(joinPrefix(prefix, "decoder"), state)
	m.out.StateDict(joinPrefix(prefix, "output"), state)
	if m.ctc != nil {
		m.ctc.StateDict(joinPrefix(prefix, "ctc"), state)
	}
}

func (m *AttnRNN) LoadState(prefix string, state map[string]*tensor.Tensor) error {
	if err := m.gEmb.LoadState(joinPrefix(prefix, "grapheme_emb"), state); err != nil {
		return err
	}
	if err := m.pEmb.LoadState(joinPrefix(prefix, "phoneme_emb"), state); err != nil {
		return err
	}
	if err := m.enc.LoadState(joinPrefix(prefix, "encoder"), state); err != nil {
		return err
	}
	if err := m.attn.LoadState(joinPrefix(prefix, "attention"), state); err != nil {
		return err
	}
	if err := m.dec.LoadState(joinPrefix(prefix, "decoder"), state); err != nil {
		return err
	}
	if err := m.out.LoadState(joinPrefix(prefix, "output"), state); err != nil {
		return err
	}
	if m.ctc != nil {
		return m.ctc.LoadState(joinPrefix(prefix, "ctc"), state)
	}
	return nil
}

func columnIDs(t *tensor.Tensor, col int) []int {
	shape := t.Shape()
	rows := shape[0]
	out := make([]int, rows)
	for b := 0; b < rows; b++ {
		out[b] = int(t.At(b, col))
	}
	return out
}

func validCount(padded int, frac float64) int {
	n := int(math.Round(frac * float64(padded)))
	if n > padded {
		n = padded
	}
	if n < 0 {
		n = 0
	}
	return n
}
