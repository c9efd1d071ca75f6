package train

import (
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/fumitoshi0524/g2pNet/data"
	"github.com/fumitoshi0524/g2pNet/loss"
	"github.com/fumitoshi0524/g2pNet/tensor"
)

// fakeModel emits log-probabilities peaked at the teacher-forced target of
// each position, with a trainable bias so losses carry gradients.
type fakeModel struct {
	vocab        int
	eosID        int
	peak         float64
	withCTC      bool
	forwardCalls int
	bias         *tensor.Tensor
}

func newFakeModel(vocab, eosID int, peak float64, withCTC bool) *fakeModel {
	bias := tensor.Zeros(vocab)
	bias.SetRequiresGrad(true)
	return &fakeModel{vocab: vocab, eosID: eosID, peak: peak, withCTC: withCTC, bias: bias}
}

func (m *fakeModel) Forward(graphemes *tensor.Tensor, lens []float64, phonemes, wordEmb *tensor.Tensor) (*tensor.Tensor, []float64, *tensor.Tensor, [][][]float64, error) {
	m.forwardCalls++
	gs := graphemes.Shape()
	batch, inTime := gs[0], gs[1]
	steps := phonemes.Shape()[1]
	logits := make([]float64, batch*steps*m.vocab)
	for b := 0; b < batch; b++ {
		for t := 0; t < steps; t++ {
			target := m.eosID
			if t+1 < steps {
				target = int(phonemes.At(b, t+1))
			}
			logits[(b*steps+t)*m.vocab+target] = m.peak
		}
	}
	flat := tensor.MustNew(logits, batch*steps, m.vocab)
	biased, err := tensor.AddBias2D(flat, m.bias)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	l3, err := biased.Reshape(batch, steps, m.vocab)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	pSeq, err := tensor.LogSoftmax(l3, -1)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	encOut := tensor.Zeros(batch, inTime, 2)
	attn := make([][][]float64, batch)
	for b := range attn {
		attn[b] = make([][]float64, steps)
		for t := range attn[b] {
			row := make([]float64, inTime)
			for i := range row {
				row[i] = 1 / float64(inTime)
			}
			attn[b][t] = row
		}
	}
	return pSeq, append([]float64(nil), lens...), encOut, attn, nil
}

func (m *fakeModel) HasCTCHead() bool { return m.withCTC }

func (m *fakeModel) CTCLogProbs(encOut *tensor.Tensor) (*tensor.Tensor, error) {
	shape := encOut.Shape()
	batch, frames := shape[0], shape[1]
	flat := tensor.Zeros(batch*frames, m.vocab)
	biased, err := tensor.AddBias2D(flat, m.bias)
	if err != nil {
		return nil, err
	}
	l3, err := biased.Reshape(batch, frames, m.vocab)
	if err != nil {
		return nil, err
	}
	return tensor.LogSoftmax(l3, -1)
}

func (m *fakeModel) Parameters() []*tensor.Tensor { return []*tensor.Tensor{m.bias} }

func (m *fakeModel) ZeroGrad() { m.bias.ZeroGrad() }

func (m *fakeModel) StateDict(prefix string, state map[string]*tensor.Tensor) {
	state["bias"] = m.bias.Clone()
}

func (m *fakeModel) LoadState(prefix string, state map[string]*tensor.Tensor) error {
	src, ok := state["bias"]
	if !ok {
		return os.ErrNotExist
	}
	return tensor.CopyInto(m.bias, src)
}

// fakeSearcher replays scripted hypotheses, batch call by batch call.
type fakeSearcher struct {
	byCall [][][]int
	calls  int
}

func (s *fakeSearcher) Search(encOut *tensor.Tensor, lens []float64) ([][]int, []float64, error) {
	idx := s.calls
	if idx >= len(s.byCall) {
		idx = len(s.byCall) - 1
	}
	s.calls++
	hyps := s.byCall[idx]
	return hyps, make([]float64, len(hyps)), nil
}

type fakeOptimizer struct {
	steps int
	lr    float64
}

func (o *fakeOptimizer) Step() error      { o.steps++; return nil }
func (o *fakeOptimizer) ZeroGrad()        {}
func (o *fakeOptimizer) LR() float64      { return o.lr }
func (o *fakeOptimizer) SetLR(lr float64) { o.lr = lr }

func testLexicon() *data.Dataset {
	items := []data.Item{
		{ID: "u1", Origin: "train", Char: "cat", Phonemes: []string{"K", "AE", "T"}},
		{ID: "u2", Origin: "train", Char: "dog", Phonemes: []string{"D", "AO", "G"}},
		{ID: "u3", Origin: "train", Char: "fin", Phonemes: []string{"F", "IH", "N"}},
	}
	for i := range items {
		for _, r := range items[i].Char {
			items[i].Graphemes = append(items[i].Graphemes, string(r))
		}
		items[i].PhonemeBase = items[i].Phonemes
	}
	return &data.Dataset{Items: items}
}

func testBatchAndEncoders(t *testing.T, ds *data.Dataset) (*data.Batch, *data.LabelEncoder, *data.LabelEncoder) {
	t.Helper()
	genc, penc := data.BuildEncoders(ds)
	batches, err := ds.Batches(len(ds.Items), genc, penc)
	if err != nil {
		t.Fatalf("batches: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected one batch, got %d", len(batches))
	}
	return batches[0], genc, penc
}

func correctHyps(t *testing.T, ds *data.Dataset, penc *data.LabelEncoder) [][]int {
	t.Helper()
	var out [][]int
	for _, item := range ds.Items {
		ids, err := penc.Encode(item.Phonemes)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		out = append(out, ids)
	}
	return out
}

func baseConfig(t *testing.T, steps ...StepConfig) *Config {
	t.Helper()
	cfg := &Config{
		OutputDir:     t.TempDir(),
		BatchSize:     4,
		BeamWidth:     2,
		EnableMetrics: true,
		Steps:         steps,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate config: %v", err)
	}
	return cfg
}

func quietLogger() *StatsLogger {
	return NewStatsLogger(log.New(io.Discard, "", 0))
}

func newTestController(t *testing.T, cfg *Config, step StepConfig, model Model, penc *data.LabelEncoder, searcher Searcher, ckpt *Checkpointer) *StageController {
	t.Helper()
	deps := ControllerDeps{
		Model:         model,
		Optimizer:     &fakeOptimizer{lr: 0.1},
		ValidSearcher: searcher,
		TestSearcher:  searcher,
		Phonemes:      penc,
		Checkpointer:  ckpt,
		Logger:        quietLogger(),
	}
	ctrl, err := NewStageController(cfg, step, deps)
	if err != nil {
		t.Fatalf("build controller: %v", err)
	}
	return ctrl
}

// Without an auxiliary head the composed loss is exactly the sequence
// loss, whatever the configured weight.
func TestComposeWithoutAuxEqualsSeqLoss(t *testing.T) {
	ds := testLexicon()
	b, _, penc := testBatchAndEncoders(t, ds)
	step := StepConfig{Name: "s", Epochs: 1, CTCEpochs: 5, CTCWeight: 0.7}
	cfg := baseConfig(t, step)
	model := newFakeModel(penc.Len(), penc.EOS(), 3.0, false)
	ctrl := newTestController(t, cfg, step, model, penc, &fakeSearcher{byCall: [][][]int{correctHyps(t, ds, penc)}}, nil)
	ctrl.epoch = 1

	fw, err := ctrl.forward(StageTrain, b)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	total, _, err := ctrl.computeObjectives(StageTrain, b, fw)
	if err != nil {
		t.Fatalf("objectives: %v", err)
	}
	seqOnly, err := loss.Seq(fw.pSeq, b.PhonemesEOS)
	if err != nil {
		t.Fatalf("sequence loss: %v", err)
	}
	if math.Abs(total.Data()[0]-seqOnly.Data()[0]) > 1e-12 {
		t.Fatalf("aux-free train loss %g differs from sequence loss %g", total.Data()[0], seqOnly.Data()[0])
	}
}

// Past the cutoff epoch the auxiliary loss must not contribute even though
// the head exists.
func TestAuxExcludedAfterCutoff(t *testing.T) {
	ds := testLexicon()
	b, _, penc := testBatchAndEncoders(t, ds)
	step := StepConfig{Name: "s", Epochs: 3, CTCEpochs: 2, CTCWeight: 0.5}
	cfg := baseConfig(t, step)
	model := newFakeModel(penc.Len(), penc.EOS(), 3.0, true)
	ctrl := newTestController(t, cfg, step, model, penc, &fakeSearcher{byCall: [][][]int{correctHyps(t, ds, penc)}}, nil)

	ctrl.epoch = 2
	fw, err := ctrl.forward(StageTrain, b)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	within, _, err := ctrl.computeObjectives(StageTrain, b, fw)
	if err != nil {
		t.Fatalf("objectives: %v", err)
	}
	seqOnly, err := loss.Seq(fw.pSeq, b.PhonemesEOS)
	if err != nil {
		t.Fatalf("sequence loss: %v", err)
	}
	if math.Abs(within.Data()[0]-seqOnly.Data()[0]) < 1e-9 {
		t.Fatalf("aux loss had no effect within the cutoff")
	}

	ctrl.epoch = 3
	after, _, err := ctrl.computeObjectives(StageTrain, b, fw)
	if err != nil {
		t.Fatalf("objectives: %v", err)
	}
	if math.Abs(after.Data()[0]-seqOnly.Data()[0]) > 1e-12 {
		t.Fatalf("aux loss leaked past the cutoff: %g vs %g", after.Data()[0], seqOnly.Data()[0])
	}
}

func TestCheckpointRetentionKeepsBest(t *testing.T) {
	ckpt, err := NewCheckpointer(t.TempDir())
	if err != nil {
		t.Fatalf("checkpointer: %v", err)
	}
	model := newFakeModel(4, 1, 1.0, false)
	pred := func(m map[string]float64) bool { _, ok := m["PER"]; return ok }
	for epoch, per := range []float64{0.30, 0.25, 0.28} {
		meta := CkptMeta{Step: "s", Epoch: epoch + 1, Metrics: map[string]float64{"PER": per}}
		if err := ckpt.Save(model, meta, "PER", pred); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	snaps, err := ckpt.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("retained %d checkpoints, want 1", len(snaps))
	}
	if snaps[0].Meta.Epoch != 2 || snaps[0].Meta.Metrics["PER"] != 0.25 {
		t.Fatalf("retained wrong checkpoint: %+v", snaps[0].Meta)
	}
}

func TestCheckpointFrequency(t *testing.T) {
	ds := testLexicon()
	b, _, penc := testBatchAndEncoders(t, ds)
	right := correctHyps(t, ds, penc)
	wrong := make([][]int, len(right))
	for i := range wrong {
		wrong[i] = []int{right[i][1]}
	}
	searcher := &fakeSearcher{byCall: [][][]int{wrong, wrong, wrong, right}}

	step := StepConfig{Name: "s", Epochs: 4}
	cfg := baseConfig(t, step)
	cfg.EnableCheckpoints = true
	cfg.CkptFrequency = 2
	ckpt, err := NewCheckpointer(t.TempDir())
	if err != nil {
		t.Fatalf("checkpointer: %v", err)
	}
	model := newFakeModel(penc.Len(), penc.EOS(), 50.0, false)
	ctrl := newTestController(t, cfg, step, model, penc, searcher, ckpt)

	wantCounts := []int{0, 1, 1, 1}
	wantEpochs := []int{0, 2, 2, 4}
	for epoch := 1; epoch <= 4; epoch++ {
		ctrl.epoch = epoch
		if err := ctrl.RunValid([]*data.Batch{b}); err != nil {
			t.Fatalf("valid epoch %d: %v", epoch, err)
		}
		snaps, err := ckpt.List()
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(snaps) != wantCounts[epoch-1] {
			t.Fatalf("epoch %d: %d checkpoints, want %d", epoch, len(snaps), wantCounts[epoch-1])
		}
		if len(snaps) == 1 && snaps[0].Meta.Epoch != wantEpochs[epoch-1] {
			t.Fatalf("epoch %d: retained epoch %d, want %d", epoch, snaps[0].Meta.Epoch, wantEpochs[epoch-1])
		}
	}
}

func TestCurriculumSkipsZeroEpochStep(t *testing.T) {
	step := StepConfig{Name: "skipped", Epochs: 0}
	cfg := baseConfig(t, step)
	model := newFakeModel(4, 1, 1.0, false)
	driver := &Driver{
		Cfg:    cfg,
		Model:  model,
		Logger: quietLogger(),
	}
	if err := driver.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if model.forwardCalls != 0 {
		t.Fatalf("skipped step ran %d forward passes", model.forwardCalls)
	}
}

// A model reproducing targets exactly yields near-zero loss and zero PER
// after one VALID stage.
func TestValidStagePerfectModel(t *testing.T) {
	ds := testLexicon()
	b, _, penc := testBatchAndEncoders(t, ds)
	for _, frac := range b.GraphemeLens {
		if frac != 1.0 {
			t.Fatalf("expected full-length batch, got fraction %g", frac)
		}
	}
	step := StepConfig{Name: "s", Epochs: 1}
	cfg := baseConfig(t, step)
	model := newFakeModel(penc.Len(), penc.EOS(), 50.0, false)
	searcher := &fakeSearcher{byCall: [][][]int{correctHyps(t, ds, penc)}}
	ctrl := newTestController(t, cfg, step, model, penc, searcher, nil)
	ctrl.epoch = 1

	if err := ctrl.RunValid([]*data.Batch{b}); err != nil {
		t.Fatalf("valid: %v", err)
	}
	if got := ctrl.seqStats.Summarize("average"); got > 1e-6 {
		t.Fatalf("sequence loss = %g, want about 0", got)
	}
	if got := ctrl.perStats.Summarize("error_rate"); got != 0 {
		t.Fatalf("PER = %g, want 0", got)
	}
}

func TestGradientCheckSkipsStep(t *testing.T) {
	ds := testLexicon()
	b, _, penc := testBatchAndEncoders(t, ds)
	step := StepConfig{Name: "s", Epochs: 1}
	cfg := baseConfig(t, step)
	model := newFakeModel(penc.Len(), penc.EOS(), math.Inf(1), false)
	opt := &fakeOptimizer{lr: 0.1}
	deps := ControllerDeps{
		Model:         model,
		Optimizer:     opt,
		ValidSearcher: &fakeSearcher{byCall: [][][]int{correctHyps(t, ds, penc)}},
		TestSearcher:  &fakeSearcher{byCall: [][][]int{correctHyps(t, ds, penc)}},
		Phonemes:      penc,
		Logger:        quietLogger(),
	}
	ctrl, err := NewStageController(cfg, step, deps)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	ctrl.epoch = 1
	if err := ctrl.fitBatch(b); err != nil {
		t.Fatalf("fit batch: %v", err)
	}
	if ctrl.SkippedSteps() != 1 {
		t.Fatalf("skipped = %d, want 1", ctrl.SkippedSteps())
	}
	if opt.steps != 0 {
		t.Fatalf("optimizer stepped despite non-finite gradient")
	}
}

func TestHomographCheckpointMetaUsesHomographPER(t *testing.T) {
	ds := testLexicon()
	for i := range ds.Items {
		ds.Items[i].Word = "read"
		ds.Items[i].WordStart = 0
		ds.Items[i].WordEnd = len(ds.Items[i].Phonemes)
	}
	b, _, penc := testBatchAndEncoders(t, ds)
	searcher := &fakeSearcher{byCall: [][][]int{correctHyps(t, ds, penc)}}
	step := StepConfig{Name: "hg", Epochs: 1, Mode: ModeHomograph, HomographLossWeight: 0.5}
	cfg := baseConfig(t, step)
	cfg.EnableCheckpoints = true
	ckpt, err := NewCheckpointer(t.TempDir())
	if err != nil {
		t.Fatalf("checkpointer: %v", err)
	}
	model := newFakeModel(penc.Len(), penc.EOS(), 50.0, false)
	ctrl := newTestController(t, cfg, step, model, penc, searcher, ckpt)
	ctrl.epoch = 1
	if err := ctrl.RunValid([]*data.Batch{b}); err != nil {
		t.Fatalf("valid: %v", err)
	}
	snaps, err := ckpt.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("checkpoint count = %d", len(snaps))
	}
	per, ok := snaps[0].Meta.Metrics["PER_homograph"]
	if !ok {
		t.Fatalf("checkpoint meta lacks the homograph error rate: %v", snaps[0].Meta.Metrics)
	}
	if per != 0 {
		t.Fatalf("homograph PER = %g, want 0 for a perfect model", per)
	}
	seqLoss, ok := snaps[0].Meta.Metrics["seq_loss_homograph"]
	if !ok {
		t.Fatalf("checkpoint meta lacks the homograph sequence loss: %v", snaps[0].Meta.Metrics)
	}
	if seqLoss > 1e-6 {
		t.Fatalf("homograph sequence loss = %g, want about 0 for a perfect model", seqLoss)
	}
}

// Raw offsets slice the targets directly when no tokenizer is in play;
// word-index translation applies only to tokenized targets.
func TestHomographSpansUntokenizedUseRawOffsets(t *testing.T) {
	b := &data.Batch{
		IDs:         []string{"u1"},
		Phonemes:    [][]int{{5, 6, 2, 7, 8}},
		PhonemeBase: [][]int{{5, 6, 2, 7, 8}},
		WordStarts:  []int{4},
		WordEnds:    []int{5},
	}
	step := StepConfig{Name: "hg", Epochs: 1, Mode: ModeHomograph, HomographLossWeight: 1}
	m := strategyFor(step).(*homographMode)
	m.extractor = loss.Extractor{WordSeparator: 2, WordSeparatorBase: 2}
	spans, err := m.spans(b)
	if err != nil {
		t.Fatalf("spans: %v", err)
	}
	if want := (loss.Range{Start: 4, End: 5}); spans[0] != want {
		t.Fatalf("untokenized span = %+v, want %+v", spans[0], want)
	}
}

func TestHomographSpansTokenizedMapByWord(t *testing.T) {
	b := &data.Batch{
		IDs:         []string{"u1"},
		Phonemes:    [][]int{{5, 6, 2, 7, 8}},
		PhonemeBase: [][]int{{5, 6, 2, 7, 8}},
		WordStarts:  []int{4},
		WordEnds:    []int{5},
	}
	step := StepConfig{
		Name: "hg", Epochs: 1, Mode: ModeHomograph,
		HomographLossWeight: 1, TokenizedPhonemes: true,
	}
	m := strategyFor(step).(*homographMode)
	m.extractor = loss.Extractor{WordSeparator: 2, WordSeparatorBase: 2}
	spans, err := m.spans(b)
	if err != nil {
		t.Fatalf("spans: %v", err)
	}
	if want := (loss.Range{Start: 3, End: 5}); spans[0] != want {
		t.Fatalf("tokenized span = %+v, want %+v", spans[0], want)
	}
}

// The VALID record carries the total stage loss alongside the plain
// sequence term; in homograph mode the extra term separates the two.
func TestValidStatsIncludeTotalAndSeqLoss(t *testing.T) {
	ds := testLexicon()
	for i := range ds.Items {
		ds.Items[i].Word = "read"
		ds.Items[i].WordStart = 0
		ds.Items[i].WordEnd = len(ds.Items[i].Phonemes)
	}
	b, _, penc := testBatchAndEncoders(t, ds)
	step := StepConfig{Name: "hg", Epochs: 1, Mode: ModeHomograph, HomographLossWeight: 1}
	cfg := baseConfig(t, step)
	model := newFakeModel(penc.Len(), penc.EOS(), 2.0, false)
	searcher := &fakeSearcher{byCall: [][][]int{correctHyps(t, ds, penc)}}
	ctrl := newTestController(t, cfg, step, model, penc, searcher, nil)
	ctrl.epoch = 1
	if err := ctrl.RunValid([]*data.Batch{b}); err != nil {
		t.Fatalf("valid: %v", err)
	}
	stats := ctrl.stageStats()
	if stats["loss"] <= stats["seq_loss"] {
		t.Fatalf("total loss %g should exceed the sequence term %g", stats["loss"], stats["seq_loss"])
	}
	if stats["seq_loss_homograph"] <= 0 {
		t.Fatalf("homograph sequence loss = %g, want positive", stats["seq_loss_homograph"])
	}
}

func TestLoadBestErrorKinds(t *testing.T) {
	ckpt, err := NewCheckpointer(t.TempDir())
	if err != nil {
		t.Fatalf("checkpointer: %v", err)
	}
	model := newFakeModel(4, 1, 1.0, false)
	pred := func(m map[string]float64) bool { _, ok := m["PER"]; return ok }

	_, err = ckpt.LoadBest(model, "PER", pred)
	if errors.Cause(err) != ErrNoCheckpoint {
		t.Fatalf("empty store: want ErrNoCheckpoint, got %v", err)
	}

	dir := filepath.Join(ckpt.root, "broken")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ckptMetaFile), []byte("{"), 0o644); err != nil {
		t.Fatalf("write meta: %v", err)
	}
	_, err = ckpt.LoadBest(model, "PER", pred)
	if err == nil || errors.Cause(err) == ErrNoCheckpoint {
		t.Fatalf("corrupt store must not read as missing: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	good := Config{
		OutputDir: "out",
		BatchSize: 8,
		BeamWidth: 4,
		Steps:     []StepConfig{{Name: "a", Epochs: 1}},
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if good.CkptFrequency != 1 || good.BeamWidthValid != 4 {
		t.Fatalf("defaults not applied: %+v", good)
	}

	bad := good
	bad.Steps = []StepConfig{{Name: "a", Epochs: 1, SortMode: "by_vibes"}}
	err := bad.Validate()
	if err == nil || !strings.Contains(err.Error(), "sorting mode") {
		t.Fatalf("unsupported sorting mode accepted: %v", err)
	}

	bad = good
	bad.Anneal = "cosine"
	if err := bad.Validate(); err == nil {
		t.Fatalf("unsupported annealing strategy accepted")
	}

	bad = good
	bad.Steps = []StepConfig{{Name: "a", Epochs: 1, Sample: -5}}
	if err := bad.Validate(); err == nil {
		t.Fatalf("negative sample count accepted")
	}
}
