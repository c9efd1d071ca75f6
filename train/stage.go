package train

import (
	"io"
	"strconv"

	"github.com/pkg/errors"

	"github.com/fumitoshi0524/g2pNet/data"
	"github.com/fumitoshi0524/g2pNet/loss"
	"github.com/fumitoshi0524/g2pNet/metrics"
	"github.com/fumitoshi0524/g2pNet/nn"
	"github.com/fumitoshi0524/g2pNet/optim"
	"github.com/fumitoshi0524/g2pNet/tensor"
)

// Stage identifies the current phase of an epoch.
type Stage int

const (
	StageTrain Stage = iota
	StageValid
	StageTest
)

func (s Stage) String() string {
	switch s {
	case StageTrain:
		return "train"
	case StageValid:
		return "valid"
	default:
		return "test"
	}
}

// Model is the forward collaborator contract.
type Model interface {
	nn.StatefulModule
	Forward(graphemes *tensor.Tensor, graphemeLens []float64, phonemes, wordEmb *tensor.Tensor) (*tensor.Tensor, []float64, *tensor.Tensor, [][][]float64, error)
}

// AuxModel is implemented by models carrying the auxiliary CTC head.
type AuxModel interface {
	HasCTCHead() bool
	CTCLogProbs(encOut *tensor.Tensor) (*tensor.Tensor, error)
}

// Searcher decodes hypothesis sequences from encoder outputs.
type Searcher interface {
	Search(encOut *tensor.Tensor, lens []float64) ([][]int, []float64, error)
}

// Optimizer updates model parameters and exposes its learning rate.
type Optimizer interface {
	Step() error
	ZeroGrad()
	LR() float64
	SetLR(float64)
}

// WordEmbedder optionally provides per-position conditioning features for
// the encoder input.
type WordEmbedder interface {
	Embed(b *data.Batch) (*tensor.Tensor, error)
}

// ControllerDeps bundles the collaborators a stage controller drives.
type ControllerDeps struct {
	Model         Model
	Optimizer     Optimizer
	ValidSearcher Searcher
	TestSearcher  Searcher
	WordEmbedder  WordEmbedder
	Phonemes      *data.LabelEncoder
	Checkpointer  *Checkpointer
	Logger        *StatsLogger
	Reports       *ReportWriter
	Viz           Sink
}

// StageController runs one training step's epochs as a TRAIN/VALID state
// machine with a final TEST stage.
type StageController struct {
	cfg  *Config
	step StepConfig
	mode modeStrategy
	deps ControllerDeps

	logger *StatsLogger
	sched  optim.Scheduler

	epoch      int
	globalStep int
	// lastAttn holds the attention weights of the most recent forward
	// pass, read once per epoch for visualization.
	lastAttn     [][][]float64
	trainLossAvg float64
	skipped      int

	totalStats   metrics.LossStats
	seqStats     metrics.LossStats
	homographSeq metrics.LossStats
	perStats     metrics.ErrorRateStats
	homographPER metrics.ErrorRateStats
	classStats   metrics.ClassificationStats
}

func NewStageController(cfg *Config, step StepConfig, deps ControllerDeps) (*StageController, error) {
	if deps.Model == nil || deps.Optimizer == nil {
		return nil, errors.New("stage controller requires a model and an optimizer")
	}
	if deps.Phonemes == nil {
		return nil, errors.New("stage controller requires the phoneme encoder")
	}
	if cfg.EnableMetrics && (deps.ValidSearcher == nil || deps.TestSearcher == nil) {
		return nil, errors.New("metrics require beam searchers")
	}
	if cfg.EnableCheckpoints && deps.Checkpointer == nil {
		return nil, errors.New("checkpoints enabled without a checkpointer")
	}
	if deps.Logger == nil {
		deps.Logger = NewStatsLogger(nil)
	}
	c := &StageController{
		cfg:    cfg,
		step:   step,
		mode:   strategyFor(step),
		deps:   deps,
		logger: deps.Logger.WithPrefix(step.Name),
	}
	switch cfg.Anneal {
	case "newbob":
		c.sched = optim.NewBobScheduler(cfg.AnnealThreshold, cfg.AnnealFactor, cfg.AnnealPatience)
	case "plateau":
		c.sched = optim.NewPlateau(cfg.AnnealFactor, cfg.AnnealPatience, cfg.MinLR)
	case "schedule":
		interval := cfg.AnnealPatience
		if interval < 1 {
			interval = 1
		}
		c.sched = optim.NewStepDecay(cfg.AnnealFactor, interval)
	}
	return c, nil
}

// Epoch returns the last epoch the controller ran.
func (c *StageController) Epoch() int { return c.epoch }

// SkippedSteps returns how many optimizer steps were skipped on
// gradient-check failures.
func (c *StageController) SkippedSteps() int { return c.skipped }

// Fit runs the step's full epoch budget: TRAIN then VALID per epoch.
func (c *StageController) Fit(trainBatches, validBatches []*data.Batch) error {
	for epoch := 1; epoch <= c.step.Epochs; epoch++ {
		c.epoch = epoch
		if err := c.runTrain(trainBatches); err != nil {
			return err
		}
		if err := c.RunValid(validBatches); err != nil {
			return err
		}
	}
	return nil
}

func (c *StageController) onStageStart() {
	c.mode.onStageStart(c.deps.Phonemes)
	c.totalStats.Clear()
	c.seqStats.Clear()
	c.homographSeq.Clear()
	c.perStats.Clear()
	c.homographPER.Clear()
	c.classStats.Clear()
}

func (c *StageController) runTrain(batches []*data.Batch) error {
	c.onStageStart()
	for _, b := range batches {
		if err := c.fitBatch(b); err != nil {
			return err
		}
	}
	c.trainLossAvg = c.totalStats.Summarize("average")
	return nil
}

func (c *StageController) fitBatch(b *data.Batch) error {
	c.deps.Optimizer.ZeroGrad()
	fw, err := c.forward(StageTrain, b)
	if err != nil {
		return err
	}
	total, _, err := c.computeObjectives(StageTrain, b, fw)
	if err != nil {
		return err
	}
	value := total.Data()[0]
	if err := total.Backward(); err != nil {
		return errors.Wrap(err, "backward")
	}
	params := c.deps.Model.Parameters()
	if !optim.FiniteGrads(params) {
		c.skipped++
		c.logger.Printf("skipping optimizer step: non-finite gradient (epoch %d)", c.epoch)
		return nil
	}
	if c.cfg.GradClipNorm > 0 {
		optim.ClipGradNorm(params, c.cfg.GradClipNorm, 2)
	}
	if err := c.deps.Optimizer.Step(); err != nil {
		return errors.Wrap(err, "optimizer step")
	}
	c.totalStats.AppendBatch(b.IDs, value)
	c.globalStep++
	if c.sched != nil && c.cfg.AnnealMode == "step" {
		_, next := c.sched.Update(c.deps.Optimizer.LR(), value)
		c.deps.Optimizer.SetLR(next)
	}
	return nil
}

type forwardResult struct {
	pSeq    *tensor.Tensor
	outLens []float64
	encOut  *tensor.Tensor
	hyps    [][]int
}

func (c *StageController) forward(stage Stage, b *data.Batch) (*forwardResult, error) {
	var wordEmb *tensor.Tensor
	if c.deps.WordEmbedder != nil {
		var err error
		wordEmb, err = c.deps.WordEmbedder.Embed(b)
		if err != nil {
			return nil, errors.Wrap(err, "word embedding")
		}
	}
	pSeq, outLens, encOut, attn, err := c.deps.Model.Forward(b.Graphemes, b.GraphemeLens, b.PhonemeBOS, wordEmb)
	if err != nil {
		return nil, errors.Wrap(err, "forward")
	}
	c.lastAttn = attn
	fw := &forwardResult{pSeq: pSeq, outLens: outLens, encOut: encOut}
	if stage != StageTrain && c.cfg.EnableMetrics {
		searcher := c.deps.ValidSearcher
		if stage == StageTest {
			searcher = c.deps.TestSearcher
		}
		fw.hyps, _, err = searcher.Search(encOut, outLens)
		if err != nil {
			return nil, errors.Wrap(err, "beam search")
		}
	}
	return fw, nil
}

// computeObjectives composes the batch loss and, outside TRAIN with
// metrics enabled, the metrics delta the accumulators should absorb.
func (c *StageController) computeObjectives(stage Stage, b *data.Batch, fw *forwardResult) (*tensor.Tensor, *MetricsDelta, error) {
	seqTerm, err := loss.Seq(fw.pSeq, b.PhonemesEOS)
	if err != nil {
		return nil, nil, errors.Wrap(err, "sequence loss")
	}
	total := seqTerm

	aux, hasAux := c.deps.Model.(AuxModel)
	if hasAux && aux.HasCTCHead() && stage == StageTrain && c.epoch <= c.step.CTCEpochs {
		ctcLP, err := aux.CTCLogProbs(fw.encOut)
		if err != nil {
			return nil, nil, errors.Wrap(err, "ctc head")
		}
		ctcTerm, err := loss.CTC(ctcLP, b.Phonemes, b.GraphemeLens, c.deps.Phonemes.BOS())
		if err != nil {
			return nil, nil, errors.Wrap(err, "ctc loss")
		}
		w := c.step.CTCWeight
		seqPart, err := tensor.Mul(seqTerm, tensor.Full(1-w, 1))
		if err != nil {
			return nil, nil, err
		}
		ctcPart, err := tensor.Mul(ctcTerm, tensor.Full(w, 1))
		if err != nil {
			return nil, nil, err
		}
		total, err = tensor.Add(seqPart, ctcPart)
		if err != nil {
			return nil, nil, err
		}
	}

	extra, err := c.mode.extraLoss(fw.pSeq, b)
	if err != nil {
		return nil, nil, err
	}
	if extra != nil {
		total, err = tensor.Add(total, extra)
		if err != nil {
			return nil, nil, err
		}
	}

	if stage == StageTrain {
		return total, nil, nil
	}
	delta := &MetricsDelta{
		IDs:       b.IDs,
		SeqLoss:   seqTerm.Data()[0],
		TotalLoss: total.Data()[0],
	}
	if !c.cfg.EnableMetrics {
		return total, delta, nil
	}
	for i := range b.IDs {
		ref, err := c.deps.Phonemes.Decode(b.Phonemes[i])
		if err != nil {
			return nil, nil, errors.Wrap(err, "decode reference")
		}
		hyp, err := c.deps.Phonemes.Decode(fw.hyps[i])
		if err != nil {
			return nil, nil, errors.Wrap(err, "decode hypothesis")
		}
		delta.Refs = append(delta.Refs, ref)
		delta.Hyps = append(delta.Hyps, hyp)
	}
	if err := c.mode.extendDelta(delta, b, fw.pSeq, fw.hyps, c.deps.Phonemes); err != nil {
		return nil, nil, err
	}
	return total, delta, nil
}

func (c *StageController) applyDelta(delta *MetricsDelta) error {
	if delta == nil {
		return nil
	}
	c.totalStats.AppendBatch(delta.IDs, delta.TotalLoss)
	c.seqStats.AppendBatch(delta.IDs, delta.SeqLoss)
	if len(delta.Hyps) > 0 {
		if err := c.perStats.Append(delta.IDs, delta.Hyps, delta.Refs); err != nil {
			return err
		}
	}
	if len(delta.HomographWords) > 0 {
		c.homographSeq.AppendBatch(delta.IDs, delta.HomographSeqLoss)
		if err := c.homographPER.Append(delta.IDs, delta.HomographHyps, delta.HomographRefs); err != nil {
			return err
		}
		if err := c.classStats.Append(delta.HomographWords, delta.HomographHyps, delta.HomographRefs); err != nil {
			return err
		}
	}
	return nil
}

func (c *StageController) evaluateBatch(stage Stage, b *data.Batch) error {
	fw, err := c.forward(stage, b)
	if err != nil {
		return err
	}
	_, delta, err := c.computeObjectives(stage, b, fw)
	if err != nil {
		return err
	}
	return c.applyDelta(delta)
}

func (c *StageController) stageStats() map[string]float64 {
	stats := map[string]float64{
		"loss": c.totalStats.Summarize("average"),
	}
	if c.cfg.EnableMetrics {
		stats["seq_loss"] = c.seqStats.Summarize("average")
		stats["PER"] = c.perStats.Summarize("error_rate")
		if c.step.Mode == ModeHomograph {
			stats["seq_loss_homograph"] = c.homographSeq.Summarize("average")
			stats["PER_homograph"] = c.homographPER.Summarize("error_rate")
			stats["accuracy_homograph"] = c.classStats.Summarize("accuracy")
		}
	}
	return stats
}

// RunValid evaluates the validation set and applies the VALID-end side
// effects: annealing, logging, checkpointing, interim reports and
// visualization.
func (c *StageController) RunValid(batches []*data.Batch) error {
	c.onStageStart()
	for _, b := range batches {
		if err := c.evaluateBatch(StageValid, b); err != nil {
			return err
		}
	}
	stats := c.stageStats()
	stats["train_loss"] = c.trainLossAvg

	if c.sched != nil && c.cfg.AnnealMode == "epoch" {
		metric := stats["loss"]
		switch c.cfg.Anneal {
		case "newbob":
			if c.cfg.EnableMetrics {
				metric = stats["PER"]
			}
		case "plateau":
			metric = c.trainLossAvg
		}
		_, next := c.sched.Update(c.deps.Optimizer.LR(), metric)
		c.deps.Optimizer.SetLR(next)
	}
	stats["lr"] = c.deps.Optimizer.LR()

	c.logger.Log("valid", map[string]string{"epoch": strconv.Itoa(c.epoch)}, stats)

	if c.cfg.EnableCheckpoints && c.epoch%c.cfg.CkptFrequency == 0 {
		meta := CkptMeta{Step: c.step.Name, Epoch: c.epoch, Metrics: map[string]float64{}}
		for key, value := range stats {
			meta.Metrics[key] = value
		}
		if err := c.deps.Checkpointer.Save(c.deps.Model, meta, c.mode.checkpointKey(), c.mode.checkpointPredicate); err != nil {
			return errors.Wrap(err, "checkpoint")
		}
	}

	if c.cfg.EnableInterimReports && c.deps.Reports != nil && c.cfg.EnableMetrics {
		if err := c.writeReports(func(name string, render func(io.Writer) error) error {
			return c.deps.Reports.WriteInterim(c.epoch, name, render)
		}); err != nil {
			return err
		}
	}
	return c.visualize(stats)
}

// Evaluate runs the TEST stage and writes final reports. epochLoaded names
// the epoch whose weights are being evaluated.
func (c *StageController) Evaluate(batches []*data.Batch, epochLoaded int) error {
	c.onStageStart()
	for _, b := range batches {
		if err := c.evaluateBatch(StageTest, b); err != nil {
			return err
		}
	}
	stats := c.stageStats()
	c.logger.Log("test", map[string]string{"epoch_loaded": strconv.Itoa(epochLoaded)}, stats)
	if c.deps.Reports != nil && c.cfg.EnableMetrics {
		return c.writeReports(func(name string, render func(io.Writer) error) error {
			return c.deps.Reports.WriteFinal(name, render)
		})
	}
	return nil
}

func (c *StageController) writeReports(write func(name string, render func(io.Writer) error) error) error {
	if err := write("loss.txt", c.seqStats.WriteStats); err != nil {
		return err
	}
	if err := write("per.txt", c.perStats.WriteStats); err != nil {
		return err
	}
	if c.step.Mode == ModeHomograph {
		if err := write("per_homograph.txt", c.homographPER.WriteStats); err != nil {
			return err
		}
		if err := write("homograph_accuracy.txt", c.classStats.WriteStats); err != nil {
			return err
		}
	}
	return nil
}

func (c *StageController) visualize(stats map[string]float64) error {
	v := c.deps.Viz
	if v == nil {
		return nil
	}
	for key, value := range stats {
		if err := v.Scalar(key, c.globalStep, value); err != nil {
			return errors.Wrap(err, "viz scalar")
		}
	}
	if len(c.lastAttn) > 0 {
		if err := v.Image("attention", c.globalStep, attentionImage(c.lastAttn[0])); err != nil {
			return errors.Wrap(err, "viz attention")
		}
	}
	groups := sampleGroups(c.perStats.Scores(), c.cfg.VizWorst, c.cfg.VizLast, c.cfg.VizRandom, c.cfg.Seed+int64(c.globalStep))
	for name, items := range groups {
		if err := v.Text("samples_"+name, c.globalStep, sampleLines(items)); err != nil {
			return errors.Wrap(err, "viz samples")
		}
	}
	return nil
}
