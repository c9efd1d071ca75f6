package train

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/fumitoshi0524/g2pNet/data"
	"github.com/fumitoshi0524/g2pNet/decode"
)

// Driver iterates the configured curriculum steps in order, rebuilding the
// data pipeline and a fresh stage controller for each.
type Driver struct {
	Cfg       *Config
	Dataset   *data.Dataset
	Model     Model
	Optimizer Optimizer
	// Stepper runs the model's step-wise decoder for beam search; usually
	// the model itself.
	Stepper      decode.Stepper
	Graphemes    *data.LabelEncoder
	Phonemes     *data.LabelEncoder
	Logger       *StatsLogger
	Viz          Sink
	WordEmbedder WordEmbedder
}

// Run executes every training step. Steps with an epoch budget below one
// are skipped with a log line.
func (d *Driver) Run() error {
	if d.Logger == nil {
		d.Logger = NewStatsLogger(nil)
	}
	for _, step := range d.Cfg.Steps {
		if step.Epochs < 1 {
			d.Logger.Printf("Skipping training step: %s", step.Name)
			continue
		}
		if err := d.runStep(step); err != nil {
			return errors.Wrapf(err, "step %s", step.Name)
		}
	}
	return nil
}

// buildPipeline applies the step's origin filter, sorting, subsampling and
// balancing policies to the training split.
func (d *Driver) buildPipeline(step StepConfig) (*data.Dataset, error) {
	trainSet := d.Dataset.FilterOrigin(step.TrainOrigin)
	if step.SortMode != "" {
		if err := trainSet.Sort(step.SortMode, d.Cfg.Seed); err != nil {
			return nil, err
		}
	}
	if step.Sample > 0 {
		trainSet = trainSet.Subsample(step.Sample, step.SubsampleShuffle, d.Cfg.Seed)
	}
	if step.Rebalance && step.Mode == ModeHomograph {
		trainSet = trainSet.RebalanceByWord(d.Cfg.Seed)
	}
	return trainSet, nil
}

func (d *Driver) runStep(step StepConfig) error {
	trainSet, err := d.buildPipeline(step)
	if err != nil {
		return err
	}
	trainBatches, err := trainSet.Batches(d.Cfg.BatchSize, d.Graphemes, d.Phonemes)
	if err != nil {
		return errors.Wrap(err, "train batches")
	}
	validBatches, err := d.Dataset.FilterOrigin(step.ValidOrigin).Batches(d.Cfg.BatchSize, d.Graphemes, d.Phonemes)
	if err != nil {
		return errors.Wrap(err, "valid batches")
	}
	testBatches, err := d.Dataset.FilterOrigin(step.TestOrigin).Batches(d.Cfg.BatchSize, d.Graphemes, d.Phonemes)
	if err != nil {
		return errors.Wrap(err, "test batches")
	}

	deps := ControllerDeps{
		Model:        d.Model,
		Optimizer:    d.Optimizer,
		WordEmbedder: d.WordEmbedder,
		Phonemes:     d.Phonemes,
		Logger:       d.Logger,
		Reports:      NewReportWriter(d.Cfg.OutputDir, step.Name),
		Viz:          d.Viz,
	}
	if d.Cfg.EnableMetrics {
		deps.ValidSearcher = &decode.BeamSearcher{
			Stepper:     d.Stepper,
			Width:       d.Cfg.BeamWidthValid,
			BOS:         d.Phonemes.BOS(),
			EOS:         d.Phonemes.EOS(),
			MaxLenRatio: d.Cfg.MaxLenRatio,
		}
		deps.TestSearcher = &decode.BeamSearcher{
			Stepper:     d.Stepper,
			Width:       d.Cfg.BeamWidth,
			BOS:         d.Phonemes.BOS(),
			EOS:         d.Phonemes.EOS(),
			MaxLenRatio: d.Cfg.MaxLenRatio,
		}
	}
	if d.Cfg.EnableCheckpoints {
		deps.Checkpointer, err = NewCheckpointer(filepath.Join(d.Cfg.OutputDir, "checkpoints", step.Name))
		if err != nil {
			return err
		}
	}

	ctrl, err := NewStageController(d.Cfg, step, deps)
	if err != nil {
		return err
	}

	fresh := !d.stepDone(step.Name)
	if fresh {
		if err := ctrl.Fit(trainBatches, validBatches); err != nil {
			return err
		}
		if step.Revalidate {
			if err := ctrl.RunValid(validBatches); err != nil {
				return err
			}
		}
	} else {
		d.Logger.Printf("Training step %s already completed", step.Name)
	}

	if fresh || step.Retest {
		mode := strategyFor(step)
		epochLoaded := ctrl.Epoch()
		if deps.Checkpointer != nil {
			snap, err := deps.Checkpointer.LoadBest(d.Model, mode.checkpointKey(), mode.checkpointPredicate)
			switch {
			case err == nil:
				epochLoaded = snap.Meta.Epoch
			case errors.Cause(err) == ErrNoCheckpoint:
				// No usable snapshot; evaluate the final-epoch weights.
			default:
				return err
			}
		}
		if err := ctrl.Evaluate(testBatches, epochLoaded); err != nil {
			return err
		}
	}

	if fresh {
		if deps.Checkpointer != nil {
			mode := strategyFor(step)
			snaps, err := deps.Checkpointer.List()
			if err != nil {
				return err
			}
			if len(snaps) > 0 && d.Cfg.EnableMetrics {
				export := filepath.Join(d.Cfg.OutputDir, "export", step.Name+".json")
				if err := deps.Checkpointer.ExportBest(export, mode.checkpointKey(), mode.checkpointPredicate); err != nil {
					return err
				}
			}
		}
		if err := d.markDone(step.Name); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) doneMarker(name string) string {
	return filepath.Join(d.Cfg.OutputDir, "steps", name+".done")
}

func (d *Driver) stepDone(name string) bool {
	_, err := os.Stat(d.doneMarker(name))
	return err == nil
}

func (d *Driver) markDone(name string) error {
	path := d.doneMarker(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create step marker dir")
	}
	return errors.Wrap(os.WriteFile(path, []byte("done\n"), 0o644), "write step marker")
}
