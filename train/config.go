// Package train orchestrates curriculum training: per-step stage control
// (TRAIN/VALID/TEST), loss composition, checkpointing, learning-rate
// annealing, reporting and visualization.
package train

import (
	"github.com/pkg/errors"
)

// Mode selects how a training step treats its data.
type Mode int

const (
	// ModeNormal trains plain sequence prediction.
	ModeNormal Mode = iota
	// ModeHomograph adds a sub-sequence loss and per-word accuracy over
	// annotated homograph spans.
	ModeHomograph
)

func (m Mode) String() string {
	if m == ModeHomograph {
		return "homograph"
	}
	return "normal"
}

// StepConfig is one curriculum training step.
type StepConfig struct {
	Name   string
	Epochs int
	Mode   Mode

	TrainOrigin string
	ValidOrigin string
	TestOrigin  string

	// Auxiliary CTC loss is active during TRAIN while epoch <= CTCEpochs.
	CTCEpochs int
	CTCWeight float64

	HomographLossWeight float64

	SortMode string
	// Sample caps the training split at a fixed item count; zero disables.
	Sample           int
	SubsampleShuffle bool
	Rebalance        bool

	// TokenizedPhonemes marks the step's targets as tokenized, so homograph
	// offsets must be translated from the raw phoneme space by word index.
	TokenizedPhonemes bool

	Revalidate bool
	Retest     bool
}

// Config is the full, immutable run configuration. Resolve it once and
// validate before use; every recognized option has a typed default.
type Config struct {
	OutputDir string
	Seed      int64

	BatchSize      int
	BeamWidth      int
	BeamWidthValid int
	MaxLenRatio    float64

	EnableMetrics        bool
	EnableCheckpoints    bool
	CkptFrequency        int
	EnableInterimReports bool

	GradClipNorm float64

	// Anneal selects the single learning-rate strategy: "newbob" (error
	// rate plateau), "plateau" (train loss plateau), "schedule" (epoch
	// indexed decay) or "" for a fixed rate.
	Anneal          string
	AnnealMode      string // "epoch" or "step"
	AnnealFactor    float64
	AnnealThreshold float64
	AnnealPatience  int
	MinLR           float64

	VizWorst  int
	VizLast   int
	VizRandom int

	Steps []StepConfig
}

var sortModes = map[string]bool{
	"":           true,
	"ascending":  true,
	"descending": true,
	"random":     true,
}

// Validate checks the configuration. All violations are fatal setup errors.
func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return errors.New("output directory is required")
	}
	if c.BatchSize < 1 {
		return errors.New("batch size must be positive")
	}
	if c.BeamWidth < 1 {
		return errors.New("beam width must be positive")
	}
	if c.BeamWidthValid < 1 {
		c.BeamWidthValid = c.BeamWidth
	}
	if c.MaxLenRatio <= 0 {
		c.MaxLenRatio = 2.0
	}
	if c.CkptFrequency < 1 {
		c.CkptFrequency = 1
	}
	switch c.Anneal {
	case "", "newbob", "plateau", "schedule":
	default:
		return errors.Errorf("unsupported annealing strategy %q", c.Anneal)
	}
	switch c.AnnealMode {
	case "":
		c.AnnealMode = "epoch"
	case "epoch", "step":
	default:
		return errors.Errorf("unsupported annealing mode %q", c.AnnealMode)
	}
	if c.Anneal != "" && (c.AnnealFactor <= 0 || c.AnnealFactor > 1) {
		return errors.New("annealing factor must be in (0, 1]")
	}
	if len(c.Steps) == 0 {
		return errors.New("at least one training step is required")
	}
	seen := map[string]bool{}
	for i := range c.Steps {
		step := &c.Steps[i]
		if step.Name == "" {
			return errors.Errorf("step %d has no name", i)
		}
		if seen[step.Name] {
			return errors.Errorf("duplicate step name %q", step.Name)
		}
		seen[step.Name] = true
		if step.Epochs < 0 {
			return errors.Errorf("step %q: negative epoch budget", step.Name)
		}
		if !sortModes[step.SortMode] {
			return errors.Errorf("step %q: unsupported sorting mode %q", step.Name, step.SortMode)
		}
		if step.CTCWeight < 0 || step.CTCWeight > 1 {
			return errors.Errorf("step %q: CTC weight must be in [0, 1]", step.Name)
		}
		if step.HomographLossWeight < 0 {
			return errors.Errorf("step %q: negative homograph loss weight", step.Name)
		}
		if step.Sample < 0 {
			return errors.Errorf("step %q: negative sample count", step.Name)
		}
		if step.Mode == ModeHomograph && step.HomographLossWeight == 0 {
			step.HomographLossWeight = 1
		}
	}
	return nil
}
