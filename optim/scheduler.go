package optim

import "math"

// Scheduler adjusts a learning rate from an observed metric. Update returns
// the rate before and after adjustment.
type Scheduler interface {
	Update(lr, metric float64) (old, next float64)
}

// NewBob anneals when the relative improvement of an error metric falls
// below a threshold, waiting out a patience budget first.
type NewBob struct {
	threshold float64
	factor    float64
	patient   int

	waited  int
	prev    float64
	hasPrev bool
}

func NewBobScheduler(improvementThreshold, annealFactor float64, patient int) *NewBob {
	return &NewBob{
		threshold: improvementThreshold,
		factor:    annealFactor,
		patient:   patient,
	}
}

func (s *NewBob) Update(lr, metric float64) (float64, float64) {
	old := lr
	if s.hasPrev {
		denom := math.Abs(s.prev)
		if denom == 0 {
			denom = math.SmallestNonzeroFloat64
		}
		improvement := (s.prev - metric) / denom
		if improvement < s.threshold {
			if s.waited < s.patient {
				s.waited++
			} else {
				lr *= s.factor
				s.waited = 0
			}
		} else {
			s.waited = 0
		}
	}
	s.prev = metric
	s.hasPrev = true
	return old, lr
}

// Plateau multiplies the rate by a factor after the tracked loss has failed
// to reach a new best for more than patience updates.
type Plateau struct {
	factor   float64
	patience int
	minLR    float64

	best    float64
	hasBest bool
	bad     int
}

func NewPlateau(factor float64, patience int, minLR float64) *Plateau {
	return &Plateau{factor: factor, patience: patience, minLR: minLR}
}

func (s *Plateau) Update(lr, loss float64) (float64, float64) {
	old := lr
	if !s.hasBest || loss < s.best {
		s.best = loss
		s.hasBest = true
		s.bad = 0
		return old, lr
	}
	s.bad++
	if s.bad > s.patience {
		lr *= s.factor
		if lr < s.minLR {
			lr = s.minLR
		}
		s.bad = 0
	}
	return old, lr
}

// StepDecay multiplies the rate by gamma every interval updates, ignoring
// the metric.
type StepDecay struct {
	gamma    float64
	interval int
	count    int
}

func NewStepDecay(gamma float64, interval int) *StepDecay {
	if interval < 1 {
		interval = 1
	}
	return &StepDecay{gamma: gamma, interval: interval}
}

func (s *StepDecay) Update(lr, _ float64) (float64, float64) {
	old := lr
	s.count++
	if s.count%s.interval == 0 {
		lr *= s.gamma
	}
	return old, lr
}
