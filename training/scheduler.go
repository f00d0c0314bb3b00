package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-detector/checkpoints"
)

// LRAdjustable is an optimizer whose learning rate a scheduler can drive
type LRAdjustable interface {
	LearningRate() float64
	SetLearningRate(lr float64)
}

// ReduceLROnPlateau reduces the learning rate when a monitored metric has
// stopped improving for more than Patience epochs
type ReduceLROnPlateau struct {
	Factor    float64 // multiplicative reduction applied to the learning rate
	Patience  int     // non-improving epochs tolerated before reducing
	Threshold float64 // absolute margin a metric must beat the best by
	Mode      string  // "min" or "max"
	MinLR     float64 // lower bound for the learning rate
	Eps       float64 // reductions smaller than this are skipped

	optimizer    LRAdjustable
	best         float64
	numBadEpochs int
	lastEpoch    int
	initialized  bool
}

// NewReduceLROnPlateau creates a plateau scheduler driving opt
func NewReduceLROnPlateau(opt LRAdjustable, factor float64, patience int, mode string) (*ReduceLROnPlateau, error) {
	if opt == nil {
		return nil, fmt.Errorf("scheduler needs an optimizer")
	}
	if factor <= 0 || factor >= 1 {
		return nil, fmt.Errorf("factor must be in (0, 1), got %f", factor)
	}
	if patience < 0 {
		return nil, fmt.Errorf("patience must not be negative, got %d", patience)
	}
	if mode != "min" && mode != "max" {
		return nil, fmt.Errorf("mode must be \"min\" or \"max\", got %q", mode)
	}

	return &ReduceLROnPlateau{
		Factor:    factor,
		Patience:  patience,
		Threshold: 1e-4,
		Mode:      mode,
		Eps:       1e-8,
		optimizer: opt,
		lastEpoch: -1,
	}, nil
}

// Step records the epoch's metric and reduces the learning rate on a plateau
func (s *ReduceLROnPlateau) Step(metric float64) error {
	if math.IsNaN(metric) {
		return fmt.Errorf("plateau scheduler received NaN metric")
	}
	s.lastEpoch++

	if !s.initialized || s.isBetter(metric) {
		s.best = metric
		s.numBadEpochs = 0
		s.initialized = true
		return nil
	}

	s.numBadEpochs++
	if s.numBadEpochs > s.Patience {
		oldLR := s.optimizer.LearningRate()
		newLR := math.Max(oldLR*s.Factor, s.MinLR)
		if oldLR-newLR > s.Eps {
			s.optimizer.SetLearningRate(newLR)
		}
		s.numBadEpochs = 0
	}
	return nil
}

func (s *ReduceLROnPlateau) isBetter(metric float64) bool {
	if s.Mode == "max" {
		return metric > s.best+s.Threshold
	}
	return metric < s.best-s.Threshold
}

// StateDict exports the scheduler's settings and counters
func (s *ReduceLROnPlateau) StateDict() *checkpoints.SchedulerState {
	mode := 0.0
	if s.Mode == "max" {
		mode = 1
	}
	initialized := 0.0
	if s.initialized {
		initialized = 1
	}
	return &checkpoints.SchedulerState{
		Type: "ReduceLROnPlateau",
		Values: map[string]float64{
			"factor":         s.Factor,
			"patience":       float64(s.Patience),
			"threshold":      s.Threshold,
			"mode":           mode,
			"min_lr":         s.MinLR,
			"eps":            s.Eps,
			"best":           s.best,
			"num_bad_epochs": float64(s.numBadEpochs),
			"last_epoch":     float64(s.lastEpoch),
			"initialized":    initialized,
		},
	}
}

// LoadStateDict restores state produced by StateDict
func (s *ReduceLROnPlateau) LoadStateDict(state *checkpoints.SchedulerState) error {
	if err := validateSchedulerState("ReduceLROnPlateau", state); err != nil {
		return err
	}
	v := state.Values
	s.Factor = v["factor"]
	s.Patience = int(v["patience"])
	s.Threshold = v["threshold"]
	s.Mode = "min"
	if v["mode"] == 1 {
		s.Mode = "max"
	}
	s.MinLR = v["min_lr"]
	s.Eps = v["eps"]
	s.best = v["best"]
	s.numBadEpochs = int(v["num_bad_epochs"])
	s.lastEpoch = int(v["last_epoch"])
	s.initialized = v["initialized"] == 1
	return nil
}

// LRSchedule is a pure epoch → learning rate function
type LRSchedule interface {
	GetLR(epoch int, baseLR float64) float64
	GetName() string
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate schedule
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate schedule
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing schedule
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// EpochScheduler applies an LRSchedule once per epoch. The metric is ignored.
type EpochScheduler struct {
	schedule  LRSchedule
	optimizer LRAdjustable
	baseLR    float64
	epoch     int
}

// NewEpochScheduler drives opt with schedule, starting from its current learning rate
func NewEpochScheduler(opt LRAdjustable, schedule LRSchedule) (*EpochScheduler, error) {
	if opt == nil || schedule == nil {
		return nil, fmt.Errorf("epoch scheduler needs an optimizer and a schedule")
	}
	return &EpochScheduler{schedule: schedule, optimizer: opt, baseLR: opt.LearningRate()}, nil
}

// Step advances one epoch
func (s *EpochScheduler) Step(float64) error {
	s.epoch++
	s.optimizer.SetLearningRate(s.schedule.GetLR(s.epoch, s.baseLR))
	return nil
}

// StateDict exports the epoch counter and base learning rate
func (s *EpochScheduler) StateDict() *checkpoints.SchedulerState {
	return &checkpoints.SchedulerState{
		Type: s.schedule.GetName(),
		Values: map[string]float64{
			"epoch":   float64(s.epoch),
			"base_lr": s.baseLR,
		},
	}
}

// LoadStateDict restores state produced by StateDict
func (s *EpochScheduler) LoadStateDict(state *checkpoints.SchedulerState) error {
	if err := validateSchedulerState(s.schedule.GetName(), state); err != nil {
		return err
	}
	s.epoch = int(state.Values["epoch"])
	s.baseLR = state.Values["base_lr"]
	return nil
}

// NewScheduler builds a scheduler by name: plateau, step, exponential or cosine.
// factor is the plateau/step/exponential decay and patience the plateau
// patience or the step size; epochs bounds the cosine schedule.
func NewScheduler(name string, opt LRAdjustable, factor float64, patience, epochs int) (Scheduler, error) {
	var schedule LRSchedule
	switch name {
	case "plateau", "":
		plateau, err := NewReduceLROnPlateau(opt, factor, patience, "min")
		if err != nil {
			return nil, err
		}
		return plateau, nil
	case "step":
		schedule = NewStepLRScheduler(patience, factor)
	case "exponential":
		schedule = NewExponentialLRScheduler(factor)
	case "cosine":
		schedule = NewCosineAnnealingLRScheduler(epochs, 0)
	default:
		return nil, fmt.Errorf("unknown scheduler %q", name)
	}

	epochScheduler, err := NewEpochScheduler(opt, schedule)
	if err != nil {
		return nil, err
	}
	return epochScheduler, nil
}

func validateSchedulerState(schedulerType string, state *checkpoints.SchedulerState) error {
	if state == nil {
		return fmt.Errorf("scheduler state is nil")
	}
	if state.Type != schedulerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", schedulerType, state.Type)
	}
	return nil
}
