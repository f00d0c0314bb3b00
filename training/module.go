package training

import (
	"sort"

	"github.com/tsawler/go-detector/checkpoints"
	"github.com/tsawler/go-detector/dataset"
	"github.com/tsawler/go-detector/device"
	"github.com/tsawler/go-detector/tensor"
)

// Phase names one pass type over a data source
type Phase string

const (
	PhaseTrain Phase = "train"
	PhaseVal   Phase = "val"
)

// Target is the per-sample supervision handed to the model
type Target struct {
	Boxes  *tensor.Tensor // [M, 4] x_min, y_min, x_max, y_max
	Labels *tensor.Tensor // [M] class identifiers
}

// Prediction is the model output for one sample
type Prediction struct {
	Boxes  *tensor.Tensor // [M, 4]
	Labels []int
	Scores []float64
}

// LossDict maps a loss term name to its scalar value for one batch
type LossDict map[string]float64

// Sum reduces the loss terms to a single scalar. Terms are added in name
// order so the result does not depend on map iteration.
func (l LossDict) Sum() float64 {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	total := 0.0
	for _, k := range keys {
		total += l[k]
	}
	return total
}

// Model is a detection network driven by the trainer
type Model interface {
	// To moves parameters to the device
	To(dev device.Device) error
	// Train enables training-mode behaviour
	Train()
	// Eval enables evaluation-mode behaviour
	Eval()
	// Forward runs the network on a [N, C, H, W] batch. Gradients of the summed
	// loss are tracked only when gradEnabled is true.
	Forward(images *tensor.Tensor, targets []Target, gradEnabled bool) ([]Prediction, LossDict, error)
	// Backward accumulates the gradients of the most recent tracked Forward
	// into the parameters' gradient buffers
	Backward() error
	StateDict() checkpoints.StateDict
	LoadStateDict(state checkpoints.StateDict) error
}

// Optimizer updates model parameters from their accumulated gradients
type Optimizer interface {
	ZeroGrad()
	Step() error
	StateDict() *checkpoints.OptimizerState
	LoadStateDict(state *checkpoints.OptimizerState) error
}

// Scheduler adjusts the learning rate once per epoch from a monitored metric
type Scheduler interface {
	Step(metric float64) error
	StateDict() *checkpoints.SchedulerState
	LoadStateDict(state *checkpoints.SchedulerState) error
}

// DataSource produces the batches of one phase
type DataSource interface {
	// Len returns the number of batches per epoch
	Len() int
	// Reset rewinds to the first batch
	Reset()
	// Next returns the next batch, or nil once the epoch is exhausted
	Next() (*dataset.Batch, error)
}

// learningRater is implemented by optimizers that expose their learning rate
type learningRater interface {
	LearningRate() float64
}
