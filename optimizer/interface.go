package optimizer

import (
	"fmt"

	"github.com/tsawler/go-detector/checkpoints"
	"github.com/tsawler/go-detector/tensor"
)

// Optimizer defines the common interface for all optimizers.
// State export and restore back checkpoint save/resume.
type Optimizer interface {
	// ZeroGrad clears the accumulated gradients of every parameter
	ZeroGrad()

	// Step applies the accumulated gradients to the parameters
	Step() error

	// StateDict exports hyperparameters and internal buffers
	StateDict() *checkpoints.OptimizerState

	// LoadStateDict restores a state previously produced by StateDict
	LoadStateDict(state *checkpoints.OptimizerState) error

	// LearningRate returns the current learning rate
	LearningRate() float64

	// SetLearningRate updates the learning rate, used by schedulers
	SetLearningRate(lr float64)
}

// Parameter is a trainable tensor together with its gradient buffer
type Parameter struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

// NewParameter wraps a tensor and allocates a zeroed gradient of the same shape
func NewParameter(name string, value *tensor.Tensor) *Parameter {
	grad := tensor.Zeros(value.Shape...)
	grad.Device = value.Device
	return &Parameter{Name: name, Value: value, Grad: grad}
}

// ZeroGrad clears the parameter's gradient
func (p *Parameter) ZeroGrad() {
	p.Grad.Zero()
}

// AccumulateGrad adds g to the parameter's gradient
func (p *Parameter) AccumulateGrad(g []float64) error {
	if len(g) != len(p.Grad.Data) {
		return fmt.Errorf("gradient for %s has %d elements, expected %d", p.Name, len(g), len(p.Grad.Data))
	}
	for i, v := range g {
		p.Grad.Data[i] += v
	}
	return nil
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

func validateParameters(params []*Parameter) error {
	if len(params) == 0 {
		return fmt.Errorf("no parameters provided")
	}
	seen := make(map[string]bool, len(params))
	for i, p := range params {
		if p == nil || p.Value == nil || p.Grad == nil {
			return fmt.Errorf("parameter %d is incomplete", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}
