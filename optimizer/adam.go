package optimizer

import (
	"math"

	"github.com/tsawler/go-detector/checkpoints"
	"github.com/tsawler/go-detector/tensor"
)

// Adam implements the Adam optimizer with bias correction.
//
// Update rule:
//
//	g = grad + weight_decay·w
//	m = β1·m + (1-β1)·g
//	v = β2·v + (1-β2)·g²
//	m̂ = m / (1 - β1^t)
//	v̂ = v / (1 - β2^t)
//	w = w - lr · m̂ / (√v̂ + ε)
type Adam struct {
	lr          float64
	beta1       float64 // momentum decay
	beta2       float64 // variance decay
	epsilon     float64
	weightDecay float64 // L2 regularization coefficient

	params    []*Parameter
	momentum  []*tensor.Tensor // first moment per parameter
	variance  []*tensor.Tensor // second moment per parameter
	StepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdam creates an Adam optimizer over the given parameters
func NewAdam(params []*Parameter, config AdamConfig) (*Adam, error) {
	if err := validateParameters(params); err != nil {
		return nil, err
	}

	adam := &Adam{
		lr:          config.LearningRate,
		beta1:       config.Beta1,
		beta2:       config.Beta2,
		epsilon:     config.Epsilon,
		weightDecay: config.WeightDecay,
		params:      params,
		momentum:    make([]*tensor.Tensor, len(params)),
		variance:    make([]*tensor.Tensor, len(params)),
	}

	for i, p := range params {
		adam.momentum[i] = tensor.Zeros(p.Value.Shape...)
		adam.variance[i] = tensor.Zeros(p.Value.Shape...)
	}

	return adam, nil
}

// ZeroGrad clears every parameter's gradient
func (adam *Adam) ZeroGrad() {
	for _, p := range adam.params {
		p.ZeroGrad()
	}
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.StepCount++
	t := float64(adam.StepCount)
	bias1 := 1 - math.Pow(adam.beta1, t)
	bias2 := 1 - math.Pow(adam.beta2, t)

	for i, p := range adam.params {
		w := p.Value.Data
		m := adam.momentum[i].Data
		v := adam.variance[i].Data

		for j, g := range p.Grad.Data {
			if adam.weightDecay != 0 {
				g += adam.weightDecay * w[j]
			}
			m[j] = adam.beta1*m[j] + (1-adam.beta1)*g
			v[j] = adam.beta2*v[j] + (1-adam.beta2)*g*g

			mHat := m[j] / bias1
			vHat := v[j] / bias2
			w[j] -= adam.lr * mHat / (math.Sqrt(vHat) + adam.epsilon)
		}
	}

	return nil
}

// LearningRate returns the current learning rate
func (adam *Adam) LearningRate() float64 {
	return adam.lr
}

// SetLearningRate updates the learning rate
func (adam *Adam) SetLearningRate(lr float64) {
	adam.lr = lr
}

// StateDict exports hyperparameters, step count and moment buffers
func (adam *Adam) StateDict() *checkpoints.OptimizerState {
	buffers := make(checkpoints.StateDict, 2*len(adam.params))
	extractBuffers(adam.params, adam.momentum, "exp_avg", buffers)
	extractBuffers(adam.params, adam.variance, "exp_avg_sq", buffers)

	return &checkpoints.OptimizerState{
		Type: "Adam",
		Hyperparameters: map[string]float64{
			"lr":           adam.lr,
			"beta1":        adam.beta1,
			"beta2":        adam.beta2,
			"eps":          adam.epsilon,
			"weight_decay": adam.weightDecay,
		},
		StepCount: adam.StepCount,
		Buffers:   buffers,
	}
}

// LoadStateDict restores state produced by StateDict
func (adam *Adam) LoadStateDict(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	for _, kind := range []string{"exp_avg", "exp_avg_sq"} {
		if err := validateBuffers(adam.params, kind, state.Buffers); err != nil {
			return err
		}
	}
	if err := restoreBuffers(adam.params, adam.momentum, "exp_avg", state.Buffers); err != nil {
		return err
	}
	if err := restoreBuffers(adam.params, adam.variance, "exp_avg_sq", state.Buffers); err != nil {
		return err
	}

	hp := state.Hyperparameters
	adam.lr = extractParam(hp, "lr", adam.lr)
	adam.beta1 = extractParam(hp, "beta1", adam.beta1)
	adam.beta2 = extractParam(hp, "beta2", adam.beta2)
	adam.epsilon = extractParam(hp, "eps", adam.epsilon)
	adam.weightDecay = extractParam(hp, "weight_decay", adam.weightDecay)
	adam.StepCount = state.StepCount

	return nil
}
