package optimizer

import (
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-detector/checkpoints"
	"github.com/tsawler/go-detector/tensor"
)

// SGD implements stochastic gradient descent with optional momentum,
// dampening, Nesterov momentum and L2 weight decay
type SGD struct {
	lr          float64
	momentum    float64
	dampening   float64
	weightDecay float64
	nesterov    bool

	params     []*Parameter
	velocities []*tensor.Tensor
	scratch    []float64
	StepCount  uint64
}

// SGDConfig holds configuration for the SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	Dampening    float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns plain SGD with a 0.01 learning rate
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{LearningRate: 0.01}
}

// NewSGD creates a new SGD optimizer
func NewSGD(params []*Parameter, config SGDConfig) (*SGD, error) {
	if err := validateParameters(params); err != nil {
		return nil, err
	}

	sgd := &SGD{
		lr:          config.LearningRate,
		momentum:    config.Momentum,
		dampening:   config.Dampening,
		weightDecay: config.WeightDecay,
		nesterov:    config.Nesterov,
		params:      params,
		velocities:  make([]*tensor.Tensor, len(params)),
	}

	return sgd, nil
}

// ZeroGrad clears every parameter's gradient
func (sgd *SGD) ZeroGrad() {
	for _, p := range sgd.params {
		p.ZeroGrad()
	}
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.StepCount++

	for i, p := range sgd.params {
		n := len(p.Grad.Data)
		if cap(sgd.scratch) < n {
			sgd.scratch = make([]float64, n)
		}
		d := sgd.scratch[:n]
		copy(d, p.Grad.Data)

		if sgd.weightDecay != 0 {
			floats.AddScaled(d, sgd.weightDecay, p.Value.Data)
		}

		if sgd.momentum != 0 {
			if sgd.velocities[i] == nil {
				// first step seeds the buffer with the raw gradient
				sgd.velocities[i] = tensor.Zeros(p.Value.Shape...)
				copy(sgd.velocities[i].Data, d)
			} else {
				buf := sgd.velocities[i].Data
				floats.Scale(sgd.momentum, buf)
				floats.AddScaled(buf, 1-sgd.dampening, d)
			}

			buf := sgd.velocities[i].Data
			if sgd.nesterov {
				floats.AddScaled(d, sgd.momentum, buf)
			} else {
				copy(d, buf)
			}
		}

		floats.AddScaled(p.Value.Data, -sgd.lr, d)
	}

	return nil
}

// LearningRate returns the current learning rate
func (sgd *SGD) LearningRate() float64 {
	return sgd.lr
}

// SetLearningRate updates the learning rate
func (sgd *SGD) SetLearningRate(lr float64) {
	sgd.lr = lr
}

// StateDict exports hyperparameters and momentum buffers
func (sgd *SGD) StateDict() *checkpoints.OptimizerState {
	buffers := make(checkpoints.StateDict, len(sgd.params))
	extractBuffers(sgd.params, sgd.velocities, "momentum_buffer", buffers)

	return &checkpoints.OptimizerState{
		Type: "SGD",
		Hyperparameters: map[string]float64{
			"lr":           sgd.lr,
			"momentum":     sgd.momentum,
			"dampening":    sgd.dampening,
			"weight_decay": sgd.weightDecay,
			"nesterov":     boolParam(sgd.nesterov),
		},
		StepCount: sgd.StepCount,
		Buffers:   buffers,
	}
}

// LoadStateDict restores state produced by StateDict
func (sgd *SGD) LoadStateDict(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	// momentum buffers exist only after the first momentum step
	if len(state.Buffers) > 0 {
		if err := restoreBuffers(sgd.params, sgd.velocities, "momentum_buffer", state.Buffers); err != nil {
			return err
		}
	}

	hp := state.Hyperparameters
	sgd.lr = extractParam(hp, "lr", sgd.lr)
	sgd.momentum = extractParam(hp, "momentum", sgd.momentum)
	sgd.dampening = extractParam(hp, "dampening", sgd.dampening)
	sgd.weightDecay = extractParam(hp, "weight_decay", sgd.weightDecay)
	sgd.nesterov = extractBoolParam(hp, "nesterov", sgd.nesterov)
	sgd.StepCount = state.StepCount

	return nil
}
