package optimizer

import (
	"fmt"

	"github.com/tsawler/go-detector/checkpoints"
	"github.com/tsawler/go-detector/tensor"
)

// Common helpers for optimizer state management

// bufferName builds the state dict key for a per-parameter buffer, e.g. "fc.weight.exp_avg"
func bufferName(param, kind string) string {
	return param + "." + kind
}

// extractBuffers clones per-parameter buffers into a state dict
func extractBuffers(params []*Parameter, buffers []*tensor.Tensor, kind string, into checkpoints.StateDict) {
	for i, p := range params {
		if buffers[i] == nil {
			continue
		}
		into[bufferName(p.Name, kind)] = buffers[i].Clone()
	}
}

// restoreBuffers copies buffers from a state dict back into per-parameter slots.
// Missing entries are an error so that a resumed run never silently restarts its moments.
func restoreBuffers(params []*Parameter, buffers []*tensor.Tensor, kind string, from checkpoints.StateDict) error {
	if err := validateBuffers(params, kind, from); err != nil {
		return err
	}
	for i, p := range params {
		saved := from[bufferName(p.Name, kind)]
		if buffers[i] == nil {
			buffers[i] = tensor.Zeros(p.Value.Shape...)
		}
		copy(buffers[i].Data, saved.Data)
	}
	return nil
}

// validateBuffers checks that from holds a kind buffer shaped like every parameter
func validateBuffers(params []*Parameter, kind string, from checkpoints.StateDict) error {
	for _, p := range params {
		saved, ok := from[bufferName(p.Name, kind)]
		if !ok || saved == nil {
			return fmt.Errorf("missing %s buffer for parameter %s", kind, p.Name)
		}
		if !tensor.SameShape(saved.Shape, p.Value.Shape) {
			return fmt.Errorf("shape mismatch for %s of %s: saved %v, parameter %v", kind, p.Name, saved.Shape, p.Value.Shape)
		}
	}
	return nil
}

// extractParam reads a hyperparameter from the state map, falling back to a default
func extractParam(params map[string]float64, key string, defaultValue float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return defaultValue
}

// extractBoolParam reads a hyperparameter stored as 0/1
func extractBoolParam(params map[string]float64, key string, defaultValue bool) bool {
	if v, ok := params[key]; ok {
		return v != 0
	}
	return defaultValue
}

func boolParam(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
