package training

import (
	"errors"
	"fmt"
)

// Sentinel errors for the training package.
// Use errors.Is to check: errors.Is(err, training.ErrEmptyPhase)
var (
	ErrEmptyPhase    = errors.New("training: phase produced no batches, mean loss is undefined")
	ErrUnknownPhase  = errors.New("training: no data source for phase")
	ErrInvalidEpochs = errors.New("training: number of epochs must not be negative")
)

// BatchShapeError reports a batch whose samples cannot be combined
type BatchShapeError struct {
	Batch  int // zero-based batch index within the phase
	Sample int // zero-based sample index within the batch
	Reason string
}

func (e *BatchShapeError) Error() string {
	return fmt.Sprintf("batch %d sample %d: %s", e.Batch, e.Sample, e.Reason)
}
