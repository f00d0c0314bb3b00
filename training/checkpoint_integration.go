package training

import (
	"fmt"
	"path/filepath"

	"github.com/tsawler/go-detector/checkpoints"
)

// CheckpointPath returns where the checkpoint for a run of numEpochs is written
func (mt *ModelTrainer) CheckpointPath(numEpochs int) string {
	filename := fmt.Sprintf("model_epoch_%d.%s", numEpochs, mt.saver.Format().Extension())
	return filepath.Join(mt.config.CheckpointDir, filename)
}

// captureState deep-copies model, optimizer and scheduler state so later
// updates cannot alter it
func (mt *ModelTrainer) captureState(epoch int) *checkpoints.Checkpoint {
	return &checkpoints.Checkpoint{
		Epoch:          epoch,
		ModelState:     mt.model.StateDict().Clone(),
		OptimizerState: mt.optimizer.StateDict().Clone(),
		SchedulerState: mt.scheduler.StateDict().Clone(),
		Metadata: checkpoints.Metadata{
			Device:      mt.device.String(),
			Description: fmt.Sprintf("state after train phase of epoch %d", epoch),
		},
	}
}

func (mt *ModelTrainer) persistSnapshot(numEpochs int) (string, error) {
	if mt.snapshot == nil {
		return "", fmt.Errorf("no training state has been captured")
	}

	path := mt.CheckpointPath(numEpochs)
	if err := mt.saver.SaveCheckpoint(mt.snapshot, path); err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return path, nil
}

// LoadCheckpoint restores model, optimizer and scheduler state from a saved
// checkpoint and returns the epoch it was captured at
func (mt *ModelTrainer) LoadCheckpoint(path string) (int, error) {
	checkpoint, err := checkpoints.Load(path)
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if err := mt.model.LoadStateDict(checkpoint.ModelState); err != nil {
		return 0, fmt.Errorf("failed to restore model state: %w", err)
	}
	if checkpoint.OptimizerState != nil {
		if err := mt.optimizer.LoadStateDict(checkpoint.OptimizerState); err != nil {
			return 0, fmt.Errorf("failed to restore optimizer state: %w", err)
		}
	}
	if checkpoint.SchedulerState != nil {
		if err := mt.scheduler.LoadStateDict(checkpoint.SchedulerState); err != nil {
			return 0, fmt.Errorf("failed to restore scheduler state: %w", err)
		}
	}
	if err := mt.model.To(mt.device); err != nil {
		return 0, fmt.Errorf("failed to move restored model to %s: %w", mt.device, err)
	}

	mt.snapshot = checkpoint
	mt.logger.Info("restored epoch %d checkpoint from %s", checkpoint.Epoch, path)
	return checkpoint.Epoch, nil
}
