package training

import (
	"errors"
	"fmt"
	"io"

	"github.com/tsawler/go-detector/checkpoints"
	"github.com/tsawler/go-detector/dataset"
	"github.com/tsawler/go-detector/device"
	"github.com/tsawler/go-detector/logger"
	"github.com/tsawler/go-detector/tensor"
)

// Config holds the trainer's output locations and reporting options
type Config struct {
	CheckpointDir string                       // Directory for persisted checkpoints
	LogDir        string                       // Directory for log output
	Format        checkpoints.CheckpointFormat // JSON or protobuf
	Progress      io.Writer                    // Progress bar output, stdout when nil
	Logger        *logger.Logger               // Built from LogDir when nil, discarding if LogDir is empty
}

// DefaultConfig returns the conventional models/ and logs/ layout
func DefaultConfig() Config {
	return Config{
		CheckpointDir: "models",
		LogDir:        "logs",
		Format:        checkpoints.FormatJSON,
	}
}

// ModelTrainer drives epochs of training and validation over a detection model
type ModelTrainer struct {
	model       Model
	optimizer   Optimizer
	scheduler   Scheduler
	device      device.Device
	dataloaders map[Phase]DataSource

	config    Config
	saver     *checkpoints.CheckpointSaver
	logger    *logger.Logger
	losses    map[Phase][]float64
	snapshot  *checkpoints.Checkpoint
	observers []Observer
}

// NewModelTrainer moves the model to dev and prepares empty loss histories
func NewModelTrainer(
	model Model,
	optimizer Optimizer,
	scheduler Scheduler,
	dev device.Device,
	dataloaders map[Phase]DataSource,
	config Config,
) (*ModelTrainer, error) {
	if model == nil || optimizer == nil || scheduler == nil {
		return nil, fmt.Errorf("trainer needs a model, an optimizer and a scheduler")
	}

	if err := model.To(dev); err != nil {
		return nil, fmt.Errorf("failed to move model to %s: %w", dev, err)
	}

	log := config.Logger
	if log == nil {
		log = logger.Discard()
		if config.LogDir != "" {
			fileLog, err := logger.New(config.LogDir)
			if err != nil {
				return nil, fmt.Errorf("failed to open log directory %s: %w", config.LogDir, err)
			}
			log = fileLog
		}
	}

	loaders := make(map[Phase]DataSource, len(dataloaders))
	for phase, ds := range dataloaders {
		loaders[phase] = ds
	}

	return &ModelTrainer{
		model:       model,
		optimizer:   optimizer,
		scheduler:   scheduler,
		device:      dev,
		dataloaders: loaders,
		config:      config,
		saver:       checkpoints.NewCheckpointSaver(config.Format),
		logger:      log,
		losses: map[Phase][]float64{
			PhaseTrain: {},
			PhaseVal:   {},
		},
	}, nil
}

// RunPhase makes one pass over the phase's data source and returns the mean
// summed loss per batch. Only the train phase updates parameters.
func (mt *ModelTrainer) RunPhase(phase Phase) (float64, error) {
	ds, ok := mt.dataloaders[phase]
	if !ok || ds == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPhase, phase)
	}

	training := phase == PhaseTrain
	if training {
		mt.model.Train()
	} else {
		mt.model.Eval()
	}

	mt.optimizer.ZeroGrad()
	ds.Reset()

	bar := NewProgressBar(string(phase), ds.Len(), mt.config.Progress)
	total := 0.0
	batches := 0

	for {
		batch, err := ds.Next()
		if err != nil {
			return 0, fmt.Errorf("failed to load batch %d: %w", batches, err)
		}
		if batch == nil {
			break
		}

		images, targets, err := mt.prepareBatch(batches, *batch)
		if err != nil {
			return 0, err
		}

		_, lossDict, err := mt.model.Forward(images, targets, training)
		if err != nil {
			return 0, fmt.Errorf("forward pass failed on batch %d: %w", batches, err)
		}
		loss := lossDict.Sum()

		if training {
			if err := mt.model.Backward(); err != nil {
				return 0, fmt.Errorf("backward pass failed on batch %d: %w", batches, err)
			}
			if err := mt.optimizer.Step(); err != nil {
				return 0, fmt.Errorf("optimizer step failed on batch %d: %w", batches, err)
			}
			mt.optimizer.ZeroGrad()
		}

		total += loss
		batches++
		bar.Next(map[string]float64{"loss": total / float64(batches)})
	}
	bar.Finish()

	if batches == 0 {
		return 0, fmt.Errorf("%w: %s", ErrEmptyPhase, phase)
	}

	mean := total / float64(batches)
	mt.losses[phase] = append(mt.losses[phase], mean)
	mt.device.EmptyCache()

	return mean, nil
}

// prepareBatch stacks the batch images and builds per-sample targets on the device
func (mt *ModelTrainer) prepareBatch(index int, batch dataset.Batch) (*tensor.Tensor, []Target, error) {
	if len(batch) == 0 {
		return nil, nil, &BatchShapeError{Batch: index, Reason: "batch has no samples"}
	}

	images := make([]*tensor.Tensor, len(batch))
	targets := make([]Target, len(batch))
	for i, sample := range batch {
		if sample.Image == nil {
			return nil, nil, &BatchShapeError{Batch: index, Sample: i, Reason: "sample has no image"}
		}
		if len(sample.BBoxes) != len(sample.ClassLabels) {
			return nil, nil, &BatchShapeError{
				Batch:  index,
				Sample: i,
				Reason: fmt.Sprintf("%d boxes but %d labels", len(sample.BBoxes), len(sample.ClassLabels)),
			}
		}
		images[i] = sample.Image
		targets[i] = Target{
			Boxes:  tensor.FromBoxes(sample.BBoxes).To(mt.device),
			Labels: tensor.FromInts(sample.ClassLabels).To(mt.device),
		}
	}

	stacked, err := tensor.Stack(images)
	if err != nil {
		var mismatch *tensor.ShapeMismatchError
		if errors.As(err, &mismatch) {
			return nil, nil, &BatchShapeError{Batch: index, Sample: mismatch.Index, Reason: mismatch.Error()}
		}
		return nil, nil, &BatchShapeError{Batch: index, Reason: err.Error()}
	}

	return stacked.To(mt.device), targets, nil
}

// Train alternates a train and a validation phase numEpochs times, steps the
// scheduler on the validation loss, and persists the state captured after the
// final train phase.
func (mt *ModelTrainer) Train(numEpochs int) error {
	if numEpochs < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidEpochs, numEpochs)
	}

	defer mt.logger.Flush()

	mt.logger.Info("training on %s for %d epochs", mt.device, numEpochs)
	bar := NewProgressBar("Epochs", numEpochs, mt.config.Progress)

	for epoch := 0; epoch < numEpochs; epoch++ {
		summary, err := mt.runEpoch(epoch, numEpochs)
		if err != nil {
			return err
		}
		mt.notify(summary)
		bar.Next(map[string]float64{"train_loss": summary.TrainLoss, "val_loss": summary.ValLoss})
	}
	bar.Finish()

	if numEpochs == 0 {
		mt.logger.Warning("no epochs were run, nothing to persist")
		return nil
	}

	path, err := mt.persistSnapshot(numEpochs)
	if err != nil {
		return err
	}
	mt.logger.Info("saved epoch %d checkpoint to %s", mt.snapshot.Epoch, path)
	return nil
}

func (mt *ModelTrainer) runEpoch(epoch, numEpochs int) (EpochSummary, error) {
	summary := EpochSummary{Epoch: epoch, NumEpochs: numEpochs}
	start := now()

	trainLoss, err := mt.RunPhase(PhaseTrain)
	if err != nil {
		return summary, fmt.Errorf("epoch %d %s phase: %w", epoch, PhaseTrain, err)
	}

	mt.snapshot = mt.captureState(epoch)

	valLoss, err := mt.RunPhase(PhaseVal)
	if err != nil {
		return summary, fmt.Errorf("epoch %d %s phase: %w", epoch, PhaseVal, err)
	}

	lrBefore, hasLR := mt.learningRate()
	if err := mt.scheduler.Step(valLoss); err != nil {
		return summary, fmt.Errorf("epoch %d scheduler step: %w", epoch, err)
	}
	lrAfter, _ := mt.learningRate()
	if hasLR && lrAfter != lrBefore {
		mt.logger.Info("epoch %d: learning rate changed from %.6g to %.6g", epoch, lrBefore, lrAfter)
	}

	summary.TrainLoss = trainLoss
	summary.ValLoss = valLoss
	summary.LearningRate = lrAfter
	summary.Duration = since(start)

	mt.logger.Info("epoch %d/%d: train loss %.4f, val loss %.4f", epoch+1, numEpochs, trainLoss, valLoss)
	return summary, nil
}

func (mt *ModelTrainer) learningRate() (float64, bool) {
	if lr, ok := mt.optimizer.(learningRater); ok {
		return lr.LearningRate(), true
	}
	return 0, false
}

// Losses returns a copy of the mean losses recorded for phase, one per run
func (mt *ModelTrainer) Losses(phase Phase) []float64 {
	return append([]float64(nil), mt.losses[phase]...)
}

// Snapshot returns the most recently captured training state, or nil
func (mt *ModelTrainer) Snapshot() *checkpoints.Checkpoint {
	return mt.snapshot
}

// Device returns the device the trainer computes on
func (mt *ModelTrainer) Device() device.Device {
	return mt.device
}
