package training

import "time"

var (
	now   = time.Now
	since = time.Since
)

// EpochSummary describes one completed epoch
type EpochSummary struct {
	Epoch        int           `json:"epoch"`
	NumEpochs    int           `json:"num_epochs"`
	TrainLoss    float64       `json:"train_loss"`
	ValLoss      float64       `json:"val_loss"`
	LearningRate float64       `json:"learning_rate"`
	Duration     time.Duration `json:"duration"`
}

// Observer receives a summary after every epoch
type Observer interface {
	ObserveEpoch(summary EpochSummary) error
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(summary EpochSummary) error

func (f ObserverFunc) ObserveEpoch(summary EpochSummary) error {
	return f(summary)
}

// AddObserver registers o to be notified after each epoch
func (mt *ModelTrainer) AddObserver(o Observer) {
	if o != nil {
		mt.observers = append(mt.observers, o)
	}
}

// notify reports the summary to every observer. Failures are logged only.
func (mt *ModelTrainer) notify(summary EpochSummary) {
	for _, o := range mt.observers {
		if err := o.ObserveEpoch(summary); err != nil {
			mt.logger.Warning("epoch observer failed: %v", err)
		}
	}
}
