// Command train fits the reference detector on the annotation CSVs and writes
// the final checkpoint to the checkpoint directory.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/tsawler/go-detector/checkpoints"
	"github.com/tsawler/go-detector/config"
	"github.com/tsawler/go-detector/dataset"
	"github.com/tsawler/go-detector/device"
	"github.com/tsawler/go-detector/history"
	"github.com/tsawler/go-detector/logger"
	"github.com/tsawler/go-detector/model"
	"github.com/tsawler/go-detector/monitor"
	"github.com/tsawler/go-detector/optimizer"
	"github.com/tsawler/go-detector/training"
	"github.com/tsawler/go-detector/vision/opencv"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	lg, err := logger.New(cfg.LogDir)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer lg.Close()

	if err := run(cfg, lg); err != nil {
		lg.Error("Training failed: %v", err)
		lg.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, lg *logger.Logger) error {
	dev, err := device.Resolve(cfg.Device)
	if err != nil {
		return err
	}
	lg.Info("Using device %s", device.Describe(dev))

	format, err := checkpoints.ParseFormat(cfg.CheckpointFormat)
	if err != nil {
		return err
	}

	images := dataset.NewCachedLoader(opencv.NewLoader(cfg.ImageSize), cfg.ImageCache)
	loaders, err := dataset.GetDataLoaders(cfg.TrainCSV, cfg.ValCSV, cfg.Shuffle, cfg.BatchSize, images)
	if err != nil {
		return err
	}
	lg.Info("Loaded %d training and %d validation batches", loaders.Train.Len(), loaders.Val.Len())

	detector, err := model.NewLinearDetector(model.Config{
		Channels:   3,
		PoolSize:   cfg.PoolSize,
		NumClasses: cfg.NumClasses,
		Seed:       cfg.Seed,
	})
	if err != nil {
		return err
	}

	opt, err := newOptimizer(cfg, detector.Parameters())
	if err != nil {
		return err
	}

	scheduler, err := training.NewScheduler(cfg.Scheduler, opt, cfg.SchedulerFactor, cfg.SchedulerPatience, cfg.Epochs)
	if err != nil {
		return err
	}

	trainer, err := training.NewModelTrainer(detector, opt, scheduler, dev,
		map[training.Phase]training.DataSource{
			training.PhaseTrain: loaders.Train,
			training.PhaseVal:   loaders.Val,
		},
		training.Config{
			CheckpointDir: cfg.CheckpointDir,
			LogDir:        cfg.LogDir,
			Format:        format,
			Logger:        lg,
		})
	if err != nil {
		return err
	}

	if cfg.ResumeFrom != "" {
		epoch, err := trainer.LoadCheckpoint(cfg.ResumeFrom)
		if err != nil {
			return err
		}
		lg.Info("Resuming from epoch %d state", epoch)
	}

	if cfg.HistoryDB != "" {
		recorder, err := history.New(cfg.HistoryDB)
		if err != nil {
			return err
		}
		defer recorder.Close()

		runID, err := recorder.StartRun(history.Run{
			Device:    dev.String(),
			Epochs:    cfg.Epochs,
			Optimizer: cfg.Optimizer,
			Scheduler: cfg.Scheduler,
		})
		if err != nil {
			return err
		}
		trainer.AddObserver(recorder)
		lg.Info("Recording run %d in %s", runID, cfg.HistoryDB)
	}

	if cfg.MonitorAddr != "" {
		hub := monitor.NewHub(lg)
		hub.Start(cfg.MonitorAddr)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := hub.Shutdown(ctx); err != nil {
				lg.Warning("Monitor shutdown: %v", err)
			}
		}()
		trainer.AddObserver(hub)
	}

	if err := trainer.Train(cfg.Epochs); err != nil {
		return err
	}

	if cached, ok := images.(*dataset.CachedLoader); ok {
		lg.Info("%s", cached.Stats())
	}
	if cfg.Epochs > 0 {
		fmt.Printf("Checkpoint written to %s\n", trainer.CheckpointPath(cfg.Epochs))
	}
	return nil
}

func newOptimizer(cfg *config.Config, params []*optimizer.Parameter) (optimizer.Optimizer, error) {
	switch cfg.Optimizer {
	case "sgd":
		sgdConfig := optimizer.DefaultSGDConfig()
		sgdConfig.LearningRate = cfg.LearningRate
		sgdConfig.Momentum = 0.9
		return optimizer.NewSGD(params, sgdConfig)
	default:
		adamConfig := optimizer.DefaultAdamConfig()
		adamConfig.LearningRate = cfg.LearningRate
		return optimizer.NewAdam(params, adamConfig)
	}
}
