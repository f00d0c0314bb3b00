package training

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/go-detector/checkpoints"
	"github.com/tsawler/go-detector/dataset"
	"github.com/tsawler/go-detector/device"
	"github.com/tsawler/go-detector/logger"
	"github.com/tsawler/go-detector/tensor"
)

type fakeModel struct {
	weight   *tensor.Tensor
	events   *[]string
	losses   []float64
	grads    []bool
	pending  bool
	device   device.Device
	toErr    error
	imageDev []device.Device
}

func newFakeModel(events *[]string, losses ...float64) *fakeModel {
	w, _ := tensor.New([]int{1}, []float64{1})
	return &fakeModel{weight: w, events: events, losses: losses}
}

func (m *fakeModel) record(e string) {
	if m.events != nil {
		*m.events = append(*m.events, e)
	}
}

func (m *fakeModel) To(dev device.Device) error {
	if m.toErr != nil {
		return m.toErr
	}
	m.device = dev
	m.weight = m.weight.To(dev)
	return nil
}

func (m *fakeModel) Train() { m.record("train") }
func (m *fakeModel) Eval()  { m.record("eval") }

func (m *fakeModel) Forward(images *tensor.Tensor, targets []Target, gradEnabled bool) ([]Prediction, LossDict, error) {
	m.record("forward")
	m.grads = append(m.grads, gradEnabled)
	m.imageDev = append(m.imageDev, images.Device)
	if len(targets) != images.Dim(0) {
		return nil, nil, fmt.Errorf("got %d targets for %d images", len(targets), images.Dim(0))
	}

	loss := 1.0
	if len(m.losses) > 0 {
		loss, m.losses = m.losses[0], m.losses[1:]
	}
	m.pending = gradEnabled
	return make([]Prediction, len(targets)), LossDict{"loss_classifier": loss - 0.25, "loss_box_reg": 0.25}, nil
}

func (m *fakeModel) Backward() error {
	m.record("backward")
	if !m.pending {
		return errors.New("no tracked forward pass")
	}
	m.pending = false
	return nil
}

func (m *fakeModel) StateDict() checkpoints.StateDict {
	return checkpoints.StateDict{"w": m.weight}
}

func (m *fakeModel) LoadStateDict(state checkpoints.StateDict) error {
	w, ok := state["w"]
	if !ok {
		return errors.New("missing w")
	}
	return m.weight.CopyFrom(w)
}

type fakeOptimizer struct {
	model  *fakeModel
	events *[]string
	lr     float64
	steps  int
}

func (o *fakeOptimizer) ZeroGrad() {
	if o.events != nil {
		*o.events = append(*o.events, "zero_grad")
	}
}

func (o *fakeOptimizer) Step() error {
	if o.events != nil {
		*o.events = append(*o.events, "step")
	}
	o.steps++
	o.model.weight.Data[0] -= o.lr
	return nil
}

func (o *fakeOptimizer) StateDict() *checkpoints.OptimizerState {
	return &checkpoints.OptimizerState{
		Type:            "fake",
		Hyperparameters: map[string]float64{"lr": o.lr},
		StepCount:       uint64(o.steps),
	}
}

func (o *fakeOptimizer) LoadStateDict(state *checkpoints.OptimizerState) error {
	o.lr = state.Hyperparameters["lr"]
	o.steps = int(state.StepCount)
	return nil
}

func (o *fakeOptimizer) LearningRate() float64      { return o.lr }
func (o *fakeOptimizer) SetLearningRate(lr float64) { o.lr = lr }

type fakeScheduler struct {
	metrics []float64
}

func (s *fakeScheduler) Step(metric float64) error {
	s.metrics = append(s.metrics, metric)
	return nil
}

func (s *fakeScheduler) StateDict() *checkpoints.SchedulerState {
	return &checkpoints.SchedulerState{Type: "fake", Values: map[string]float64{"steps": float64(len(s.metrics))}}
}

func (s *fakeScheduler) LoadStateDict(state *checkpoints.SchedulerState) error {
	s.metrics = make([]float64, int(state.Values["steps"]))
	return nil
}

type fakeSource struct {
	batches []dataset.Batch
	pos     int
	resets  int
	err     error
}

func (s *fakeSource) Len() int { return len(s.batches) }
func (s *fakeSource) Reset()   { s.pos = 0; s.resets++ }

func (s *fakeSource) Next() (*dataset.Batch, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.pos >= len(s.batches) {
		return nil, nil
	}
	b := s.batches[s.pos]
	s.pos++
	return &b, nil
}

func sample(shape ...int) dataset.Sample {
	return dataset.Sample{
		Image:       tensor.Zeros(shape...),
		BBoxes:      [][4]float64{{1, 2, 3, 4}},
		ClassLabels: []int{1},
	}
}

func source(numBatches, batchSize int) *fakeSource {
	s := &fakeSource{}
	for i := 0; i < numBatches; i++ {
		batch := make(dataset.Batch, batchSize)
		for j := range batch {
			batch[j] = sample(3, 2, 2)
		}
		s.batches = append(s.batches, batch)
	}
	return s
}

type harness struct {
	model     *fakeModel
	optimizer *fakeOptimizer
	scheduler *fakeScheduler
	train     *fakeSource
	val       *fakeSource
	trainer   *ModelTrainer
	events    []string
	logs      *bytes.Buffer
}

func newHarness(t *testing.T, trainBatches, valBatches int, losses ...float64) *harness {
	t.Helper()
	h := &harness{
		scheduler: &fakeScheduler{},
		train:     source(trainBatches, 2),
		val:       source(valBatches, 2),
		logs:      &bytes.Buffer{},
	}
	h.model = newFakeModel(&h.events, losses...)
	h.optimizer = &fakeOptimizer{model: h.model, events: &h.events, lr: 0.1}

	cfg := DefaultConfig()
	cfg.CheckpointDir = filepath.Join(t.TempDir(), "models")
	cfg.Progress = io.Discard
	cfg.Logger = logger.NewWriter(h.logs)

	trainer, err := NewModelTrainer(h.model, h.optimizer, h.scheduler, device.Host,
		map[Phase]DataSource{PhaseTrain: h.train, PhaseVal: h.val}, cfg)
	if err != nil {
		t.Fatalf("NewModelTrainer: %v", err)
	}
	h.trainer = trainer
	return h
}

func TestNewModelTrainerMovesModel(t *testing.T) {
	model := newFakeModel(nil)
	cuda := device.Device{Type: device.CUDA, Index: 0}
	trainer, err := NewModelTrainer(model, &fakeOptimizer{model: model}, &fakeScheduler{}, cuda, nil, Config{Progress: io.Discard})
	if err != nil {
		t.Fatalf("NewModelTrainer: %v", err)
	}
	if model.device != cuda {
		t.Errorf("model on %s, want %s", model.device, cuda)
	}
	if trainer.Device() != cuda {
		t.Errorf("trainer device %s, want %s", trainer.Device(), cuda)
	}
	if len(trainer.Losses(PhaseTrain)) != 0 || len(trainer.Losses(PhaseVal)) != 0 {
		t.Error("histories should start empty")
	}

	model.toErr = errors.New("out of memory")
	if _, err := NewModelTrainer(model, &fakeOptimizer{model: model}, &fakeScheduler{}, cuda, nil, Config{}); err == nil {
		t.Error("expected the device move failure to be reported")
	}
	if _, err := NewModelTrainer(nil, &fakeOptimizer{}, &fakeScheduler{}, device.Host, nil, Config{}); err == nil {
		t.Error("expected an error for a nil model")
	}
}

func TestRunPhaseReturnsMeanLoss(t *testing.T) {
	h := newHarness(t, 3, 1, 1, 2, 3)

	loss, err := h.trainer.RunPhase(PhaseTrain)
	if err != nil {
		t.Fatalf("RunPhase: %v", err)
	}
	if loss != 2 {
		t.Errorf("mean loss = %f, want 2", loss)
	}
	if got := h.trainer.Losses(PhaseTrain); len(got) != 1 || got[0] != 2 {
		t.Errorf("train history = %v, want [2]", got)
	}
	if h.optimizer.steps != 3 {
		t.Errorf("optimizer stepped %d times, want 3", h.optimizer.steps)
	}
	if h.train.resets != 1 {
		t.Errorf("data source reset %d times, want 1", h.train.resets)
	}
}

func TestRunPhaseTrainOrdering(t *testing.T) {
	h := newHarness(t, 2, 1)

	if _, err := h.trainer.RunPhase(PhaseTrain); err != nil {
		t.Fatalf("RunPhase: %v", err)
	}

	want := []string{
		"train", "zero_grad",
		"forward", "backward", "step", "zero_grad",
		"forward", "backward", "step", "zero_grad",
	}
	if strings.Join(h.events, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v\nwant     %v", h.events, want)
	}
	for i, g := range h.model.grads {
		if !g {
			t.Errorf("batch %d: gradients should be tracked during training", i)
		}
	}
}

func TestValidationLeavesParametersUnchanged(t *testing.T) {
	h := newHarness(t, 1, 4)
	before := h.model.weight.Clone()

	if _, err := h.trainer.RunPhase(PhaseVal); err != nil {
		t.Fatalf("RunPhase: %v", err)
	}

	if !h.model.weight.Equal(before) {
		t.Errorf("validation changed parameters: %v -> %v", before.Data, h.model.weight.Data)
	}
	if h.optimizer.steps != 0 {
		t.Errorf("optimizer stepped %d times during validation", h.optimizer.steps)
	}
	for _, e := range h.events {
		if e == "backward" || e == "step" {
			t.Errorf("unexpected %s during validation", e)
		}
	}
	for i, g := range h.model.grads {
		if g {
			t.Errorf("batch %d: gradients tracked during validation", i)
		}
	}
	if h.events[0] != "eval" {
		t.Errorf("first event = %s, want eval", h.events[0])
	}
}

func TestTrainAlternatesPhases(t *testing.T) {
	h := newHarness(t, 1, 1, 4, 3, 2, 1, 0.5, 0.25)

	if err := h.trainer.Train(3); err != nil {
		t.Fatalf("Train: %v", err)
	}

	var modes []string
	for _, e := range h.events {
		if e == "train" || e == "eval" {
			modes = append(modes, e)
		}
	}
	want := "train,eval,train,eval,train,eval"
	if got := strings.Join(modes, ","); got != want {
		t.Errorf("phase order = %s, want %s", got, want)
	}

	if got := h.trainer.Losses(PhaseTrain); len(got) != 3 || got[0] != 4 || got[1] != 2 || got[2] != 0.5 {
		t.Errorf("train history = %v", got)
	}
	val := h.trainer.Losses(PhaseVal)
	if len(val) != 3 || val[0] != 3 || val[1] != 1 || val[2] != 0.25 {
		t.Errorf("val history = %v", val)
	}

	if len(h.scheduler.metrics) != 3 {
		t.Fatalf("scheduler stepped %d times, want 3", len(h.scheduler.metrics))
	}
	for i, m := range h.scheduler.metrics {
		if m != val[i] {
			t.Errorf("scheduler step %d got %f, want validation loss %f", i, m, val[i])
		}
	}
}

func TestTrainPersistsFinalSnapshot(t *testing.T) {
	h := newHarness(t, 2, 1)

	if err := h.trainer.Train(3); err != nil {
		t.Fatalf("Train: %v", err)
	}

	path := filepath.Join(h.trainer.config.CheckpointDir, "model_epoch_3.json")
	loaded, err := checkpoints.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Epoch != 2 {
		t.Errorf("persisted epoch = %d, want 2", loaded.Epoch)
	}
	if !loaded.ModelState["w"].EqualApprox(h.model.weight, 1e-12) {
		t.Errorf("persisted weight %v, model weight %v", loaded.ModelState["w"].Data, h.model.weight.Data)
	}
	if loaded.OptimizerState == nil || loaded.OptimizerState.StepCount != 6 {
		t.Errorf("persisted optimizer state = %+v, want 6 steps", loaded.OptimizerState)
	}
	if loaded.SchedulerState == nil || loaded.SchedulerState.Values["steps"] != 2 {
		t.Errorf("persisted scheduler state = %+v, want 2 steps", loaded.SchedulerState)
	}
}

func TestTrainOneEpochWritesOneFile(t *testing.T) {
	h := newHarness(t, 1, 1)

	if err := h.trainer.Train(1); err != nil {
		t.Fatalf("Train: %v", err)
	}

	entries, err := os.ReadDir(h.trainer.config.CheckpointDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "model_epoch_1.json" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("checkpoint files = %v, want [model_epoch_1.json]", names)
	}
}

func TestTrainWritesLogsToLogDir(t *testing.T) {
	h := newHarness(t, 1, 1)

	cfg := h.trainer.config
	cfg.Logger = nil
	cfg.LogDir = filepath.Join(t.TempDir(), "logs")

	trainer, err := NewModelTrainer(h.model, h.optimizer, h.scheduler, device.Host,
		map[Phase]DataSource{PhaseTrain: h.train, PhaseVal: h.val}, cfg)
	if err != nil {
		t.Fatalf("NewModelTrainer: %v", err)
	}
	if got := trainer.logger.Dir(); got != cfg.LogDir {
		t.Errorf("logger dir = %q, want %q", got, cfg.LogDir)
	}
	if err := trainer.Train(1); err != nil {
		t.Fatalf("Train: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(cfg.LogDir, "*.log.INFO.*"))
	if err != nil || len(matches) == 0 {
		t.Fatalf("no info log in %s: %v", cfg.LogDir, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read %s: %v", matches[0], err)
	}
	if !strings.Contains(string(data), "training on cpu for 1 epochs") {
		t.Errorf("info log missing the run header:\n%s", data)
	}
}

func TestTrainNonFiniteStateLeavesNoCheckpoint(t *testing.T) {
	h := newHarness(t, 1, 1)
	h.optimizer.lr = math.Inf(1)

	err := h.trainer.Train(1)
	if !errors.Is(err, checkpoints.ErrNonFinite) {
		t.Fatalf("Train error = %v, want ErrNonFinite", err)
	}
	if _, err := os.Stat(h.trainer.CheckpointPath(1)); !os.IsNotExist(err) {
		t.Errorf("no checkpoint file should exist, stat err = %v", err)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	h := newHarness(t, 1, 1)

	if err := h.trainer.Train(1); err != nil {
		t.Fatalf("Train: %v", err)
	}
	snapshot := h.trainer.Snapshot()
	if snapshot == nil {
		t.Fatal("expected a snapshot")
	}
	want := h.model.weight.Data[0]

	h.model.weight.Data[0] = 42
	if got := snapshot.ModelState["w"].Data[0]; got != want {
		t.Errorf("snapshot followed the live model: %f, want %f", got, want)
	}
}

func TestTrainZeroEpochs(t *testing.T) {
	h := newHarness(t, 1, 1)

	if err := h.trainer.Train(0); err != nil {
		t.Fatalf("Train(0): %v", err)
	}
	if _, err := os.Stat(h.trainer.config.CheckpointDir); !os.IsNotExist(err) {
		t.Errorf("expected no checkpoint directory, stat err = %v", err)
	}
	if !strings.Contains(h.logs.String(), "nothing to persist") {
		t.Errorf("expected a warning, logs:\n%s", h.logs.String())
	}

	if err := h.trainer.Train(-1); !errors.Is(err, ErrInvalidEpochs) {
		t.Errorf("Train(-1) error = %v, want ErrInvalidEpochs", err)
	}
}

func TestEmptyPhase(t *testing.T) {
	h := newHarness(t, 0, 1)

	_, err := h.trainer.RunPhase(PhaseTrain)
	if !errors.Is(err, ErrEmptyPhase) {
		t.Fatalf("RunPhase error = %v, want ErrEmptyPhase", err)
	}
	if len(h.trainer.Losses(PhaseTrain)) != 0 {
		t.Error("empty phase should not record a loss")
	}

	if err := h.trainer.Train(2); !errors.Is(err, ErrEmptyPhase) {
		t.Errorf("Train error = %v, want ErrEmptyPhase", err)
	}
}

func TestConsecutiveTrainPhasesAppend(t *testing.T) {
	h := newHarness(t, 1, 1, 5, 7)

	for i := 0; i < 2; i++ {
		if _, err := h.trainer.RunPhase(PhaseTrain); err != nil {
			t.Fatalf("RunPhase %d: %v", i, err)
		}
	}

	got := h.trainer.Losses(PhaseTrain)
	if len(got) != 2 || got[0] != 5 || got[1] != 7 {
		t.Errorf("train history = %v, want [5 7]", got)
	}

	got[0] = 99
	if h.trainer.Losses(PhaseTrain)[0] != 5 {
		t.Error("Losses should return a copy")
	}
}

func TestUnknownPhase(t *testing.T) {
	h := newHarness(t, 1, 1)

	if _, err := h.trainer.RunPhase(Phase("test")); !errors.Is(err, ErrUnknownPhase) {
		t.Errorf("error = %v, want ErrUnknownPhase", err)
	}
}

func TestBatchShapeErrors(t *testing.T) {
	mismatched := sample(3, 4, 4)
	unlabeled := sample(3, 2, 2)
	unlabeled.ClassLabels = nil
	missing := sample(3, 2, 2)
	missing.Image = nil

	tests := []struct {
		name       string
		batch      dataset.Batch
		wantSample int
	}{
		{"image shapes differ", dataset.Batch{sample(3, 2, 2), mismatched}, 1},
		{"boxes without labels", dataset.Batch{sample(3, 2, 2), sample(3, 2, 2), unlabeled}, 2},
		{"missing image", dataset.Batch{missing}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 1, 1)
			h.train.batches = append(h.train.batches, tt.batch)

			_, err := h.trainer.RunPhase(PhaseTrain)
			var shapeErr *BatchShapeError
			if !errors.As(err, &shapeErr) {
				t.Fatalf("error = %v, want *BatchShapeError", err)
			}
			if shapeErr.Batch != 1 || shapeErr.Sample != tt.wantSample {
				t.Errorf("error at batch %d sample %d, want batch 1 sample %d", shapeErr.Batch, shapeErr.Sample, tt.wantSample)
			}
		})
	}
}

func TestDataSourceErrorAborts(t *testing.T) {
	h := newHarness(t, 1, 1)
	h.val.err = errors.New("corrupt image")

	err := h.trainer.Train(1)
	if err == nil || !strings.Contains(err.Error(), "corrupt image") {
		t.Fatalf("Train error = %v, want data source failure", err)
	}
	if _, statErr := os.Stat(h.trainer.config.CheckpointDir); !os.IsNotExist(statErr) {
		t.Error("nothing should be persisted after a failed epoch")
	}
}

func TestObserversAreNotified(t *testing.T) {
	h := newHarness(t, 1, 1)

	var seen []EpochSummary
	h.trainer.AddObserver(ObserverFunc(func(s EpochSummary) error {
		seen = append(seen, s)
		return nil
	}))
	h.trainer.AddObserver(ObserverFunc(func(EpochSummary) error {
		return errors.New("monitor offline")
	}))

	if err := h.trainer.Train(2); err != nil {
		t.Fatalf("Train: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("observer saw %d epochs, want 2", len(seen))
	}
	for i, s := range seen {
		if s.Epoch != i || s.NumEpochs != 2 {
			t.Errorf("summary %d = %+v", i, s)
		}
		if s.LearningRate != 0.1 {
			t.Errorf("summary %d learning rate = %f, want 0.1", i, s.LearningRate)
		}
	}
	if !strings.Contains(h.logs.String(), "monitor offline") {
		t.Errorf("observer failure should be logged, logs:\n%s", h.logs.String())
	}
}

func TestTrainWithPlateauScheduler(t *testing.T) {
	h := newHarness(t, 1, 1)
	plateau, err := NewReduceLROnPlateau(h.optimizer, 0.5, 0, "min")
	if err != nil {
		t.Fatalf("NewReduceLROnPlateau: %v", err)
	}
	h.trainer.scheduler = plateau

	// constant losses: epoch 0 sets the best, epoch 1 exceeds zero patience
	if err := h.trainer.Train(2); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if h.optimizer.lr != 0.05 {
		t.Errorf("learning rate = %f, want 0.05", h.optimizer.lr)
	}
	if !strings.Contains(h.logs.String(), "learning rate changed") {
		t.Errorf("expected the reduction to be logged, logs:\n%s", h.logs.String())
	}
}

func TestLoadCheckpointRestoresState(t *testing.T) {
	h := newHarness(t, 2, 1)
	h.trainer.config.Format = checkpoints.FormatProto
	h.trainer.saver = checkpoints.NewCheckpointSaver(checkpoints.FormatProto)

	if err := h.trainer.Train(2); err != nil {
		t.Fatalf("Train: %v", err)
	}
	path := h.trainer.CheckpointPath(2)
	if filepath.Ext(path) != ".pb" {
		t.Fatalf("checkpoint path %s should use the protobuf extension", path)
	}

	fresh := newHarness(t, 1, 1)
	epoch, err := fresh.trainer.LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if epoch != 1 {
		t.Errorf("restored epoch = %d, want 1", epoch)
	}
	if !fresh.model.weight.EqualApprox(h.model.weight, 1e-12) {
		t.Errorf("restored weight %v, want %v", fresh.model.weight.Data, h.model.weight.Data)
	}
	if fresh.optimizer.steps != 4 {
		t.Errorf("restored optimizer steps = %d, want 4", fresh.optimizer.steps)
	}
	if len(fresh.scheduler.metrics) != 1 {
		t.Errorf("restored scheduler steps = %d, want 1", len(fresh.scheduler.metrics))
	}

	if _, err := fresh.trainer.LoadCheckpoint(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected an error for a missing checkpoint")
	}
}

func TestProgressOutput(t *testing.T) {
	h := newHarness(t, 2, 1)
	var out bytes.Buffer
	h.trainer.config.Progress = &out

	if _, err := h.trainer.RunPhase(PhaseTrain); err != nil {
		t.Fatalf("RunPhase: %v", err)
	}
	if !strings.Contains(out.String(), "train:") || !strings.Contains(out.String(), "2/2") {
		t.Errorf("unexpected progress output %q", out.String())
	}
}
