// Package model provides a reference detection network built on gorgonia's
// symbolic differentiation.
package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gorgonia.org/gorgonia"
	gt "gorgonia.org/tensor"

	"github.com/tsawler/go-detector/checkpoints"
	"github.com/tsawler/go-detector/device"
	"github.com/tsawler/go-detector/optimizer"
	"github.com/tsawler/go-detector/tensor"
	"github.com/tsawler/go-detector/training"
)

// ErrNoGradients is returned by Backward when no tracked forward pass is pending
var ErrNoGradients = errors.New("model: backward called without a tracked forward pass")

// Loss term names reported by Forward
const (
	LossClassifier = "loss_classifier"
	LossBoxReg     = "loss_box_reg"
)

// Config describes a LinearDetector
type Config struct {
	Channels   int   // image channels
	PoolSize   int   // side of the average-pooling grid
	NumClasses int   // number of classes including background 0
	Seed       int64 // weight initialization seed
}

// LinearDetector predicts one class and one box per image from average-pooled
// pixel features with two linear heads. It exists to exercise the training
// loop end to end rather than to detect well.
type LinearDetector struct {
	config   Config
	featDim  int
	params   []*optimizer.Parameter
	byName   map[string]*optimizer.Parameter
	training bool
	device   device.Device

	pending [][]float64 // gradients of the last tracked Forward, one per parameter
}

// NewLinearDetector creates a detector with small random weights and zero biases
func NewLinearDetector(config Config) (*LinearDetector, error) {
	if config.Channels <= 0 || config.PoolSize <= 0 {
		return nil, fmt.Errorf("channels and pool size must be positive, got %d and %d", config.Channels, config.PoolSize)
	}
	if config.NumClasses < 2 {
		return nil, fmt.Errorf("need at least 2 classes, got %d", config.NumClasses)
	}

	d := config.Channels * config.PoolSize * config.PoolSize
	k := config.NumClasses
	rng := rand.New(rand.NewSource(config.Seed))
	scale := 1 / math.Sqrt(float64(d))

	randomTensor := func(shape ...int) *tensor.Tensor {
		t := tensor.Zeros(shape...)
		for i := range t.Data {
			t.Data[i] = rng.NormFloat64() * scale
		}
		return t
	}

	params := []*optimizer.Parameter{
		optimizer.NewParameter("cls_score.weight", randomTensor(d, k)),
		optimizer.NewParameter("cls_score.bias", tensor.Zeros(1, k)),
		optimizer.NewParameter("bbox_pred.weight", randomTensor(d, 4)),
		optimizer.NewParameter("bbox_pred.bias", tensor.Zeros(1, 4)),
	}

	m := &LinearDetector{
		config:   config,
		featDim:  d,
		params:   params,
		byName:   make(map[string]*optimizer.Parameter, len(params)),
		training: true,
		device:   device.Host,
	}
	for _, p := range params {
		m.byName[p.Name] = p
	}
	return m, nil
}

// Parameters returns the trainable parameters in a fixed order
func (m *LinearDetector) Parameters() []*optimizer.Parameter {
	return m.params
}

// To tags the parameters with dev. Values stay host resident.
func (m *LinearDetector) To(dev device.Device) error {
	for _, p := range m.params {
		p.Value.Device = dev
		p.Grad.Device = dev
	}
	m.device = dev
	return nil
}

func (m *LinearDetector) Train() { m.training = true }
func (m *LinearDetector) Eval()  { m.training = false }

// IsTraining reports whether the model is in training mode
func (m *LinearDetector) IsTraining() bool {
	return m.training
}

// Forward runs both heads over a [N, C, H, W] batch and computes the loss terms.
// Gradients are computed and kept for Backward only when gradEnabled is set.
func (m *LinearDetector) Forward(images *tensor.Tensor, targets []training.Target, gradEnabled bool) ([]training.Prediction, training.LossDict, error) {
	if len(images.Shape) != 4 || images.Shape[1] != m.config.Channels {
		return nil, nil, fmt.Errorf("expected a [N, %d, H, W] batch, got shape %v", m.config.Channels, images.Shape)
	}
	n := images.Shape[0]
	if len(targets) != n {
		return nil, nil, fmt.Errorf("got %d targets for %d images", len(targets), n)
	}
	height, width := float64(images.Shape[2]), float64(images.Shape[3])

	features, _, err := poolFeatures(images, m.config.PoolSize)
	if err != nil {
		return nil, nil, err
	}

	labels := make([]int, n)
	boxes := make([][4]float64, n)
	hasBox := make([]bool, n)
	for i, t := range targets {
		if t.Labels == nil || t.Boxes == nil || t.Labels.NumElems() == 0 || t.Boxes.NumElems() < 4 {
			continue
		}
		labels[i] = int(t.Labels.Data[0])
		copy(boxes[i][:], t.Boxes.Data[:4])
		hasBox[i] = true
	}
	onehot, boxTarget, mask, err := encodeTargets(labels, boxes, hasBox, m.config.NumClasses, width, height)
	if err != nil {
		return nil, nil, err
	}

	g := newGraph(m, n, features, onehot, boxTarget, mask)
	if err := g.build(gradEnabled); err != nil {
		return nil, nil, fmt.Errorf("failed to build graph: %w", err)
	}
	defer g.close()

	if err := g.run(); err != nil {
		return nil, nil, fmt.Errorf("failed to run graph: %w", err)
	}

	clsLoss, err := scalarValue(g.clsLoss)
	if err != nil {
		return nil, nil, err
	}
	boxLoss, err := scalarValue(g.boxLoss)
	if err != nil {
		return nil, nil, err
	}

	logits, err := sliceValue(g.logits)
	if err != nil {
		return nil, nil, err
	}
	boxOut, err := sliceValue(g.boxes)
	if err != nil {
		return nil, nil, err
	}

	if gradEnabled {
		grads := make([][]float64, len(g.grads))
		for i, gn := range g.grads {
			if grads[i], err = sliceValue(gn); err != nil {
				return nil, nil, fmt.Errorf("gradient of %s: %w", m.params[i].Name, err)
			}
		}
		m.pending = grads
	} else {
		m.pending = nil
	}

	predictions := decodePredictions(logits, boxOut, n, m.config.NumClasses, width, height, m.device)
	return predictions, training.LossDict{LossClassifier: clsLoss, LossBoxReg: boxLoss}, nil
}

// Backward adds the gradients of the last tracked Forward to the parameters
func (m *LinearDetector) Backward() error {
	if m.pending == nil {
		return ErrNoGradients
	}
	for i, p := range m.params {
		if err := p.AccumulateGrad(m.pending[i]); err != nil {
			return err
		}
	}
	m.pending = nil
	return nil
}

// StateDict returns the live parameter tensors by name
func (m *LinearDetector) StateDict() checkpoints.StateDict {
	state := make(checkpoints.StateDict, len(m.params))
	for _, p := range m.params {
		state[p.Name] = p.Value
	}
	return state
}

// LoadStateDict copies every parameter from state. Nothing is modified
// unless every entry matches a parameter by name and shape.
func (m *LinearDetector) LoadStateDict(state checkpoints.StateDict) error {
	for _, name := range state.Keys() {
		p, ok := m.byName[name]
		if !ok {
			return fmt.Errorf("unexpected parameter %s in state dict", name)
		}
		if src := state[name]; src == nil || !tensor.SameShape(p.Value.Shape, src.Shape) {
			return fmt.Errorf("parameter %s has an incompatible shape", name)
		}
	}
	for _, p := range m.params {
		if _, ok := state[p.Name]; !ok {
			return fmt.Errorf("state dict is missing %s", p.Name)
		}
	}

	for _, p := range m.params {
		if err := p.Value.CopyFrom(state[p.Name]); err != nil {
			return fmt.Errorf("failed to load %s: %w", p.Name, err)
		}
	}
	return nil
}

// decodePredictions turns logits and normalized boxes into per-image predictions
func decodePredictions(logits, boxes []float64, n, k int, width, height float64, dev device.Device) []training.Prediction {
	predictions := make([]training.Prediction, n)
	for i := 0; i < n; i++ {
		row := logits[i*k : (i+1)*k]
		best, maxLogit := 0, row[0]
		for j, v := range row {
			if v > maxLogit {
				best, maxLogit = j, v
			}
		}
		total := 0.0
		for _, v := range row {
			total += math.Exp(v - maxLogit)
		}

		b := boxes[i*4 : (i+1)*4]
		box := tensor.FromBoxes([][4]float64{{b[0] * width, b[1] * height, b[2] * width, b[3] * height}})
		predictions[i] = training.Prediction{
			Boxes:  box.To(dev),
			Labels: []int{best},
			Scores: []float64{1 / total},
		}
	}
	return predictions
}

func scalarValue(n *gorgonia.Node) (float64, error) {
	if n.Value() == nil {
		return 0, fmt.Errorf("node %s has no value", n.Name())
	}
	switch v := n.Value().Data().(type) {
	case float64:
		return v, nil
	case []float64:
		if len(v) == 1 {
			return v[0], nil
		}
	}
	return 0, fmt.Errorf("node %s is not a float64 scalar", n.Name())
}

func sliceValue(n *gorgonia.Node) ([]float64, error) {
	if n.Value() == nil {
		return nil, fmt.Errorf("node %s has no value", n.Name())
	}
	switch v := n.Value().Data().(type) {
	case []float64:
		return append([]float64(nil), v...), nil
	case float64:
		return []float64{v}, nil
	}
	return nil, fmt.Errorf("node %s does not hold float64 data", n.Name())
}

// detectorGraph is the expression graph of one Forward call
type detectorGraph struct {
	model *LinearDetector
	n     int

	g       *gorgonia.ExprGraph
	x       *gorgonia.Node
	onehot  *gorgonia.Node
	boxTgt  *gorgonia.Node
	mask    *gorgonia.Node
	shift   *gorgonia.Node
	weights []*gorgonia.Node

	logits  *gorgonia.Node
	boxes   *gorgonia.Node
	clsLoss *gorgonia.Node
	boxLoss *gorgonia.Node
	grads   gorgonia.Nodes

	machine gorgonia.VM
}

func newGraph(m *LinearDetector, n int, features, onehot, boxTarget, mask []float64) *detectorGraph {
	g := gorgonia.NewGraph()
	matrix := func(name string, data []float64, rows, cols int) *gorgonia.Node {
		value := gt.New(gt.WithBacking(data), gt.WithShape(rows, cols))
		return gorgonia.NewMatrix(g, gt.Float64, gorgonia.WithShape(rows, cols), gorgonia.WithName(name), gorgonia.WithValue(value))
	}

	dg := &detectorGraph{
		model:  m,
		n:      n,
		g:      g,
		x:      matrix("features", features, n, m.featDim),
		onehot: matrix("onehot", onehot, n, m.config.NumClasses),
		boxTgt: matrix("box_target", boxTarget, n, 4),
		mask:   matrix("box_mask", mask, n, 4),
	}
	cls, bias := m.params[0].Value, m.params[1].Value
	shift := logitShift(features, n, m.featDim, cls.Data, bias.Data, m.config.NumClasses)
	dg.shift = matrix("logit_shift", shift, n, 1)
	for _, p := range m.params {
		// the graph works on a copy so a failed run cannot corrupt parameters
		data := append([]float64(nil), p.Value.Data...)
		dg.weights = append(dg.weights, matrix(p.Name, data, p.Value.Shape[0], p.Value.Shape[1]))
	}
	return dg
}

func (dg *detectorGraph) build(withGrad bool) error {
	clsW, clsB, boxW, boxB := dg.weights[0], dg.weights[1], dg.weights[2], dg.weights[3]

	// logits = X·Wc + bc
	xw, err := gorgonia.Mul(dg.x, clsW)
	if err != nil {
		return err
	}
	if dg.logits, err = gorgonia.BroadcastAdd(xw, clsB, nil, []byte{0}); err != nil {
		return err
	}

	// log-softmax = z - log Σ exp(z), z = logits - row max so exp(z) <= 1
	shifted, err := gorgonia.BroadcastSub(dg.logits, dg.shift, nil, []byte{1})
	if err != nil {
		return err
	}
	exp, err := gorgonia.Exp(shifted)
	if err != nil {
		return err
	}
	sumExp, err := gorgonia.Sum(exp, 1)
	if err != nil {
		return err
	}
	lse, err := gorgonia.Log(sumExp)
	if err != nil {
		return err
	}
	if lse, err = gorgonia.Reshape(lse, gt.Shape{dg.n, 1}); err != nil {
		return err
	}
	logProbs, err := gorgonia.BroadcastSub(shifted, lse, nil, []byte{1})
	if err != nil {
		return err
	}

	// cross entropy = -Σ onehot·logp / N
	picked, err := gorgonia.HadamardProd(dg.onehot, logProbs)
	if err != nil {
		return err
	}
	sumPicked, err := gorgonia.Sum(picked)
	if err != nil {
		return err
	}
	if dg.clsLoss, err = gorgonia.Mul(sumPicked, gorgonia.NewConstant(-1/float64(dg.n))); err != nil {
		return err
	}

	// boxes = X·Wb + bb, loss is the masked mean squared error
	xb, err := gorgonia.Mul(dg.x, boxW)
	if err != nil {
		return err
	}
	if dg.boxes, err = gorgonia.BroadcastAdd(xb, boxB, nil, []byte{0}); err != nil {
		return err
	}
	diff, err := gorgonia.Sub(dg.boxes, dg.boxTgt)
	if err != nil {
		return err
	}
	sq, err := gorgonia.Square(diff)
	if err != nil {
		return err
	}
	masked, err := gorgonia.HadamardProd(sq, dg.mask)
	if err != nil {
		return err
	}
	sumSq, err := gorgonia.Sum(masked)
	if err != nil {
		return err
	}
	if dg.boxLoss, err = gorgonia.Mul(sumSq, gorgonia.NewConstant(1/float64(maskedCount(dg.mask)))); err != nil {
		return err
	}

	if withGrad {
		total, err := gorgonia.Add(dg.clsLoss, dg.boxLoss)
		if err != nil {
			return err
		}
		if dg.grads, err = gorgonia.Grad(total, dg.weights...); err != nil {
			return err
		}
	}

	dg.machine = gorgonia.NewTapeMachine(dg.g)
	return nil
}

func (dg *detectorGraph) run() error {
	return dg.machine.RunAll()
}

func (dg *detectorGraph) close() {
	if dg.machine != nil {
		dg.machine.Close()
	}
}

// maskedCount returns the number of supervised box coordinates, at least 1
func maskedCount(mask *gorgonia.Node) int {
	data, _ := mask.Value().Data().([]float64)
	count := 0
	for _, v := range data {
		if v != 0 {
			count++
		}
	}
	if count == 0 {
		return 1
	}
	return count
}
