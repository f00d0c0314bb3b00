package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tsawler/go-detector/tensor"
)

var (
	// ErrUnsupportedFormat is returned for an unknown checkpoint format
	ErrUnsupportedFormat = errors.New("checkpoints: unsupported format")
	// ErrNonFinite is returned when a checkpoint holds a NaN or infinite value
	ErrNonFinite = errors.New("checkpoints: non-finite value")
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for the format
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatProto:
		return "pb"
	default:
		return "json"
	}
}

// ParseFormat maps "json" or "proto" to a CheckpointFormat
func ParseFormat(s string) (CheckpointFormat, error) {
	switch s {
	case "json", "JSON", "":
		return FormatJSON, nil
	case "proto", "pb", "protobuf":
		return FormatProto, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// StateDict maps parameter names to tensors
type StateDict map[string]*tensor.Tensor

// Clone deep-copies every tensor
func (sd StateDict) Clone() StateDict {
	if sd == nil {
		return nil
	}
	out := make(StateDict, len(sd))
	for k, v := range sd {
		out[k] = v.Clone()
	}
	return out
}

// Keys returns the parameter names in sorted order
func (sd StateDict) Keys() []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// OptimizerState captures optimizer hyperparameters and per-parameter buffers
type OptimizerState struct {
	Type            string             `json:"type"`
	Hyperparameters map[string]float64 `json:"hyperparameters"`
	StepCount       uint64             `json:"step_count"`
	Buffers         StateDict          `json:"buffers,omitempty"`
}

// Clone deep-copies the state
func (s *OptimizerState) Clone() *OptimizerState {
	if s == nil {
		return nil
	}
	return &OptimizerState{
		Type:            s.Type,
		Hyperparameters: cloneFloats(s.Hyperparameters),
		StepCount:       s.StepCount,
		Buffers:         s.Buffers.Clone(),
	}
}

// SchedulerState captures a learning-rate scheduler's counters and settings
type SchedulerState struct {
	Type   string             `json:"type"`
	Values map[string]float64 `json:"values"`
}

// Clone deep-copies the state
func (s *SchedulerState) Clone() *SchedulerState {
	if s == nil {
		return nil
	}
	return &SchedulerState{Type: s.Type, Values: cloneFloats(s.Values)}
}

// Checkpoint represents model weights, optimizer and scheduler state at the end of an epoch
type Checkpoint struct {
	Epoch          int             `json:"epoch"`
	ModelState     StateDict       `json:"state_dict"`
	OptimizerState *OptimizerState `json:"optimizer,omitempty"`
	SchedulerState *SchedulerState `json:"scheduler,omitempty"`
	Metadata       Metadata        `json:"metadata"`
}

// Clone deep-copies the checkpoint
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	return &Checkpoint{
		Epoch:          c.Epoch,
		ModelState:     c.ModelState.Clone(),
		OptimizerState: c.OptimizerState.Clone(),
		SchedulerState: c.SchedulerState.Clone(),
		Metadata:       c.Metadata,
	}
}

// Metadata contains checkpoint metadata
type Metadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Device      string    `json:"device,omitempty"`
	Description string    `json:"description,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// Format returns the saver's format
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes a checkpoint, creating the parent directory if needed
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-detector"
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	if err := checkFinite(checkpoint); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatProto:
		return cs.saveProto(checkpoint, path)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, cs.format)
	}
}

// LoadCheckpoint reads a checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatProto:
		return cs.loadProto(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, cs.format)
	}
}

// Load picks the format from the file extension
func Load(path string) (*Checkpoint, error) {
	format := FormatJSON
	if filepath.Ext(path) == "."+FormatProto.Extension() {
		format = FormatProto
	}
	return NewCheckpointSaver(format).LoadCheckpoint(path)
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	return writeFileAtomic(path, func(w io.Writer) error {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")

		if err := encoder.Encode(checkpoint); err != nil {
			return fmt.Errorf("failed to encode checkpoint: %w", err)
		}
		return nil
	})
}

// writeFileAtomic writes to a temporary file next to path and renames it into
// place. On failure the temporary file is removed and path is left untouched.
func writeFileAtomic(path string, write func(w io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}

	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to set checkpoint permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}

// checkFinite returns ErrNonFinite naming the first NaN or infinite value
func checkFinite(c *Checkpoint) error {
	if err := checkStateFinite("model state", c.ModelState); err != nil {
		return err
	}
	if c.OptimizerState != nil {
		if err := checkFloatsFinite("optimizer hyperparameter", c.OptimizerState.Hyperparameters); err != nil {
			return err
		}
		if err := checkStateFinite("optimizer buffer", c.OptimizerState.Buffers); err != nil {
			return err
		}
	}
	if c.SchedulerState != nil {
		if err := checkFloatsFinite("scheduler value", c.SchedulerState.Values); err != nil {
			return err
		}
	}
	return nil
}

func checkStateFinite(kind string, sd StateDict) error {
	for _, name := range sd.Keys() {
		t := sd[name]
		if t == nil {
			continue
		}
		for i, v := range t.Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: %s %s[%d] is %v", ErrNonFinite, kind, name, i, v)
			}
		}
	}
	return nil
}

func checkFloatsFinite(kind string, values map[string]float64) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if v := values[k]; math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s %s is %v", ErrNonFinite, kind, k, v)
		}
	}
	return nil
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}

	return &checkpoint, nil
}

func cloneFloats(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
