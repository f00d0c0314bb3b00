package checkpoints

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// The protobuf format stores the checkpoint as a google.protobuf.Struct so that
// any protobuf runtime can read it back without a generated schema.

// ToStruct converts a checkpoint into a protobuf Struct
func ToStruct(checkpoint *Checkpoint) (*structpb.Struct, error) {
	raw, err := json.Marshal(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to flatten checkpoint: %w", err)
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build protobuf struct: %w", err)
	}
	return s, nil
}

// FromStruct converts a protobuf Struct produced by ToStruct back into a checkpoint
func FromStruct(s *structpb.Struct) (*Checkpoint, error) {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return nil, fmt.Errorf("failed to encode protobuf struct: %w", err)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(raw, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &checkpoint, nil
}

func (cs *CheckpointSaver) saveProto(checkpoint *Checkpoint, path string) error {
	s, err := ToStruct(checkpoint)
	if err != nil {
		return err
	}

	data, err := proto.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	return writeFileAtomic(path, func(w io.Writer) error {
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("failed to write checkpoint file: %w", err)
		}
		return nil
	})
}

func (cs *CheckpointSaver) loadProto(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}

	return FromStruct(&s)
}
