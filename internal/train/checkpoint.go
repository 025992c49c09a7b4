package train

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

// Checkpoint is the serialized training state. Epoch counts completed
// epochs; a resumed run continues with the next one.
type Checkpoint struct {
	Step  int
	Epoch int

	NumClasses int
	Dim        int
	Weights    []float64
	Bias       []float64

	// Momentum buffers.
	VW []float64
	VB []float64

	// EMA shadow, present when EMA was active.
	EMAWeights []float64
	EMABias    []float64
}

// SaveCheckpoint writes the state under dir, both as a step-stamped
// file and as latest.gob.
func SaveCheckpoint(dir string, ck *Checkpoint) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create checkpoint dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("checkpoint_step_%06d.gob", ck.Step))
	if err := writeCheckpoint(path, ck); err != nil {
		return "", err
	}
	if err := writeCheckpoint(filepath.Join(dir, "latest.gob"), ck); err != nil {
		return "", err
	}
	return path, nil
}

func writeCheckpoint(path string, ck *Checkpoint) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(ck); err != nil {
		tmp.Close()
		return fmt.Errorf("encode checkpoint %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), path)
}

func LoadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	var ck Checkpoint
	if err := gob.NewDecoder(f).Decode(&ck); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	return &ck, nil
}
