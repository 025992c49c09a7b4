package store

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

// FeatureArtifact is the per-image output of the feature extraction
// stage: one descriptor per backbone patch, plus the image geometry the
// downstream stages need to reshape patch-space results.
type FeatureArtifact struct {
	ID        string
	ModelName string
	PatchSize int
	Dim       int

	// Original image size in pixels and the derived patch grid.
	ImageWidth  int
	ImageHeight int
	PatchRows   int
	PatchCols   int

	// Row-major (PatchRows*PatchCols) x Dim.
	Data []float64
}

// Patches returns the features as an (N x Dim) matrix view.
func (a *FeatureArtifact) Patches() *mat.Dense {
	return mat.NewDense(a.PatchRows*a.PatchCols, a.Dim, a.Data)
}

// NumPatches returns the number of rows in the patch grid flattening.
func (a *FeatureArtifact) NumPatches() int {
	return a.PatchRows * a.PatchCols
}

// FeatureStore reads and writes one gob-encoded FeatureArtifact per
// image id.
type FeatureStore struct {
	dir string
}

func NewFeatureStore(dir string) *FeatureStore {
	return &FeatureStore{dir: dir}
}

func (s *FeatureStore) Dir() string { return s.dir }

func (s *FeatureStore) path(id string) string {
	return filepath.Join(s.dir, id+".gob")
}

func (s *FeatureStore) Has(id string) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

func (s *FeatureStore) Save(a *FeatureArtifact) error {
	if a.ID == "" {
		return fmt.Errorf("feature artifact has no id")
	}
	if len(a.Data) != a.PatchRows*a.PatchCols*a.Dim {
		return fmt.Errorf("feature artifact %s: data length %d does not match %dx%dx%d",
			a.ID, len(a.Data), a.PatchRows, a.PatchCols, a.Dim)
	}
	if err := EnsureDir(s.dir); err != nil {
		return err
	}
	return writeGob(s.path(a.ID), a)
}

func (s *FeatureStore) Load(id string) (*FeatureArtifact, error) {
	var a FeatureArtifact
	if err := readGob(s.path(id), &a); err != nil {
		return nil, fmt.Errorf("load features for %s: %w", id, err)
	}
	return &a, nil
}

// Missing reports list ids with no stored artifact.
func (s *FeatureStore) Missing(list *ImageList) []string {
	return MissingIDs(list, s.Has)
}

// writeGob writes to a temporary file and renames, so a crashed stage
// never leaves a truncated artifact that a later run would mistake for
// a complete one.
func writeGob(path string, v interface{}) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(v); err != nil {
		tmp.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), path)
}

func readGob(path string, v interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
