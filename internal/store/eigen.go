package store

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

// EigenArtifact is the per-image output of the eigendecomposition
// stage: the K selected eigenvectors of the affinity matrix, one per
// row, with their eigenvalues in matching order.
type EigenArtifact struct {
	ID     string
	Matrix string // affinity kind the vectors were computed from

	K           int
	N           int // number of patches (columns per eigenvector)
	Eigenvalues []float64
	Vectors     []float64 // row-major K x N
}

// Vector returns eigenvector k as a length-N slice view.
func (a *EigenArtifact) Vector(k int) []float64 {
	return a.Vectors[k*a.N : (k+1)*a.N]
}

// VectorsDense returns the eigenvectors as a (K x N) matrix view.
func (a *EigenArtifact) VectorsDense() *mat.Dense {
	return mat.NewDense(a.K, a.N, a.Vectors)
}

// EigenStore reads and writes one gob-encoded EigenArtifact per image id.
type EigenStore struct {
	dir string
}

func NewEigenStore(dir string) *EigenStore {
	return &EigenStore{dir: dir}
}

func (s *EigenStore) Dir() string { return s.dir }

func (s *EigenStore) path(id string) string {
	return filepath.Join(s.dir, id+".gob")
}

func (s *EigenStore) Has(id string) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

func (s *EigenStore) Save(a *EigenArtifact) error {
	if a.ID == "" {
		return fmt.Errorf("eigen artifact has no id")
	}
	if len(a.Vectors) != a.K*a.N {
		return fmt.Errorf("eigen artifact %s: vector data length %d does not match %dx%d",
			a.ID, len(a.Vectors), a.K, a.N)
	}
	if len(a.Eigenvalues) != a.K {
		return fmt.Errorf("eigen artifact %s: %d eigenvalues for K=%d", a.ID, len(a.Eigenvalues), a.K)
	}
	if err := EnsureDir(s.dir); err != nil {
		return err
	}
	return writeGob(s.path(a.ID), a)
}

func (s *EigenStore) Load(id string) (*EigenArtifact, error) {
	var a EigenArtifact
	if err := readGob(s.path(id), &a); err != nil {
		return nil, fmt.Errorf("load eigenvectors for %s: %w", id, err)
	}
	return &a, nil
}

func (s *EigenStore) Missing(list *ImageList) []string {
	return MissingIDs(list, s.Has)
}
