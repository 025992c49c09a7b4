package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepspectral/internal/store"
)

// splitArtifact builds eigenvectors over a rows x cols grid whose
// second eigenvector cleanly separates the left and right halves.
func splitArtifact(rows, cols int) *store.EigenArtifact {
	n := rows * cols
	vectors := make([]float64, 2*n)
	for j := 0; j < n; j++ {
		vectors[j] = 1 // constant leading vector
		if j%cols < cols/2 {
			vectors[n+j] = -1
		} else {
			vectors[n+j] = 1
		}
	}
	return &store.EigenArtifact{
		ID:          "img",
		Matrix:      "laplacian",
		K:           2,
		N:           n,
		Eigenvalues: []float64{0, 0.3},
		Vectors:     vectors,
	}
}

func TestMultiRegionSeparatesHalves(t *testing.T) {
	eigs := splitArtifact(4, 8)

	m, err := MultiRegion(eigs, 4, 8, Options{Segments: 2})
	require.NoError(t, err)

	labels := store.Labels(m)
	assert.LessOrEqual(t, len(labels), 2)

	// All patches in one half share a label, opposite in the other.
	left := m.GrayAt(0, 0).Y
	right := m.GrayAt(7, 0).Y
	assert.NotEqual(t, left, right)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			assert.Equal(t, left, m.GrayAt(x, y).Y)
			assert.Equal(t, right, m.GrayAt(x+4, y).Y)
		}
	}
}

func TestMultiRegionLabelCountBounded(t *testing.T) {
	eigs := splitArtifact(4, 8)

	m, err := MultiRegion(eigs, 4, 8, Options{Segments: 15})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(store.Labels(m)), 15)
}

func TestMultiRegionValidates(t *testing.T) {
	eigs := splitArtifact(4, 8)

	_, err := MultiRegion(eigs, 3, 8, Options{Segments: 2})
	assert.Error(t, err)

	_, err = MultiRegion(eigs, 4, 8, Options{Segments: 1})
	assert.Error(t, err)

	one := &store.EigenArtifact{ID: "x", K: 1, N: 4, Eigenvalues: []float64{0}, Vectors: []float64{1, 1, 1, 1}}
	_, err = MultiRegion(one, 1, 4, Options{Segments: 2})
	assert.Error(t, err)
}

func TestAdaptiveClusterCount(t *testing.T) {
	// Largest gap after index 2 -> three clusters.
	assert.Equal(t, 3, adaptiveClusterCount([]float64{0, 0.01, 0.02, 0.9, 0.95}))
}

func TestInferBackgroundSwapsDominantBorderLabel(t *testing.T) {
	// 3x3 grid: border is label 2, center is label 0.
	labels := []int{
		2, 2, 2,
		2, 0, 2,
		2, 2, 2,
	}
	inferBackground(labels, 3, 3)
	assert.Equal(t, []int{0, 0, 0, 0, 2, 0, 0, 0, 0}, labels)
}

func TestSingleRegionThreshold(t *testing.T) {
	eigs := splitArtifact(2, 4)

	m, err := SingleRegion(eigs, 2, 4, 0.0)
	require.NoError(t, err)

	assert.Equal(t, uint8(0), m.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(255), m.GrayAt(3, 1).Y)
}
