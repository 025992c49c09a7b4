package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepspectral/internal/store"
)

// collection builds two images whose boxes fall into two well
// separated feature groups.
func collection() *store.BoxCollection {
	c := store.NewBoxCollection()
	c.Images = append(c.Images,
		store.ImageBoxes{
			ID:             "a",
			SegmentIndices: []int{1, 2},
			Boxes:          []store.BBox{{XMin: 0, YMin: 0, XMax: 1, YMax: 1}, {XMin: 1, YMin: 1, XMax: 2, YMax: 2}},
			ImageSpace:     []store.BBox{{XMin: 0, YMin: 0, XMax: 16, YMax: 16}, {XMin: 16, YMin: 16, XMax: 32, YMax: 32}},
			Features:       [][]float64{{10, 0, 0}, {0, 10, 0.1}},
		},
		store.ImageBoxes{
			ID:             "b",
			SegmentIndices: []int{1},
			Boxes:          []store.BBox{{XMin: 2, YMin: 2, XMax: 3, YMax: 3}},
			ImageSpace:     []store.BBox{{XMin: 32, YMin: 32, XMax: 48, YMax: 48}},
			Features:       [][]float64{{9, 0.2, 0}},
		},
	)
	return c
}

func TestAssignClustersByFeatureGroup(t *testing.T) {
	c := collection()
	require.NoError(t, Assign(c, Options{NumClusters: 2}))

	// One cluster id per box, features dropped.
	require.Len(t, c.Images[0].Clusters, 2)
	require.Len(t, c.Images[1].Clusters, 1)
	assert.Nil(t, c.Images[0].Features)
	assert.Nil(t, c.Images[1].Features)

	for _, rec := range c.Images {
		for _, cl := range rec.Clusters {
			assert.GreaterOrEqual(t, cl, 0)
			assert.Less(t, cl, 2)
		}
	}

	// Both near-x-axis boxes share a cluster, the y-axis box differs.
	assert.Equal(t, c.Images[0].Clusters[0], c.Images[1].Clusters[0])
	assert.NotEqual(t, c.Images[0].Clusters[0], c.Images[0].Clusters[1])
}

func TestAssignWithPCA(t *testing.T) {
	c := collection()
	require.NoError(t, Assign(c, Options{NumClusters: 2, PCADim: 2}))
	require.Len(t, c.Images[0].Clusters, 2)
}

func TestAssignValidation(t *testing.T) {
	assert.Error(t, Assign(collection(), Options{NumClusters: 1}))

	// More clusters than boxes.
	assert.Error(t, Assign(collection(), Options{NumClusters: 4}))

	// Feature/box count mismatch.
	c := collection()
	c.Images[0].Features = c.Images[0].Features[:1]
	assert.Error(t, Assign(c, Options{NumClusters: 2}))

	// Inconsistent dimensions.
	c = collection()
	c.Images[1].Features[0] = []float64{1, 2}
	assert.Error(t, Assign(c, Options{NumClusters: 2}))
}

func TestNormalized(t *testing.T) {
	v := normalized([]float64{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-12)
	assert.InDelta(t, 0.8, v[1], 1e-12)

	zero := normalized([]float64{0, 0})
	assert.Equal(t, []float64{0, 0}, zero)
}
