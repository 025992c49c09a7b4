package store

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadImageList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "images.txt")
	require.NoError(t, os.WriteFile(path, []byte("2007_000027.jpg\n\n2007_000032.jpg\n"), 0o644))

	list, err := LoadImageList(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"2007_000027", "2007_000032"}, list.IDs())
}

func TestLoadImageListRejectsDuplicatesAndEmpty(t *testing.T) {
	dir := t.TempDir()

	dup := filepath.Join(dir, "dup.txt")
	require.NoError(t, os.WriteFile(dup, []byte("a.jpg\na.png\n"), 0o644))
	_, err := LoadImageList(dup)
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0o644))
	_, err = LoadImageList(empty)
	assert.Error(t, err)
}

func TestFeatureStoreRoundTrip(t *testing.T) {
	s := NewFeatureStore(t.TempDir())

	art := &FeatureArtifact{
		ID:          "img1",
		ModelName:   "hist16",
		PatchSize:   16,
		Dim:         2,
		ImageWidth:  64,
		ImageHeight: 32,
		PatchRows:   2,
		PatchCols:   4,
		Data:        []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
	}
	require.NoError(t, s.Save(art))
	assert.True(t, s.Has("img1"))
	assert.False(t, s.Has("img2"))

	got, err := s.Load("img1")
	require.NoError(t, err)
	assert.Equal(t, art, got)
	assert.Equal(t, 8, got.NumPatches())

	m := got.Patches()
	r, c := m.Dims()
	assert.Equal(t, 8, r)
	assert.Equal(t, 2, c)
}

func TestFeatureStoreRejectsShapeMismatch(t *testing.T) {
	s := NewFeatureStore(t.TempDir())
	err := s.Save(&FeatureArtifact{ID: "x", Dim: 3, PatchRows: 2, PatchCols: 2, Data: []float64{1}})
	assert.Error(t, err)
}

func TestEigenStoreRoundTrip(t *testing.T) {
	s := NewEigenStore(t.TempDir())

	art := &EigenArtifact{
		ID:          "img1",
		Matrix:      "laplacian",
		K:           2,
		N:           3,
		Eigenvalues: []float64{0, 0.5},
		Vectors:     []float64{1, 1, 1, -1, 0, 1},
	}
	require.NoError(t, s.Save(art))

	got, err := s.Load("img1")
	require.NoError(t, err)
	assert.Equal(t, art, got)
	assert.Equal(t, []float64{-1, 0, 1}, got.Vector(1))
}

func TestSegmentationStoreRoundTrip(t *testing.T) {
	s := NewSegmentationStore(t.TempDir())

	m := image.NewGray(image.Rect(0, 0, 4, 2))
	copy(m.Pix, []uint8{0, 0, 1, 1, 2, 2, 3, 3})
	require.NoError(t, s.Save("img1", m))

	got, err := s.Load("img1")
	require.NoError(t, err)
	assert.Equal(t, m.Pix, got.Pix)
	assert.Equal(t, []int{0, 1, 2, 3}, Labels(got))
}

func TestMissingIDs(t *testing.T) {
	s := NewFeatureStore(t.TempDir())
	list := NewImageList("a", "b")

	require.NoError(t, s.Save(&FeatureArtifact{ID: "a", Dim: 1, PatchRows: 1, PatchCols: 1, Data: []float64{1}}))

	assert.Equal(t, []string{"b"}, s.Missing(list))
	assert.Error(t, RequireComplete("features", s.Missing(list)))

	require.NoError(t, s.Save(&FeatureArtifact{ID: "b", Dim: 1, PatchRows: 1, PatchCols: 1, Data: []float64{1}}))
	assert.NoError(t, RequireComplete("features", s.Missing(list)))
}

func TestBoxCollectionRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boxes", "bboxes_e2_d3.json")

	c := NewBoxCollection()
	c.Images = append(c.Images, ImageBoxes{
		ID:             "img1",
		SegmentIndices: []int{1, 2},
		Boxes:          []BBox{{1, 1, 3, 4}, {0, 0, 2, 2}},
		ImageSpace:     []BBox{{16, 16, 48, 64}, {0, 0, 32, 32}},
	})
	require.NoError(t, SaveBoxCollection(path, c))

	got, err := LoadBoxCollection(path)
	require.NoError(t, err)
	assert.Equal(t, c, got)
	assert.Equal(t, []string{"img1"}, got.IDs())
	assert.Equal(t, 2, got.TotalBoxes())
	assert.Equal(t, 2, got.Images[0].Boxes[0].Width())
	assert.Equal(t, 3, got.Images[0].Boxes[0].Height())
}

func TestRequireNonEmptyDir(t *testing.T) {
	dir := t.TempDir()
	assert.Error(t, RequireNonEmptyDir(filepath.Join(dir, "nope")))
	assert.Error(t, RequireNonEmptyDir(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0o644))
	assert.NoError(t, RequireNonEmptyDir(dir))
}
