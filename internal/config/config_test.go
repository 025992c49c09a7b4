package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRejectsUnknownMatrixKind(t *testing.T) {
	p := Defaults()
	p.Matrix = "matting_laplacian"
	assert.Error(t, p.Validate())

	p.Matrix = ""
	assert.Error(t, p.Validate())
}

func TestValidateRejectsBadCounts(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Primary)
	}{
		{"zero k", func(p *Primary) { p.K = 0 }},
		{"one segment", func(p *Primary) { p.Segments = 1 }},
		{"negative erode", func(p *Primary) { p.Erode = -1 }},
		{"zero downsample", func(p *Primary) { p.Downsample = 0 }},
		{"one cluster", func(p *Primary) { p.Clusters = 1 }},
		{"empty root", func(p *Primary) { p.Root = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := Defaults()
			tc.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	p := Defaults()
	a, err := Resolve(p)
	require.NoError(t, err)
	b, err := Resolve(p)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestResolveLayout(t *testing.T) {
	p := Defaults()
	p.Root = "/data"
	p.Matrix = MatrixLaplacian
	p.Erode = 2
	p.Dilate = 5
	p.PCADim = 32

	l, err := Resolve(p)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("/data", "VOC2012", "features", "hist16"), l.FeatureDir)
	assert.Equal(t, filepath.Join("/data", "VOC2012", "eigs", "laplacian"), l.EigDir)
	assert.Equal(t, filepath.Join("/data", "VOC2012", "multi_region_segmentation", "laplacian"), l.SegmentDir)
	assert.Equal(t, filepath.Join("/data", "VOC2012", "multi_region_bboxes", "laplacian", "bboxes_e2_d5.json"), l.BBoxFile)
	assert.Equal(t, filepath.Join("/data", "VOC2012", "multi_region_bboxes", "laplacian", "bbox_clusters_e2_d5_pca_32.json"), l.ClusterFile)
	assert.Equal(t, filepath.Join("/data", "VOC2012", "lists", "trainaug.txt"), l.ImagesList)
	assert.Equal(t, filepath.Join("/data", "VOC2012", "images"), l.ImagesRoot)
}

func TestResolveHonorsOverrides(t *testing.T) {
	p := Defaults()
	p.ImagesList = "/lists/custom.txt"
	p.ImagesRoot = "/images"

	l, err := Resolve(p)
	require.NoError(t, err)
	assert.Equal(t, "/lists/custom.txt", l.ImagesList)
	assert.Equal(t, "/images", l.ImagesRoot)
}

func TestLoadAppliesDefaultsAndValidates(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dataset: CUB\nk: 3\n"), 0o644))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "CUB", p.Dataset)
	assert.Equal(t, 3, p.K)
	assert.Equal(t, MatrixLaplacian, p.Matrix) // default retained

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("matrix: nope\n"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)
}
