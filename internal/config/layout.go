package config

import (
	"fmt"
	"path/filepath"
)

// Layout is the typed set of artifact locations derived from a Primary.
// Deriving it is a pure function: the same Primary always yields the
// same Layout, so consecutive stages can never disagree about where an
// artifact lives within a single run.
type Layout struct {
	ImagesList string
	ImagesRoot string

	FeatureDir      string
	EigDir          string
	SegmentDir      string
	SingleRegionDir string
	BBoxFile        string
	BBoxFeatureFile string
	ClusterFile     string
	SemanticDir     string
	CRFDir          string
}

// Resolve derives the artifact layout. The directory scheme is
// {root}/{dataset}/<stage>/<variant>.
func Resolve(p Primary) (Layout, error) {
	if err := p.Validate(); err != nil {
		return Layout{}, err
	}

	ds := filepath.Join(p.Root, p.Dataset)
	bboxDir := filepath.Join(ds, "multi_region_bboxes", p.Matrix)
	tag := fmt.Sprintf("e%d_d%d", p.Erode, p.Dilate)

	l := Layout{
		ImagesList: p.ImagesList,
		ImagesRoot: p.ImagesRoot,

		FeatureDir:      filepath.Join(ds, "features", p.Model),
		EigDir:          filepath.Join(ds, "eigs", p.Matrix),
		SegmentDir:      filepath.Join(ds, "multi_region_segmentation", p.Matrix),
		SingleRegionDir: filepath.Join(ds, "single_region_segmentation", p.Matrix),
		BBoxFile:        filepath.Join(bboxDir, fmt.Sprintf("bboxes_%s.json", tag)),
		BBoxFeatureFile: filepath.Join(bboxDir, fmt.Sprintf("bbox_features_%s.json", tag)),
		ClusterFile:     filepath.Join(bboxDir, fmt.Sprintf("bbox_clusters_%s_pca_%d.json", tag, p.PCADim)),
		SemanticDir:     filepath.Join(ds, "semantic_segmentations", p.Matrix, fmt.Sprintf("segmaps_%s_pca_%d", tag, p.PCADim)),
		CRFDir:          filepath.Join(ds, "semantic_segmentations", "crf", p.Matrix),
	}

	if l.ImagesList == "" {
		l.ImagesList = filepath.Join(ds, "lists", p.Split+".txt")
	}
	if l.ImagesRoot == "" {
		l.ImagesRoot = filepath.Join(ds, "images")
	}
	return l, nil
}
