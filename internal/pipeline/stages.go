package pipeline

import (
	"context"
	"fmt"
	"image"
	"os"

	"gonum.org/v1/gonum/mat"

	"deepspectral/internal/backbone"
	"deepspectral/internal/bbox"
	"deepspectral/internal/cluster"
	"deepspectral/internal/config"
	"deepspectral/internal/imageio"
	"deepspectral/internal/segment"
	"deepspectral/internal/semantic"
	"deepspectral/internal/spectral"
	"deepspectral/internal/store"
)

// FeaturesStage extracts per-patch backbone features for every listed
// image. Existing artifacts are kept, so re-running the stage only
// fills in the gaps.
type FeaturesStage struct {
	env *Env
}

func NewFeaturesStage(env *Env) *FeaturesStage { return &FeaturesStage{env: env} }

func (s *FeaturesStage) Name() string { return "ExtractFeatures" }

func (s *FeaturesStage) Check() error {
	if s.env.List.Len() == 0 {
		return fmt.Errorf("image list %s is empty", s.env.Layout.ImagesList)
	}
	return store.RequireNonEmptyDir(s.env.Layout.ImagesRoot)
}

func (s *FeaturesStage) Run(ctx context.Context) error {
	bb, err := backbone.New(s.env.Primary.Model)
	if err != nil {
		return err
	}
	features := store.NewFeatureStore(s.env.Layout.FeatureDir)

	for _, id := range s.env.List.IDs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if features.Has(id) {
			s.env.Log.Debug(s.Name(), "skipping existing artifact", map[string]interface{}{"id": id})
			continue
		}

		img, err := imageio.Load(s.env.Layout.ImagesRoot, id)
		if err != nil {
			return err
		}
		patches, err := bb.Patches(img)
		if err != nil {
			return fmt.Errorf("extract features for %s: %w", id, err)
		}

		rows, cols := backbone.Grid(bb, img.Bounds().Dx(), img.Bounds().Dy())
		n, dim := patches.Dims()
		data := make([]float64, 0, n*dim)
		for i := 0; i < n; i++ {
			data = append(data, patches.RawRowView(i)...)
		}
		err = features.Save(&store.FeatureArtifact{
			ID:          id,
			ModelName:   bb.Name(),
			PatchSize:   bb.PatchSize(),
			Dim:         dim,
			ImageWidth:  img.Bounds().Dx(),
			ImageHeight: img.Bounds().Dy(),
			PatchRows:   rows,
			PatchCols:   cols,
			Data:        data,
		})
		if err != nil {
			return err
		}
	}
	return store.RequireComplete("features", features.Missing(s.env.List))
}

// EigsStage decomposes every image's patch affinity matrix into the K
// configured eigenpairs.
type EigsStage struct {
	env *Env

	// Weight of the color affinity term fused into the laplacian
	// matrix. Zero keeps the decomposition feature-only.
	ColorLambda float64
}

func NewEigsStage(env *Env) *EigsStage { return &EigsStage{env: env} }

func (s *EigsStage) Name() string { return "ExtractEigs" }

func (s *EigsStage) Check() error {
	features := store.NewFeatureStore(s.env.Layout.FeatureDir)
	if err := store.RequireNonEmptyDir(features.Dir()); err != nil {
		return err
	}
	return store.RequireComplete("features", features.Missing(s.env.List))
}

func (s *EigsStage) Run(ctx context.Context) error {
	features := store.NewFeatureStore(s.env.Layout.FeatureDir)
	eigs := store.NewEigenStore(s.env.Layout.EigDir)
	opts := spectral.Options{
		Matrix:      s.env.Primary.Matrix,
		K:           s.env.Primary.K,
		ColorLambda: s.ColorLambda,
	}

	for _, id := range s.env.List.IDs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if eigs.Has(id) {
			s.env.Log.Debug(s.Name(), "skipping existing artifact", map[string]interface{}{"id": id})
			continue
		}

		art, err := features.Load(id)
		if err != nil {
			return err
		}
		values, vectors, err := s.decompose(art, opts)
		if err != nil {
			return fmt.Errorf("decompose %s: %w", id, err)
		}

		k, n := vectors.Dims()
		flat := make([]float64, 0, k*n)
		for i := 0; i < k; i++ {
			flat = append(flat, vectors.RawRowView(i)...)
		}
		err = eigs.Save(&store.EigenArtifact{
			ID:          id,
			Matrix:      s.env.Primary.Matrix,
			K:           k,
			N:           n,
			Eigenvalues: values,
			Vectors:     flat,
		})
		if err != nil {
			return err
		}
	}
	return store.RequireComplete("eigenvectors", eigs.Missing(s.env.List))
}

// decompose runs the eigendecomposition, loading the image only when
// the color affinity term needs it.
func (s *EigsStage) decompose(art *store.FeatureArtifact, opts spectral.Options) ([]float64, *mat.Dense, error) {
	var img image.Image
	if opts.ColorLambda > 0 {
		loaded, err := imageio.Load(s.env.Layout.ImagesRoot, art.ID)
		if err != nil {
			return nil, nil, err
		}
		img = loaded
	}
	return spectral.Decompose(art.Patches(), art.PatchRows, art.PatchCols, img, opts)
}

// MultiRegionStage clusters each image's eigenvector embedding into a
// region label map.
type MultiRegionStage struct {
	env *Env

	// Smooth the label map with a morphological closing pass.
	Close bool
}

func NewMultiRegionStage(env *Env) *MultiRegionStage {
	return &MultiRegionStage{env: env, Close: true}
}

func (s *MultiRegionStage) Name() string { return "ExtractMultiRegionSegmentations" }

func (s *MultiRegionStage) Check() error {
	features := store.NewFeatureStore(s.env.Layout.FeatureDir)
	eigs := store.NewEigenStore(s.env.Layout.EigDir)
	if err := store.RequireNonEmptyDir(eigs.Dir()); err != nil {
		return err
	}
	if err := store.RequireComplete("features", features.Missing(s.env.List)); err != nil {
		return err
	}
	return store.RequireComplete("eigenvectors", eigs.Missing(s.env.List))
}

func (s *MultiRegionStage) Run(ctx context.Context) error {
	features := store.NewFeatureStore(s.env.Layout.FeatureDir)
	eigs := store.NewEigenStore(s.env.Layout.EigDir)
	segs := store.NewSegmentationStore(s.env.Layout.SegmentDir)
	opts := segment.Options{
		Segments:        s.env.Primary.Segments,
		InferBackground: true,
		MorphClose:      s.Close,
	}

	for _, id := range s.env.List.IDs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if segs.Has(id) {
			s.env.Log.Debug(s.Name(), "skipping existing artifact", map[string]interface{}{"id": id})
			continue
		}

		art, err := features.Load(id)
		if err != nil {
			return err
		}
		eig, err := eigs.Load(id)
		if err != nil {
			return err
		}
		if err := requireEigenMatch(eig, s.env.Primary); err != nil {
			return err
		}

		segmap, err := segment.MultiRegion(eig, art.PatchRows, art.PatchCols, opts)
		if err != nil {
			return fmt.Errorf("segment %s: %w", id, err)
		}
		if err := segs.Save(id, segmap); err != nil {
			return err
		}
	}
	return store.RequireComplete("segmentations", segs.Missing(s.env.List))
}

// SingleRegionStage thresholds the first non-constant eigenvector into
// a binary foreground mask per image. Not part of the default chain;
// exposed as its own command.
type SingleRegionStage struct {
	env       *Env
	Threshold float64
}

func NewSingleRegionStage(env *Env) *SingleRegionStage { return &SingleRegionStage{env: env} }

func (s *SingleRegionStage) Name() string { return "ExtractSingleRegionSegmentations" }

func (s *SingleRegionStage) Check() error {
	features := store.NewFeatureStore(s.env.Layout.FeatureDir)
	eigs := store.NewEigenStore(s.env.Layout.EigDir)
	if err := store.RequireNonEmptyDir(eigs.Dir()); err != nil {
		return err
	}
	if err := store.RequireComplete("features", features.Missing(s.env.List)); err != nil {
		return err
	}
	return store.RequireComplete("eigenvectors", eigs.Missing(s.env.List))
}

func (s *SingleRegionStage) Run(ctx context.Context) error {
	features := store.NewFeatureStore(s.env.Layout.FeatureDir)
	eigs := store.NewEigenStore(s.env.Layout.EigDir)
	masks := store.NewSegmentationStore(s.env.Layout.SingleRegionDir)

	for _, id := range s.env.List.IDs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if masks.Has(id) {
			s.env.Log.Debug(s.Name(), "skipping existing artifact", map[string]interface{}{"id": id})
			continue
		}

		art, err := features.Load(id)
		if err != nil {
			return err
		}
		eig, err := eigs.Load(id)
		if err != nil {
			return err
		}
		if err := requireEigenMatch(eig, s.env.Primary); err != nil {
			return err
		}
		mask, err := segment.SingleRegion(eig, art.PatchRows, art.PatchCols, s.Threshold)
		if err != nil {
			return fmt.Errorf("segment %s: %w", id, err)
		}
		if err := masks.Save(id, mask); err != nil {
			return err
		}
	}
	return store.RequireComplete("masks", masks.Missing(s.env.List))
}

// BBoxStage aggregates one bounding box per region of every label map
// into a single collection file.
type BBoxStage struct {
	env *Env

	// When set, the feature store that must pair one artifact with
	// every label map before boxes are extracted.
	PairedFeatureDir string
}

func NewBBoxStage(env *Env) *BBoxStage { return &BBoxStage{env: env} }

func (s *BBoxStage) Name() string { return "ExtractBBoxes" }

func (s *BBoxStage) Check() error {
	segs := store.NewSegmentationStore(s.env.Layout.SegmentDir)
	if err := store.RequireNonEmptyDir(segs.Dir()); err != nil {
		return err
	}
	if err := store.RequireComplete("segmentations", segs.Missing(s.env.List)); err != nil {
		return err
	}
	if s.PairedFeatureDir != "" {
		features := store.NewFeatureStore(s.PairedFeatureDir)
		return store.RequireComplete("features", features.Missing(s.env.List))
	}
	return nil
}

func (s *BBoxStage) Run(ctx context.Context) error {
	if fileExists(s.env.Layout.BBoxFile) {
		s.env.Log.Info(s.Name(), "skipping existing artifact", map[string]interface{}{
			"path": s.env.Layout.BBoxFile,
		})
		return nil
	}

	segs := store.NewSegmentationStore(s.env.Layout.SegmentDir)
	opts := bbox.Options{
		Erode:          s.env.Primary.Erode,
		Dilate:         s.env.Primary.Dilate,
		SkipBackground: true,
		Downsample:     s.env.Primary.Downsample,
	}

	c := store.NewBoxCollection()
	for _, id := range s.env.List.IDs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		segmap, err := segs.Load(id)
		if err != nil {
			return err
		}
		rec, err := bbox.FromSegmentation(id, segmap, opts)
		if err != nil {
			return err
		}
		c.Images = append(c.Images, rec)
	}

	s.env.Log.Info(s.Name(), "boxes extracted", map[string]interface{}{
		"images": len(c.Images), "boxes": c.TotalBoxes(),
	})
	return store.SaveBoxCollection(s.env.Layout.BBoxFile, c)
}

// BBoxFeaturesStage embeds every box crop with the backbone and writes
// the enriched collection.
type BBoxFeaturesStage struct {
	env *Env
}

func NewBBoxFeaturesStage(env *Env) *BBoxFeaturesStage { return &BBoxFeaturesStage{env: env} }

func (s *BBoxFeaturesStage) Name() string { return "ExtractBBoxFeatures" }

func (s *BBoxFeaturesStage) Check() error {
	if !fileExists(s.env.Layout.BBoxFile) {
		return fmt.Errorf("box collection %s does not exist", s.env.Layout.BBoxFile)
	}
	return store.RequireNonEmptyDir(s.env.Layout.ImagesRoot)
}

func (s *BBoxFeaturesStage) Run(ctx context.Context) error {
	if fileExists(s.env.Layout.BBoxFeatureFile) {
		s.env.Log.Info(s.Name(), "skipping existing artifact", map[string]interface{}{
			"path": s.env.Layout.BBoxFeatureFile,
		})
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c, err := store.LoadBoxCollection(s.env.Layout.BBoxFile)
	if err != nil {
		return err
	}
	if err := requireSameIDs(s.env.List, c); err != nil {
		return err
	}

	bb, err := backbone.New(s.env.Primary.Model)
	if err != nil {
		return err
	}
	if err := bbox.AttachFeatures(c, s.env.Layout.ImagesRoot, bb); err != nil {
		return err
	}
	return store.SaveBoxCollection(s.env.Layout.BBoxFeatureFile, c)
}

// ClustersStage groups the box embeddings into pseudo-semantic
// categories.
type ClustersStage struct {
	env *Env
}

func NewClustersStage(env *Env) *ClustersStage { return &ClustersStage{env: env} }

func (s *ClustersStage) Name() string { return "ExtractBBoxClusters" }

func (s *ClustersStage) Check() error {
	if !fileExists(s.env.Layout.BBoxFeatureFile) {
		return fmt.Errorf("box feature collection %s does not exist", s.env.Layout.BBoxFeatureFile)
	}
	return nil
}

func (s *ClustersStage) Run(ctx context.Context) error {
	if fileExists(s.env.Layout.ClusterFile) {
		s.env.Log.Info(s.Name(), "skipping existing artifact", map[string]interface{}{
			"path": s.env.Layout.ClusterFile,
		})
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c, err := store.LoadBoxCollection(s.env.Layout.BBoxFeatureFile)
	if err != nil {
		return err
	}
	if err := requireSameIDs(s.env.List, c); err != nil {
		return err
	}

	err = cluster.Assign(c, cluster.Options{
		NumClusters: s.env.Primary.Clusters,
		PCADim:      s.env.Primary.PCADim,
	})
	if err != nil {
		return err
	}
	return store.SaveBoxCollection(s.env.Layout.ClusterFile, c)
}

// SemanticStage rewrites every region map into a class-id map using the
// per-box cluster assignment.
type SemanticStage struct {
	env *Env
}

func NewSemanticStage(env *Env) *SemanticStage { return &SemanticStage{env: env} }

func (s *SemanticStage) Name() string { return "ExtractSemanticSegmentations" }

func (s *SemanticStage) Check() error {
	if !fileExists(s.env.Layout.ClusterFile) {
		return fmt.Errorf("cluster collection %s does not exist", s.env.Layout.ClusterFile)
	}
	segs := store.NewSegmentationStore(s.env.Layout.SegmentDir)
	if err := store.RequireNonEmptyDir(segs.Dir()); err != nil {
		return err
	}
	return store.RequireComplete("segmentations", segs.Missing(s.env.List))
}

func (s *SemanticStage) Run(ctx context.Context) error {
	c, err := store.LoadBoxCollection(s.env.Layout.ClusterFile)
	if err != nil {
		return err
	}
	if err := requireSameIDs(s.env.List, c); err != nil {
		return err
	}
	records := make(map[string]store.ImageBoxes, len(c.Images))
	for _, rec := range c.Images {
		records[rec.ID] = rec
	}

	segs := store.NewSegmentationStore(s.env.Layout.SegmentDir)
	out := store.NewSegmentationStore(s.env.Layout.SemanticDir)

	for _, id := range s.env.List.IDs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if out.Has(id) {
			s.env.Log.Debug(s.Name(), "skipping existing artifact", map[string]interface{}{"id": id})
			continue
		}

		segmap, err := segs.Load(id)
		if err != nil {
			return err
		}
		classmap, err := semantic.Remap(segmap, records[id])
		if err != nil {
			return err
		}
		if err := out.Save(id, classmap); err != nil {
			return err
		}
	}
	return store.RequireComplete("semantic segmentations", out.Missing(s.env.List))
}

// requireEigenMatch rejects eigenvector artifacts computed under a
// different matrix kind or eigenpair count than the current run wants.
// A stale eigs directory would otherwise flow into the segmentation
// stages silently.
func requireEigenMatch(eig *store.EigenArtifact, p config.Primary) error {
	if eig.Matrix != p.Matrix {
		return fmt.Errorf("image %s: eigenvectors were computed from %q, run wants %q",
			eig.ID, eig.Matrix, p.Matrix)
	}
	if eig.K != p.K {
		return fmt.Errorf("image %s: eigenvectors hold %d eigenpairs, run wants %d",
			eig.ID, eig.K, p.K)
	}
	return nil
}

// requireSameIDs enforces that the aggregate collection covers exactly
// the image list: a collection built from a different list (or a stale
// one) must not flow further down the pipeline.
func requireSameIDs(list *store.ImageList, c *store.BoxCollection) error {
	got := make(map[string]bool, len(c.Images))
	for _, id := range c.IDs() {
		got[id] = true
	}
	var missing []string
	for _, id := range list.IDs() {
		if !got[id] {
			missing = append(missing, id)
		}
		delete(got, id)
	}
	if err := store.RequireComplete("box collection", missing); err != nil {
		return err
	}
	if len(got) > 0 {
		extra := make([]string, 0, len(got))
		for id := range got {
			extra = append(extra, id)
		}
		return fmt.Errorf("box collection has %d ids not in the image list (e.g. %s)", len(extra), extra[0])
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
