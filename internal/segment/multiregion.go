// Package segment turns per-image eigenvectors into region label maps:
// multi-region maps via k-means over the eigenvector embedding and
// binary single-region masks via thresholding.
package segment

import (
	"fmt"
	"image"

	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"

	"deepspectral/internal/morph"
	"deepspectral/internal/store"
)

// Options controls the multi-region segmentation.
type Options struct {
	// Fixed number of regions when Adaptive is false.
	Segments int

	// Choose the region count per image from the largest eigenvalue
	// gap instead of Segments.
	Adaptive bool

	// Cap on eigenvectors used for the embedding (constant vector
	// excluded). Zero means all available.
	NumEigenvectors int

	// Relabel the region owning the most border patches as background
	// (region 0).
	InferBackground bool

	// Apply a morphological closing pass to the final map.
	MorphClose bool
}

// MultiRegion partitions the patch grid into regions by clustering the
// per-patch rows of the non-constant eigenvectors. The returned map has
// one label per patch and at most the configured number of regions.
func MultiRegion(eigs *store.EigenArtifact, rows, cols int, opts Options) (*image.Gray, error) {
	if rows*cols != eigs.N {
		return nil, fmt.Errorf("patch grid %dx%d does not match %d eigenvector entries", rows, cols, eigs.N)
	}
	if eigs.K < 2 {
		return nil, fmt.Errorf("need at least 2 eigenvectors, got K=%d", eigs.K)
	}

	nClusters := opts.Segments
	if opts.Adaptive {
		nClusters = adaptiveClusterCount(eigs.Eigenvalues)
	}
	if nClusters < 2 {
		return nil, fmt.Errorf("region count must be at least 2, got %d", nClusters)
	}
	if nClusters > eigs.N {
		nClusters = eigs.N
	}
	if nClusters > 255 {
		return nil, fmt.Errorf("region count %d does not fit a label map", nClusters)
	}

	// Embed each patch as its coordinates along eigenvectors 1..K-1,
	// skipping the constant leading vector.
	dims := eigs.K - 1
	if opts.NumEigenvectors > 0 && opts.NumEigenvectors < dims {
		dims = opts.NumEigenvectors
	}
	obs := make(clusters.Observations, eigs.N)
	for j := 0; j < eigs.N; j++ {
		point := make(clusters.Coordinates, dims)
		for d := 0; d < dims; d++ {
			point[d] = eigs.Vector(1 + d)[j]
		}
		obs[j] = point
	}

	km := kmeans.New()
	partition, err := km.Partition(obs, nClusters)
	if err != nil {
		return nil, fmt.Errorf("k-means over eigenvectors: %w", err)
	}

	labels := make([]int, eigs.N)
	for j, o := range obs {
		labels[j] = partition.Nearest(o)
	}

	if opts.InferBackground {
		inferBackground(labels, rows, cols)
	}

	out := image.NewGray(image.Rect(0, 0, cols, rows))
	for j, l := range labels {
		out.Pix[j] = uint8(l)
	}

	if opts.MorphClose {
		closed, err := morph.Close(out)
		if err != nil {
			return nil, fmt.Errorf("morphological closing: %w", err)
		}
		out = closed
	}
	return out, nil
}

// adaptiveClusterCount picks the region count from the largest gap in
// the eigenvalue sequence, ignoring the gap at the trivial eigenvalue.
func adaptiveClusterCount(eigenvalues []float64) int {
	bestIdx, bestGap := 1, -1.0
	for i := 1; i < len(eigenvalues)-1; i++ {
		gap := eigenvalues[i+1] - eigenvalues[i]
		if gap < 0 {
			gap = -gap
		}
		if gap > bestGap {
			bestIdx, bestGap = i, gap
		}
	}
	return bestIdx + 1
}

// inferBackground relabels the region owning the largest share of the
// grid border as region 0, swapping labels with the current region 0.
func inferBackground(labels []int, rows, cols int) {
	counts := make(map[int]int)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if r == 0 || r == rows-1 || c == 0 || c == cols-1 {
				counts[labels[r*cols+c]]++
			}
		}
	}
	bg, bgCount := 0, -1
	for l, n := range counts {
		if n > bgCount || (n == bgCount && l < bg) {
			bg, bgCount = l, n
		}
	}
	if bg == 0 {
		return
	}
	for j, l := range labels {
		switch l {
		case bg:
			labels[j] = 0
		case 0:
			labels[j] = bg
		}
	}
}
