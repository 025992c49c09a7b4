// Package cluster groups bounding-box embeddings into pseudo-semantic
// categories with PCA-reduced k-means.
package cluster

import (
	"fmt"
	"math"

	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"deepspectral/internal/store"
)

// Options controls the box clustering stage.
type Options struct {
	NumClusters int
	PCADim      int // 0 disables the PCA reduction
}

// Assign clusters every box embedding in the collection and records a
// cluster id per box. Embeddings are L2-normalized, optionally reduced
// with PCA, then partitioned with k-means. Features are dropped from
// the records afterwards, matching how the aggregate artifact sheds
// weight once the clusters exist.
func Assign(c *store.BoxCollection, opts Options) error {
	if opts.NumClusters < 2 {
		return fmt.Errorf("cluster count must be at least 2, got %d", opts.NumClusters)
	}

	total := c.TotalBoxes()
	if total < opts.NumClusters {
		return fmt.Errorf("%d boxes cannot form %d clusters", total, opts.NumClusters)
	}

	dim := -1
	rows := make([][]float64, 0, total)
	for i := range c.Images {
		rec := &c.Images[i]
		if len(rec.Features) != len(rec.Boxes) {
			return fmt.Errorf("image %s: %d features for %d boxes", rec.ID, len(rec.Features), len(rec.Boxes))
		}
		for _, f := range rec.Features {
			if dim == -1 {
				dim = len(f)
			} else if len(f) != dim {
				return fmt.Errorf("image %s: inconsistent feature dimension %d (want %d)", rec.ID, len(f), dim)
			}
			rows = append(rows, normalized(f))
		}
	}

	points := mat.NewDense(total, dim, nil)
	for i, r := range rows {
		points.SetRow(i, r)
	}

	if opts.PCADim > 0 && opts.PCADim < dim {
		reduced, err := project(points, opts.PCADim)
		if err != nil {
			return err
		}
		points = reduced
		dim = opts.PCADim
	}

	obs := make(clusters.Observations, total)
	for i := 0; i < total; i++ {
		point := make(clusters.Coordinates, dim)
		copy(point, points.RawRowView(i))
		obs[i] = point
	}

	km := kmeans.New()
	partition, err := km.Partition(obs, opts.NumClusters)
	if err != nil {
		return fmt.Errorf("k-means over box features: %w", err)
	}

	idx := 0
	for i := range c.Images {
		rec := &c.Images[i]
		rec.Clusters = make([]int, len(rec.Boxes))
		for j := range rec.Boxes {
			rec.Clusters[j] = partition.Nearest(obs[idx])
			idx++
		}
		rec.Features = nil
	}
	return nil
}

func normalized(v []float64) []float64 {
	out := make([]float64, len(v))
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		copy(out, v)
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}

// project reduces the observations to their leading principal
// components.
func project(points *mat.Dense, dim int) (*mat.Dense, error) {
	var pc stat.PC
	if !pc.PrincipalComponents(points, nil) {
		return nil, fmt.Errorf("PCA failed on box features")
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)

	_, available := vecs.Dims()
	if dim > available {
		dim = available
	}

	n, _ := points.Dims()
	out := mat.NewDense(n, dim, nil)
	out.Mul(points, vecs.Slice(0, vecs.RawMatrix().Rows, 0, dim))
	return out, nil
}
