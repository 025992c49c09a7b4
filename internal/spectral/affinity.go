// Package spectral builds patch affinity matrices from backbone
// features and extracts the eigenvectors that drive the segmentation
// stages.
package spectral

import (
	"fmt"
	"image"
	"math"

	"github.com/lucasb-eyer/go-colorful"
	"gonum.org/v1/gonum/mat"

	"deepspectral/internal/config"
)

// Options selects the affinity kind and eigenvector count. Matrix and
// K must match between the decomposition and segmentation stages; the
// eigen artifact records both so the mismatch is detectable.
type Options struct {
	Matrix string
	K      int

	// Weight of the KNN color affinity fused into the laplacian
	// matrix. Zero disables the color term and img may be nil.
	ColorLambda float64
	ColorKNN    int
}

// featureAffinity computes W = F Fᵀ thresholded at zero. Features are
// L2-normalized by the backbone, so entries are cosine similarities.
func featureAffinity(feats *mat.Dense) *mat.SymDense {
	n, _ := feats.Dims()
	var w mat.Dense
	w.Mul(feats, feats.T())

	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := w.At(i, j)
			if v < 0 {
				v = 0
			}
			sym.SetSym(i, j, v)
		}
	}
	return sym
}

// colorAffinity connects each patch cell to its k nearest neighbors in
// Lab color space, with Gaussian weights. rows/cols describe the patch
// grid the image is pooled onto.
func colorAffinity(img image.Image, rows, cols, k int) *mat.SymDense {
	labs := poolLab(img, rows, cols)
	n := rows * cols
	if k <= 0 {
		k = 10
	}
	if k >= n {
		k = n - 1
	}

	const sigma = 0.2
	sym := mat.NewSymDense(n, nil)
	dist := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			dist[j] = labDist(labs[i], labs[j])
		}
		// Connect the k nearest, excluding self.
		for c := 0; c < k; c++ {
			best, bestD := -1, math.Inf(1)
			for j := 0; j < n; j++ {
				if j == i || dist[j] < 0 {
					continue
				}
				if dist[j] < bestD {
					best, bestD = j, dist[j]
				}
			}
			if best < 0 {
				break
			}
			dist[best] = -1 // visited
			w := math.Exp(-bestD * bestD / (2 * sigma * sigma))
			if w > sym.At(i, best) {
				sym.SetSym(i, best, w)
			}
		}
	}
	return sym
}

type lab struct{ l, a, b float64 }

func labDist(x, y lab) float64 {
	dl, da, db := x.l-y.l, x.a-y.a, x.b-y.b
	return math.Sqrt(dl*dl + da*da + db*db)
}

// poolLab averages the image colors over a rows x cols grid and
// converts each cell to Lab.
func poolLab(img image.Image, rows, cols int) []lab {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	out := make([]lab, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			x0, x1 := c*w/cols, (c+1)*w/cols
			y0, y1 := r*h/rows, (r+1)*h/rows
			var sr, sg, sb, n float64
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					cr, cg, cb, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
					sr += float64(cr) / 65535
					sg += float64(cg) / 65535
					sb += float64(cb) / 65535
					n++
				}
			}
			if n == 0 {
				n = 1
			}
			cl, ca, cb := colorful.Color{R: sr / n, G: sg / n, B: sb / n}.Lab()
			out[r*cols+c] = lab{cl, ca, cb}
		}
	}
	return out
}

func validate(opts Options, n int) error {
	switch opts.Matrix {
	case config.MatrixAffinity, config.MatrixLaplacian:
	default:
		return fmt.Errorf("unknown matrix kind %q", opts.Matrix)
	}
	if opts.K <= 0 {
		return fmt.Errorf("K must be positive, got %d", opts.K)
	}
	if opts.K > n {
		return fmt.Errorf("K=%d exceeds the number of patches %d", opts.K, n)
	}
	return nil
}
