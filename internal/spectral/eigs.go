package spectral

import (
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/mat"

	"deepspectral/internal/config"
)

// Decompose computes the K selected eigenpairs of the affinity matrix
// built from the patch features. For the plain affinity kind the K
// largest eigenpairs are returned (largest first); for the laplacian
// kind the K smallest eigenpairs of the symmetric-normalized graph
// Laplacian (smallest first), whose leading vector is the trivial
// near-constant one.
//
// img is only consulted when the laplacian color term is enabled.
func Decompose(feats *mat.Dense, gridRows, gridCols int, img image.Image, opts Options) (values []float64, vectors *mat.Dense, err error) {
	n, _ := feats.Dims()
	if err := validate(opts, n); err != nil {
		return nil, nil, err
	}

	switch opts.Matrix {
	case config.MatrixAffinity:
		values, vectors, err = affinityEigs(feats, opts.K)
	case config.MatrixLaplacian:
		values, vectors, err = laplacianEigs(feats, gridRows, gridCols, img, opts)
	}
	if err != nil {
		return nil, nil, err
	}

	disambiguateSigns(vectors)
	return values, vectors, nil
}

func affinityEigs(feats *mat.Dense, k int) ([]float64, *mat.Dense, error) {
	w := featureAffinity(feats)
	vals, vecs, err := eigenSym(w)
	if err != nil {
		return nil, nil, err
	}

	n := len(vals)
	// EigenSym yields ascending order; take the top K, largest first.
	values := make([]float64, k)
	vectors := mat.NewDense(k, n, nil)
	for i := 0; i < k; i++ {
		src := n - 1 - i
		values[i] = vals[src]
		for j := 0; j < n; j++ {
			vectors.Set(i, j, vecs.At(j, src))
		}
	}
	return values, vectors, nil
}

func laplacianEigs(feats *mat.Dense, gridRows, gridCols int, img image.Image, opts Options) ([]float64, *mat.Dense, error) {
	w := featureAffinity(feats)
	n := w.SymmetricDim()

	// Scale feature affinities to [0,1] before fusing the color term.
	maxW := 0.0
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			if v := w.At(i, j); v > maxW {
				maxW = v
			}
		}
	}
	if maxW > 0 && maxW != 1 {
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				w.SetSym(i, j, w.At(i, j)/maxW)
			}
		}
	}

	if opts.ColorLambda > 0 {
		if img == nil {
			return nil, nil, fmt.Errorf("color affinity requested but no image supplied")
		}
		if gridRows*gridCols != n {
			return nil, nil, fmt.Errorf("patch grid %dx%d does not match %d features", gridRows, gridCols, n)
		}
		wc := colorAffinity(img, gridRows, gridCols, opts.ColorKNN)
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				w.SetSym(i, j, w.At(i, j)+opts.ColorLambda*wc.At(i, j))
			}
		}
	}

	// Degree-normalized symmetric Laplacian. Solving the symmetric
	// problem and rescaling by D^{-1/2} recovers the generalized
	// eigenvectors of (D - W) x = lambda D x.
	deg := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			deg[i] += w.At(i, j)
		}
		if deg[i] <= 0 {
			deg[i] = 1e-12
		}
	}

	lap := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := -w.At(i, j) / math.Sqrt(deg[i]*deg[j])
			if i == j {
				v += 1
			}
			lap.SetSym(i, j, v)
		}
	}

	vals, vecs, err := eigenSym(lap)
	if err != nil {
		return nil, nil, err
	}

	values := make([]float64, opts.K)
	vectors := mat.NewDense(opts.K, n, nil)
	for i := 0; i < opts.K; i++ {
		values[i] = vals[i]
		for j := 0; j < n; j++ {
			vectors.Set(i, j, vecs.At(j, i)/math.Sqrt(deg[j]))
		}
	}
	return values, vectors, nil
}

func eigenSym(m *mat.SymDense) ([]float64, *mat.Dense, error) {
	var es mat.EigenSym
	if !es.Factorize(m, true) {
		return nil, nil, fmt.Errorf("eigendecomposition failed to converge")
	}
	vals := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	return vals, &vecs, nil
}

// disambiguateSigns flips eigenvectors whose positive fraction lies in
// (0.5, 1.0), so the sparse side of each vector is positive. Without
// this the sign of each eigenvector is arbitrary and re-runs could
// produce mirrored segmentations.
func disambiguateSigns(vectors *mat.Dense) {
	k, n := vectors.Dims()
	for i := 0; i < k; i++ {
		positive := 0
		for j := 0; j < n; j++ {
			if vectors.At(i, j) > 0 {
				positive++
			}
		}
		frac := float64(positive) / float64(n)
		if frac > 0.5 && frac < 1.0 {
			for j := 0; j < n; j++ {
				vectors.Set(i, j, -vectors.At(i, j))
			}
		}
	}
}
