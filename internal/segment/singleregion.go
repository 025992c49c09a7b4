package segment

import (
	"fmt"
	"image"

	"deepspectral/internal/store"
)

// SingleRegion thresholds the first non-constant eigenvector into a
// binary foreground mask (255 foreground, 0 background).
func SingleRegion(eigs *store.EigenArtifact, rows, cols int, threshold float64) (*image.Gray, error) {
	if rows*cols != eigs.N {
		return nil, fmt.Errorf("patch grid %dx%d does not match %d eigenvector entries", rows, cols, eigs.N)
	}
	if eigs.K < 2 {
		return nil, fmt.Errorf("need at least 2 eigenvectors, got K=%d", eigs.K)
	}

	v := eigs.Vector(1)
	out := image.NewGray(image.Rect(0, 0, cols, rows))
	for j, val := range v {
		if val > threshold {
			out.Pix[j] = 255
		}
	}
	return out, nil
}
