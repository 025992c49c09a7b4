// Package semantic converts region label maps into class-id maps by
// applying the per-box cluster assignment. The result is the
// pseudo-label ground truth the training stage consumes.
package semantic

import (
	"fmt"
	"image"

	"deepspectral/internal/store"
)

// Remap rewrites every region id in the map to the cluster id of its
// box. Background stays 0; regions whose box was dropped during
// extraction (eroded away) also fall back to background. A region/
// cluster count mismatch in the record is a hard error.
func Remap(segmap *image.Gray, rec store.ImageBoxes) (*image.Gray, error) {
	if len(rec.SegmentIndices) != len(rec.Clusters) {
		return nil, fmt.Errorf("image %s: %d segment indices but %d clusters",
			rec.ID, len(rec.SegmentIndices), len(rec.Clusters))
	}

	mapping := make(map[uint8]uint8, len(rec.SegmentIndices)+1)
	mapping[0] = 0
	for i, region := range rec.SegmentIndices {
		if region <= 0 || region > 255 {
			return nil, fmt.Errorf("image %s: region id %d out of range", rec.ID, region)
		}
		cl := rec.Clusters[i]
		if cl < 0 || cl > 255 {
			return nil, fmt.Errorf("image %s: cluster id %d out of range", rec.ID, cl)
		}
		mapping[uint8(region)] = uint8(cl)
	}

	normalizeBinary(segmap)

	out := image.NewGray(segmap.Bounds())
	for i, region := range segmap.Pix {
		cl, ok := mapping[region]
		if !ok {
			cl = 0
		}
		out.Pix[i] = cl
	}
	return out, nil
}

// normalizeBinary rewrites {0,255} masks in place to {0,1}: some
// baseline segmentations store foreground as 255.
func normalizeBinary(m *image.Gray) {
	for _, v := range m.Pix {
		if v != 0 && v != 255 {
			return
		}
	}
	for i, v := range m.Pix {
		if v == 255 {
			m.Pix[i] = 1
		}
	}
}
