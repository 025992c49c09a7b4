// Package bbox derives per-region bounding boxes from segmentation
// maps and attaches backbone embeddings to each box.
package bbox

import (
	"fmt"
	"image"

	"deepspectral/internal/morph"
	"deepspectral/internal/store"
)

// Options controls box extraction from a region label map.
type Options struct {
	Erode  int // erosion iterations applied to each region mask
	Dilate int // dilation iterations applied afterwards

	// Skip region 0, the background.
	SkipBackground bool

	// Factor mapping patch coordinates back to image pixels.
	Downsample int
}

// FromSegmentation extracts one box per region of the label map. Each
// region mask is eroded then dilated before taking its extent, which
// drops thin connections and recovers the core of the region. Regions
// that vanish under erosion are dropped.
func FromSegmentation(id string, segmap *image.Gray, opts Options) (store.ImageBoxes, error) {
	if opts.Downsample <= 0 {
		return store.ImageBoxes{}, fmt.Errorf("downsample factor must be positive, got %d", opts.Downsample)
	}

	out := store.ImageBoxes{ID: id}
	for _, region := range store.Labels(segmap) {
		if opts.SkipBackground && region == 0 {
			continue
		}

		mask := regionMask(segmap, uint8(region))
		mask, err := morph.Erode(mask, opts.Erode)
		if err != nil {
			return store.ImageBoxes{}, fmt.Errorf("erode region %d of %s: %w", region, id, err)
		}
		mask, err = morph.Dilate(mask, opts.Dilate)
		if err != nil {
			return store.ImageBoxes{}, fmt.Errorf("dilate region %d of %s: %w", region, id, err)
		}

		box, ok := maskExtent(mask)
		if !ok {
			// Region eroded away entirely.
			continue
		}

		out.SegmentIndices = append(out.SegmentIndices, region)
		out.Boxes = append(out.Boxes, box)
		out.ImageSpace = append(out.ImageSpace, box.Scale(opts.Downsample))
	}
	return out, nil
}

func regionMask(segmap *image.Gray, region uint8) *image.Gray {
	b := segmap.Bounds()
	mask := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if segmap.GrayAt(x, y).Y == region {
				mask.SetGray(x, y, image.White.C)
			}
		}
	}
	return mask
}

// maskExtent returns the tight bounding box of the non-zero pixels,
// with exclusive max coordinates.
func maskExtent(mask *image.Gray) (store.BBox, bool) {
	b := mask.Bounds()
	xmin, ymin := b.Max.X, b.Max.Y
	xmax, ymax := b.Min.X-1, b.Min.Y-1
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if mask.GrayAt(x, y).Y == 0 {
				continue
			}
			if x < xmin {
				xmin = x
			}
			if x > xmax {
				xmax = x
			}
			if y < ymin {
				ymin = y
			}
			if y > ymax {
				ymax = y
			}
		}
	}
	if xmax < xmin {
		return store.BBox{}, false
	}
	return store.BBox{XMin: xmin, YMin: ymin, XMax: xmax + 1, YMax: ymax + 1}, true
}
