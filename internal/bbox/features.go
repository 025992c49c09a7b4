package bbox

import (
	"fmt"
	"image"

	"deepspectral/internal/backbone"
	"deepspectral/internal/imageio"
	"deepspectral/internal/store"
)

// AttachFeatures embeds every image-space box crop with the backbone
// and fills in the Features field of each record. The collection is
// modified in place, mirroring how the aggregate artifact grows along
// the pipeline.
func AttachFeatures(c *store.BoxCollection, imagesRoot string, b backbone.Backbone) error {
	for i := range c.Images {
		rec := &c.Images[i]
		img, err := imageio.Load(imagesRoot, rec.ID)
		if err != nil {
			return err
		}

		rec.Features = make([][]float64, len(rec.ImageSpace))
		for j, box := range rec.ImageSpace {
			r := image.Rect(box.XMin, box.YMin, box.XMax, box.YMax).Add(img.Bounds().Min)
			crop, err := imageio.Crop(img, r)
			if err != nil {
				return fmt.Errorf("crop box %d of %s: %w", j, rec.ID, err)
			}
			feat, err := b.Embed(crop)
			if err != nil {
				return fmt.Errorf("embed box %d of %s: %w", j, rec.ID, err)
			}
			rec.Features[j] = feat
		}
	}
	return nil
}
