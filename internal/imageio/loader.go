// Package imageio loads corpus images by id. The image root holds one
// file per image id; jpeg and png are accepted, matching the datasets
// the pipeline is run on.
package imageio

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
)

var extensions = []string{".jpg", ".jpeg", ".png"}

// Path resolves the on-disk filename for an image id, trying the
// accepted extensions in order.
func Path(root, id string) (string, error) {
	for _, ext := range extensions {
		p := filepath.Join(root, id+ext)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no image file for id %q under %s", id, root)
}

// Load reads and decodes the image for an id.
func Load(root, id string) (image.Image, error) {
	path, err := Path(root, id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", path, err)
	}
	return img, nil
}

// Crop returns the sub-image covering r, clamped to the image bounds.
func Crop(img image.Image, r image.Rectangle) (image.Image, error) {
	r = r.Intersect(img.Bounds())
	if r.Empty() {
		return nil, fmt.Errorf("crop %v lies outside image bounds %v", r, img.Bounds())
	}
	type subImager interface {
		SubImage(image.Rectangle) image.Image
	}
	if s, ok := img.(subImager); ok {
		return s.SubImage(r), nil
	}
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := 0; y < r.Dy(); y++ {
		for x := 0; x < r.Dx(); x++ {
			out.Set(x, y, img.At(r.Min.X+x, r.Min.Y+y))
		}
	}
	return out, nil
}
