// Package vis renders segmentation results for inspection: label maps
// colored with a stable palette, blended over the source image, with
// optional bounding boxes.
package vis

import (
	"image"
	"image/color"

	"github.com/lucasb-eyer/go-colorful"
	xdraw "golang.org/x/image/draw"

	"deepspectral/internal/store"
)

// Palette assigns each label a fixed color. Label 0 (background) is
// black; the rest are evenly spaced hues, so the same label always
// renders the same color across images.
func Palette(n int) []color.RGBA {
	out := make([]color.RGBA, n)
	for i := 1; i < n; i++ {
		c := colorful.Hsv(float64(i-1)/float64(n-1)*360, 0.85, 0.9)
		r, g, b := c.RGB255()
		out[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return out
}

// Colorize renders a label map with the palette. Labels beyond the
// palette wrap around, skipping the background slot.
func Colorize(labels *image.Gray, palette []color.RGBA) *image.RGBA {
	b := labels.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			l := int(labels.GrayAt(x, y).Y)
			if l >= len(palette) {
				l = 1 + (l-1)%(len(palette)-1)
			}
			out.Set(x, y, palette[l])
		}
	}
	return out
}

// Overlay upscales the patch-space label map to the image size with
// nearest-neighbor sampling and alpha-blends the colorized result over
// the photo. alpha 0 shows only the photo, 1 only the labels.
func Overlay(img image.Image, labels *image.Gray, palette []color.RGBA, alpha float64) *image.RGBA {
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}

	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(out, out.Bounds(), img, b.Min, xdraw.Src)

	colored := Colorize(labels, palette)
	scaled := image.NewRGBA(out.Bounds())
	xdraw.NearestNeighbor.Scale(scaled, scaled.Bounds(), colored, colored.Bounds(), xdraw.Src, nil)

	for i := 0; i < len(out.Pix); i += 4 {
		// Background patches keep the photo untouched.
		if scaled.Pix[i] == 0 && scaled.Pix[i+1] == 0 && scaled.Pix[i+2] == 0 {
			continue
		}
		for c := 0; c < 3; c++ {
			out.Pix[i+c] = uint8(float64(out.Pix[i+c])*(1-alpha) + float64(scaled.Pix[i+c])*alpha)
		}
	}
	return out
}

// DrawBoxes outlines each image-space box on the overlay, colored by
// its cluster when assignments exist.
func DrawBoxes(out *image.RGBA, rec store.ImageBoxes, palette []color.RGBA) {
	for i, box := range rec.ImageSpace {
		c := color.RGBA{255, 255, 255, 255}
		if i < len(rec.Clusters) {
			cl := rec.Clusters[i]
			if cl > 0 && cl < len(palette) {
				c = palette[cl]
			}
		}
		drawRect(out, box, c)
	}
}

func drawRect(out *image.RGBA, box store.BBox, c color.RGBA) {
	b := out.Bounds()
	x0, y0 := clamp(box.XMin, 0, b.Dx()-1), clamp(box.YMin, 0, b.Dy()-1)
	x1, y1 := clamp(box.XMax-1, 0, b.Dx()-1), clamp(box.YMax-1, 0, b.Dy()-1)
	for x := x0; x <= x1; x++ {
		out.SetRGBA(x, y0, c)
		out.SetRGBA(x, y1, c)
	}
	for y := y0; y <= y1; y++ {
		out.SetRGBA(x0, y, c)
		out.SetRGBA(x1, y, c)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
