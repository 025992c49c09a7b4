// Package morph wraps the OpenCV morphological operators used to clean
// up masks and label maps: iterated erosion/dilation for bounding box
// extraction and closing for segmentation maps.
package morph

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

func toMat(src *image.Gray) (gocv.Mat, error) {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	data := make([]byte, w*h)
	for y := 0; y < h; y++ {
		copy(data[y*w:(y+1)*w], src.Pix[y*src.Stride:y*src.Stride+w])
	}
	m, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8U, data)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("create mat: %w", err)
	}
	return m, nil
}

func toGray(m gocv.Mat) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, m.Cols(), m.Rows()))
	copy(out.Pix, m.ToBytes())
	return out
}

// apply runs op on the mask iterations times with a 3x3 rectangular
// structuring element.
func apply(src *image.Gray, iterations int, op func(gocv.Mat, *gocv.Mat, gocv.Mat)) (*image.Gray, error) {
	if iterations <= 0 {
		out := image.NewGray(src.Bounds())
		copy(out.Pix, src.Pix)
		return out, nil
	}

	m, err := toMat(src)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3))
	defer kernel.Close()

	for i := 0; i < iterations; i++ {
		op(m, &m, kernel)
	}
	return toGray(m), nil
}

// Erode shrinks the non-zero region of a binary mask.
func Erode(mask *image.Gray, iterations int) (*image.Gray, error) {
	return apply(mask, iterations, gocv.Erode)
}

// Dilate grows the non-zero region of a binary mask.
func Dilate(mask *image.Gray, iterations int) (*image.Gray, error) {
	return apply(mask, iterations, gocv.Dilate)
}

// Close fills small gaps in a label map with a single morphological
// closing pass.
func Close(labels *image.Gray) (*image.Gray, error) {
	m, err := toMat(labels)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3))
	defer kernel.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.MorphologyEx(m, &dst, gocv.MorphClose, kernel)
	return toGray(dst), nil
}
