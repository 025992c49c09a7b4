// Package backbone produces per-patch feature descriptors for the
// spectral pipeline. The backbone is a frozen, deterministic function
// of the image: the same image always yields the same features, which
// the pipeline's idempotence contract relies on.
package backbone

import (
	"fmt"
	"image"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Backbone maps an image to a grid of patch descriptors. Patches
// returns one descriptor per patch in row-major grid order; Embed
// pools a whole image (or box crop) into a single descriptor of the
// same dimension.
type Backbone interface {
	Name() string
	PatchSize() int
	Dim() int
	Patches(img image.Image) (*mat.Dense, error)
	Embed(img image.Image) ([]float64, error)
}

type constructor func() Backbone

var models = map[string]constructor{
	"hist16": func() Backbone { return newHistBackbone("hist16", 16) },
	"hist8":  func() Backbone { return newHistBackbone("hist8", 8) },
}

// New constructs the backbone registered under modelName. Model load
// failure is fatal for the calling stage.
func New(modelName string) (Backbone, error) {
	ctor, ok := models[modelName]
	if !ok {
		return nil, fmt.Errorf("unknown model %q (available: %v)", modelName, Names())
	}
	return ctor(), nil
}

// Names lists the registered model names, sorted.
func Names() []string {
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Grid returns the patch grid a backbone produces for an image of the
// given pixel size. Pixels beyond the last full patch are ignored,
// matching the padding convention of the feature grid.
func Grid(b Backbone, width, height int) (rows, cols int) {
	return height / b.PatchSize(), width / b.PatchSize()
}
