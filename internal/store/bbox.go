package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// BBox is an axis-aligned box with the usual exclusive max convention.
type BBox struct {
	XMin int `json:"xmin"`
	YMin int `json:"ymin"`
	XMax int `json:"xmax"`
	YMax int `json:"ymax"`
}

func (b BBox) Width() int  { return b.XMax - b.XMin }
func (b BBox) Height() int { return b.YMax - b.YMin }

// Scale returns the box with all coordinates multiplied by f.
func (b BBox) Scale(f int) BBox {
	return BBox{XMin: b.XMin * f, YMin: b.YMin * f, XMax: b.XMax * f, YMax: b.YMax * f}
}

// ImageBoxes holds everything the box stages accumulate for one image.
// The bbox, bbox-feature and cluster files all share this record; each
// stage fills in one more field, mirroring how the artifacts grow along
// the pipeline.
type ImageBoxes struct {
	ID string `json:"id"`

	// One entry per surviving region, in ascending region-id order.
	SegmentIndices []int  `json:"segment_indices"`
	Boxes          []BBox `json:"bboxes"`                       // patch space
	ImageSpace     []BBox `json:"bboxes_original_resolution"`   // scaled by the downsample factor

	// Filled by the bbox feature stage, dropped again by clustering.
	Features [][]float64 `json:"features,omitempty"`

	// Filled by the clustering stage.
	Clusters []int `json:"clusters,omitempty"`
}

// BoxCollection is the aggregate file shared by stages 5-7.
type BoxCollection struct {
	Format string       `json:"format"` // coordinate convention note
	Images []ImageBoxes `json:"images"`
}

// NewBoxCollection creates an empty collection with the coordinate
// convention recorded in the file itself.
func NewBoxCollection() *BoxCollection {
	return &BoxCollection{Format: "(xmin, ymin, xmax, ymax)"}
}

// IDs returns the image ids in collection order.
func (c *BoxCollection) IDs() []string {
	ids := make([]string, len(c.Images))
	for i := range c.Images {
		ids[i] = c.Images[i].ID
	}
	return ids
}

// TotalBoxes counts boxes across all images.
func (c *BoxCollection) TotalBoxes() int {
	n := 0
	for i := range c.Images {
		n += len(c.Images[i].Boxes)
	}
	return n
}

// SaveBoxCollection writes the aggregate as a single JSON file,
// creating the parent directory if needed.
func SaveBoxCollection(path string, c *BoxCollection) error {
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	if err := enc.Encode(c); err != nil {
		tmp.Close()
		return fmt.Errorf("encode box collection %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close box collection %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), path)
}

func LoadBoxCollection(path string) (*BoxCollection, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open box collection: %w", err)
	}
	defer f.Close()

	var c BoxCollection
	if err := json.NewDecoder(f).Decode(&c); err != nil {
		return nil, fmt.Errorf("decode box collection %s: %w", path, err)
	}
	return &c, nil
}
