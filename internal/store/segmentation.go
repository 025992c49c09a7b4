package store

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
)

// SegmentationStore reads and writes per-image label maps as grayscale
// PNG files. The same store type serves both region-id maps (stage
// output of the multi-region segmentation) and class-id maps (the final
// pseudo-labels): only the label space differs.
type SegmentationStore struct {
	dir string
}

func NewSegmentationStore(dir string) *SegmentationStore {
	return &SegmentationStore{dir: dir}
}

func (s *SegmentationStore) Dir() string { return s.dir }

func (s *SegmentationStore) path(id string) string {
	return filepath.Join(s.dir, id+".png")
}

func (s *SegmentationStore) Has(id string) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

// Save writes the label map. Labels must fit in 8 bits; the pipeline
// never produces more than 256 regions or classes per image.
func (s *SegmentationStore) Save(id string, labels *image.Gray) error {
	if err := EnsureDir(s.dir); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := png.Encode(tmp, labels); err != nil {
		tmp.Close()
		return fmt.Errorf("encode segmentation %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close segmentation %s: %w", id, err)
	}
	return os.Rename(tmp.Name(), s.path(id))
}

func (s *SegmentationStore) Load(id string) (*image.Gray, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		return nil, fmt.Errorf("load segmentation for %s: %w", id, err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode segmentation for %s: %w", id, err)
	}
	if gray, ok := img.(*image.Gray); ok {
		return gray, nil
	}
	// Re-encoded maps may come back as another image type.
	b := img.Bounds()
	gray := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			gray.Set(x, y, img.At(x, y))
		}
	}
	return gray, nil
}

func (s *SegmentationStore) Missing(list *ImageList) []string {
	return MissingIDs(list, s.Has)
}

// Labels returns the sorted distinct label values present in the map.
func Labels(m *image.Gray) []int {
	present := make([]bool, 256)
	for _, v := range m.Pix {
		present[v] = true
	}
	var out []int
	for v, ok := range present {
		if ok {
			out = append(out, v)
		}
	}
	return out
}
