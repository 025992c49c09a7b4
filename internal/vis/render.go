package vis

import (
	"fmt"
	"image/png"
	"os"
	"path/filepath"

	"deepspectral/internal/imageio"
	"deepspectral/internal/store"
)

// Render writes one composite overlay PNG per listed image into outDir.
// Box outlines are drawn for ids present in records (which may be nil).
func Render(cfg ViewerConfig, list *store.ImageList, outDir string) error {
	if err := store.EnsureDir(outDir); err != nil {
		return err
	}
	segs := store.NewSegmentationStore(cfg.SegmentDir)
	palette := Palette(cfg.NumLabels)

	var records map[string]store.ImageBoxes
	if cfg.ClusterFile != "" {
		c, err := store.LoadBoxCollection(cfg.ClusterFile)
		if err != nil {
			return err
		}
		records = make(map[string]store.ImageBoxes, len(c.Images))
		for _, rec := range c.Images {
			records[rec.ID] = rec
		}
	}

	for _, id := range list.IDs() {
		img, err := imageio.Load(cfg.ImagesRoot, id)
		if err != nil {
			return err
		}
		labels, err := segs.Load(id)
		if err != nil {
			return err
		}

		out := Overlay(img, labels, palette, cfg.Alpha)
		if rec, ok := records[id]; ok {
			DrawBoxes(out, rec, palette)
		}

		f, err := os.Create(filepath.Join(outDir, id+".png"))
		if err != nil {
			return fmt.Errorf("create overlay for %s: %w", id, err)
		}
		if err := png.Encode(f, out); err != nil {
			f.Close()
			return fmt.Errorf("encode overlay for %s: %w", id, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}
