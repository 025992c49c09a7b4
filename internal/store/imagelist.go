// Package store provides typed handles for the file-system artifacts
// that the pipeline stages hand to one another: per-image feature and
// eigenvector records, segmentation maps, and the aggregate bounding
// box collections. Each store knows how to check its own completeness
// against the image list, so stage preconditions never have to reason
// about bare path strings.
package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ImageList is the ordered set of image ids the pipeline operates on.
// It is the source of truth for stage completeness checks.
type ImageList struct {
	ids []string
}

// LoadImageList reads one image filename per line and strips the
// extension to obtain the id. Blank lines are ignored.
func LoadImageList(path string) (*ImageList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image list: %w", err)
	}
	defer f.Close()

	var ids []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id := strings.TrimSuffix(filepath.Base(line), filepath.Ext(line))
		if seen[id] {
			return nil, fmt.Errorf("image list %s: duplicate id %q", path, id)
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read image list: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("image list %s is empty", path)
	}
	return &ImageList{ids: ids}, nil
}

// NewImageList builds a list directly from ids. Used by tests.
func NewImageList(ids ...string) *ImageList {
	return &ImageList{ids: append([]string(nil), ids...)}
}

func (l *ImageList) IDs() []string {
	return append([]string(nil), l.ids...)
}

func (l *ImageList) Len() int {
	return len(l.ids)
}
