// Package config resolves the primary pipeline variables into the full
// set of derived paths and parameters consumed by every stage driver.
// A Primary is validated at construction and then held constant for the
// whole run; stage drivers receive it by value.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Matrix kinds accepted by the eigendecomposition stage.
const (
	MatrixAffinity  = "affinity"
	MatrixLaplacian = "laplacian"
)

// Primary holds the small set of variables everything else derives from.
type Primary struct {
	Dataset    string `yaml:"dataset"`
	Split      string `yaml:"split"`
	Model      string `yaml:"model"`
	Matrix     string `yaml:"matrix"`
	K          int    `yaml:"k"`
	Segments   int    `yaml:"segments"`
	Erode      int    `yaml:"erode"`
	Dilate     int    `yaml:"dilate"`
	Downsample int    `yaml:"downsample"`
	Clusters   int    `yaml:"clusters"`
	PCADim     int    `yaml:"pca_dim"`
	Seed       int64  `yaml:"seed"`
	Root       string `yaml:"root"`

	// Optional overrides; derived from Root/Dataset/Split when empty.
	ImagesList string `yaml:"images_list"`
	ImagesRoot string `yaml:"images_root"`
}

// Defaults is the VOC2012 trainaug recipe.
func Defaults() Primary {
	return Primary{
		Dataset:    "VOC2012",
		Split:      "trainaug",
		Model:      "hist16",
		Matrix:     MatrixLaplacian,
		K:          5,
		Segments:   15,
		Erode:      2,
		Dilate:     3,
		Downsample: 16,
		Clusters:   21,
		PCADim:     32,
		Seed:       0,
		Root:       "./data",
	}
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (Primary, error) {
	p := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return Primary{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Primary{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Primary{}, err
	}
	return p, nil
}

// Validate rejects unknown matrix kinds and non-positive counts up
// front, instead of letting a stage fail deep inside its run.
func (p Primary) Validate() error {
	if p.Dataset == "" {
		return fmt.Errorf("config: dataset must not be empty")
	}
	if p.Model == "" {
		return fmt.Errorf("config: model must not be empty")
	}
	switch p.Matrix {
	case MatrixAffinity, MatrixLaplacian:
	default:
		return fmt.Errorf("config: unknown matrix kind %q (want %q or %q)",
			p.Matrix, MatrixAffinity, MatrixLaplacian)
	}
	if p.K <= 0 {
		return fmt.Errorf("config: k must be positive, got %d", p.K)
	}
	if p.Segments <= 1 {
		return fmt.Errorf("config: segments must be at least 2, got %d", p.Segments)
	}
	if p.Erode < 0 || p.Dilate < 0 {
		return fmt.Errorf("config: erode/dilate must not be negative, got %d/%d", p.Erode, p.Dilate)
	}
	if p.Downsample <= 0 {
		return fmt.Errorf("config: downsample factor must be positive, got %d", p.Downsample)
	}
	if p.Clusters <= 1 {
		return fmt.Errorf("config: clusters must be at least 2, got %d", p.Clusters)
	}
	if p.PCADim < 0 {
		return fmt.Errorf("config: pca_dim must not be negative, got %d", p.PCADim)
	}
	if p.Root == "" {
		return fmt.Errorf("config: root must not be empty")
	}
	return nil
}
