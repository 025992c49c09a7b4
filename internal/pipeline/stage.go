package pipeline

import (
	"context"

	"deepspectral/internal/config"
	"deepspectral/internal/logger"
	"deepspectral/internal/store"
)

// Stage is one pipeline step. Check validates the stage's inputs
// against the image list without writing anything; Run produces the
// stage's artifacts. Both are invoked by the runner, Check immediately
// before Run.
type Stage interface {
	Name() string
	Check() error
	Run(ctx context.Context) error
}

// Env bundles what every stage driver needs: the resolved
// configuration, the image list and the logger. It is built once per
// run and shared read-only between stages.
type Env struct {
	Primary config.Primary
	Layout  config.Layout
	List    *store.ImageList
	Log     logger.Logger
}

// NewEnv resolves the layout and loads the image list.
func NewEnv(p config.Primary, log logger.Logger) (*Env, error) {
	layout, err := config.Resolve(p)
	if err != nil {
		return nil, err
	}
	list, err := store.LoadImageList(layout.ImagesList)
	if err != nil {
		return nil, err
	}
	log.Info("Pipeline", "environment resolved", map[string]interface{}{
		"dataset": p.Dataset,
		"split":   p.Split,
		"model":   p.Model,
		"matrix":  p.Matrix,
		"images":  list.Len(),
	})
	return &Env{Primary: p, Layout: layout, List: list, Log: log}, nil
}

// DefaultStages returns the full extraction chain in execution order.
func DefaultStages(env *Env) []Stage {
	return []Stage{
		NewFeaturesStage(env),
		NewEigsStage(env),
		NewMultiRegionStage(env),
		NewBBoxStage(env),
		NewBBoxFeaturesStage(env),
		NewClustersStage(env),
		NewSemanticStage(env),
	}
}
