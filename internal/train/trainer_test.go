package train

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"deepspectral/internal/backbone"
	"deepspectral/internal/logger"
	"deepspectral/internal/store"
)

func TestSGDLearnsSeparableClasses(t *testing.T) {
	model := NewClassifier(2, 2)
	opt := NewSGD(model, 0.5, 0.9, 0, 0)

	feats := mat.NewDense(4, 2, []float64{
		1, 0,
		0.9, 0.1,
		0, 1,
		0.1, 0.9,
	})
	labels := []int{0, 0, 1, 1}

	var first, last float64
	for step := 0; step < 200; step++ {
		loss, err := opt.Step(model, feats, labels, step)
		require.NoError(t, err)
		if step == 0 {
			first = loss
		}
		last = loss
	}
	assert.Less(t, last, first)
	assert.Equal(t, 0, model.Predict([]float64{1, 0}))
	assert.Equal(t, 1, model.Predict([]float64{0, 1}))
}

func TestSGDWarmupRate(t *testing.T) {
	model := NewClassifier(2, 2)
	opt := NewSGD(model, 1.0, 0, 0, 10)
	assert.InDelta(t, 0.1, opt.rate(0), 1e-12)
	assert.InDelta(t, 0.5, opt.rate(4), 1e-12)
	assert.InDelta(t, 1.0, opt.rate(10), 1e-12)
	assert.InDelta(t, 1.0, opt.rate(100), 1e-12)
}

func TestSGDRejectsBadBatch(t *testing.T) {
	model := NewClassifier(2, 2)
	opt := NewSGD(model, 0.1, 0, 0, 0)

	_, err := opt.Step(model, mat.NewDense(1, 3, nil), []int{0}, 0)
	assert.Error(t, err)

	_, err = opt.Step(model, mat.NewDense(1, 2, nil), []int{5}, 0)
	assert.Error(t, err)
}

func TestEMAUpdate(t *testing.T) {
	model := NewClassifier(1, 1)
	ema := NewEMA(model, 0.9, 2)

	model.Weights[0] = 1.0
	ema.Update(model, 1) // off-cadence, no change
	assert.Equal(t, 0.0, ema.Shadow().Weights[0])

	ema.Update(model, 2)
	assert.InDelta(t, 0.1, ema.Shadow().Weights[0], 1e-12)
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ck := &Checkpoint{
		Step: 42, Epoch: 7, NumClasses: 2, Dim: 3,
		Weights: []float64{1, 2, 3, 4, 5, 6},
		Bias:    []float64{0.1, 0.2},
		VW:      []float64{9, 8, 7, 6, 5, 4},
		VB:      []float64{0.3, 0.4},
	}
	path, err := SaveCheckpoint(dir, ck)
	require.NoError(t, err)

	got, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, ck, got)

	latest, err := LoadCheckpoint(filepath.Join(dir, "latest.gob"))
	require.NoError(t, err)
	assert.Equal(t, ck, latest)
}

// trainingCheckpoint writes a checkpoint shaped for the hist16 model.
func trainingCheckpoint(t *testing.T, dir string, epoch int) (string, *Checkpoint) {
	t.Helper()
	bb, err := backbone.New("hist16")
	require.NoError(t, err)

	dim := bb.Dim()
	ck := &Checkpoint{
		Step: 700, Epoch: epoch, NumClasses: 21, Dim: dim,
		Weights: make([]float64, 21*dim),
		Bias:    make([]float64, 21),
		VW:      make([]float64, 21*dim),
		VB:      make([]float64, 21),
	}
	ck.Weights[0] = 0.5
	ck.VW[0] = 0.25
	path, err := SaveCheckpoint(dir, ck)
	require.NoError(t, err)
	return path, ck
}

func TestResumeTrainingRestoresCountersAndOptimizer(t *testing.T) {
	dir := t.TempDir()
	path, _ := trainingCheckpoint(t, dir, 7)

	cfg := DefaultConfig()
	cfg.Checkpoint.Resume = path
	cfg.ResumeTraining = true

	tr, err := NewTrainer(cfg, logger.Nop())
	require.NoError(t, err)

	assert.Equal(t, 8, tr.NextEpoch())
	assert.Equal(t, 700, tr.Step())
	assert.Equal(t, 0.5, tr.model.Weights[0])
	assert.Equal(t, 0.25, tr.opt.vW[0])
}

func TestResumeOptimizerOnlySkipsCounters(t *testing.T) {
	dir := t.TempDir()
	path, _ := trainingCheckpoint(t, dir, 7)

	cfg := DefaultConfig()
	cfg.Checkpoint.Resume = path
	cfg.ResumeTraining = true
	cfg.ResumeOptimizerOnly = true

	tr, err := NewTrainer(cfg, logger.Nop())
	require.NoError(t, err)

	assert.Equal(t, 1, tr.NextEpoch())
	assert.Equal(t, 0, tr.Step())
	assert.Equal(t, 0.5, tr.model.Weights[0])
	assert.Equal(t, 0.25, tr.opt.vW[0])
}

func TestResumeWeightsOnlyByDefault(t *testing.T) {
	dir := t.TempDir()
	path, _ := trainingCheckpoint(t, dir, 7)

	cfg := DefaultConfig()
	cfg.Checkpoint.Resume = path

	tr, err := NewTrainer(cfg, logger.Nop())
	require.NoError(t, err)

	assert.Equal(t, 1, tr.NextEpoch())
	assert.Equal(t, 0.5, tr.model.Weights[0])
	assert.Equal(t, 0.0, tr.opt.vW[0])
}

// writeSplit fabricates a tiny split: per image, stored patch features
// and a matching semantic map with labels 0 and 1.
func writeSplit(t *testing.T, root string, ids []string, dim int) (listPath, featDir, segDir string) {
	t.Helper()
	featDir = filepath.Join(root, "features")
	segDir = filepath.Join(root, "segs")
	features := store.NewFeatureStore(featDir)
	segs := store.NewSegmentationStore(segDir)

	var list string
	for _, id := range ids {
		list += id + ".jpg\n"

		const rows, cols = 2, 3
		data := make([]float64, rows*cols*dim)
		m := image.NewGray(image.Rect(0, 0, cols, rows))
		for p := 0; p < rows*cols; p++ {
			if p%2 == 0 {
				data[p*dim] = 1
				m.Pix[p] = 0
			} else {
				data[p*dim+1] = 1
				m.Pix[p] = 1
			}
		}
		require.NoError(t, features.Save(&store.FeatureArtifact{
			ID: id, ModelName: "hist16", PatchSize: 16, Dim: dim,
			ImageWidth: cols * 16, ImageHeight: rows * 16,
			PatchRows: rows, PatchCols: cols, Data: data,
		}))
		require.NoError(t, segs.Save(id, m))
	}
	listPath = filepath.Join(root, "list.txt")
	require.NoError(t, os.WriteFile(listPath, []byte(list), 0o644))
	return listPath, featDir, segDir
}

func TestTrainerRunEndToEnd(t *testing.T) {
	root := t.TempDir()
	bb, err := backbone.New("hist16")
	require.NoError(t, err)

	listPath, featDir, segDir := writeSplit(t, root, []string{"a", "b"}, bb.Dim())

	cfg := DefaultConfig()
	cfg.MaxEpochs = 2
	cfg.Data.Loader.BatchSize = 1
	cfg.EvalEvery = 2
	cfg.CheckpointEvery = 0
	cfg.TrainList = listPath
	cfg.ValList = listPath
	cfg.TrainSegmentsDir = segDir
	cfg.ValSegmentsDir = segDir
	cfg.FeaturesDir = featDir
	cfg.Checkpoint.Dir = filepath.Join(root, "ckpt")
	cfg.EMA.Enabled = true

	tr, err := NewTrainer(cfg, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, tr.Run(context.Background()))

	assert.Equal(t, 4, tr.Step()) // 2 images x 2 epochs, batch 1
	assert.Equal(t, 3, tr.NextEpoch())

	// Final checkpoint written.
	_, err = LoadCheckpoint(filepath.Join(cfg.Checkpoint.Dir, "latest.gob"))
	require.NoError(t, err)

	// The toy split is perfectly separable.
	val, err := tr.loadSplit(listPath, segDir)
	require.NoError(t, err)
	m := tr.Evaluate(val)
	assert.Greater(t, m.PixelAccuracy, 0.0)
}

func TestTrainerRejectsForeignFeatures(t *testing.T) {
	root := t.TempDir()
	bb, err := backbone.New("hist16")
	require.NoError(t, err)

	listPath, featDir, segDir := writeSplit(t, root, []string{"a"}, bb.Dim())

	cfg := DefaultConfig()
	cfg.TrainList = listPath
	cfg.TrainSegmentsDir = segDir
	cfg.FeaturesDir = featDir
	cfg.Checkpoint.Dir = filepath.Join(root, "ckpt")

	tr, err := NewTrainer(cfg, logger.Nop())
	require.NoError(t, err)

	features := store.NewFeatureStore(featDir)
	art, err := features.Load("a")
	require.NoError(t, err)

	// Features extracted with another backbone.
	art.ModelName = "hist8"
	require.NoError(t, features.Save(art))
	_, err = tr.loadSplit(listPath, segDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hist8")

	// Right name, wrong descriptor width.
	art.ModelName = "hist16"
	art.Dim = bb.Dim() + 1
	art.Data = make([]float64, art.PatchRows*art.PatchCols*art.Dim)
	require.NoError(t, features.Save(art))
	_, err = tr.loadSplit(listPath, segDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dim")
}

func TestTrainerRejectsMismatchedSegmentation(t *testing.T) {
	root := t.TempDir()
	bb, err := backbone.New("hist16")
	require.NoError(t, err)

	listPath, featDir, segDir := writeSplit(t, root, []string{"a"}, bb.Dim())

	// Overwrite the map with the wrong grid size.
	segs := store.NewSegmentationStore(segDir)
	require.NoError(t, segs.Save("a", image.NewGray(image.Rect(0, 0, 5, 5))))

	cfg := DefaultConfig()
	cfg.TrainList = listPath
	cfg.TrainSegmentsDir = segDir
	cfg.FeaturesDir = featDir
	cfg.Checkpoint.Dir = filepath.Join(root, "ckpt")

	tr, err := NewTrainer(cfg, logger.Nop())
	require.NoError(t, err)
	assert.Error(t, tr.Run(context.Background()))
}
