package train

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"deepspectral/internal/backbone"
	"deepspectral/internal/logger"
	"deepspectral/internal/store"
)

// sample pairs one image's patch features with its per-patch class
// labels (matching already applied).
type sample struct {
	id     string
	feats  *mat.Dense
	labels []int
}

type dataset struct {
	samples []sample
}

// Metrics is an evaluation summary over a split.
type Metrics struct {
	Loss          float64
	PixelAccuracy float64
	MeanIoU       float64
}

// Trainer runs the training loop: initializing -> (resume) ->
// loop(epoch: steps -> optional eval -> optional checkpoint) -> done.
type Trainer struct {
	cfg      Config
	log      logger.Logger
	matching Matching

	model *Classifier
	opt   *SGD
	ema   *EMA

	step            int
	completedEpochs int
}

// NewTrainer validates the configuration, builds the model and
// restores any requested checkpoint. Matching errors surface here,
// before any data is touched.
func NewTrainer(cfg Config, log logger.Logger) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	matching := Identity(cfg.NumClasses)
	if len(cfg.Matching) > 0 {
		m, err := NewMatching(cfg.Matching, cfg.NumClasses)
		if err != nil {
			return nil, err
		}
		matching = m
	}

	bb, err := backbone.New(cfg.Model)
	if err != nil {
		return nil, err
	}

	model := NewClassifier(cfg.NumClasses, bb.Dim())
	t := &Trainer{
		cfg:      cfg,
		log:      log,
		matching: matching,
		model:    model,
		opt:      NewSGD(model, cfg.LR, cfg.Momentum, cfg.WeightDecay, cfg.WarmupSteps),
	}
	if cfg.EMA.Enabled {
		t.ema = NewEMA(model, cfg.EMA.Decay, cfg.EMA.UpdateEvery)
	}

	if cfg.Checkpoint.Resume != "" {
		if err := t.resume(cfg.Checkpoint.Resume); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// resume restores model weights from the checkpoint. With
// resume_training set, the optimizer state is restored too, and the
// step/epoch counters as well unless resume_optimizer_only narrows the
// restoration to the optimizer.
func (t *Trainer) resume(path string) error {
	ck, err := LoadCheckpoint(path)
	if err != nil {
		return err
	}
	if ck.NumClasses != t.model.NumClasses || ck.Dim != t.model.Dim {
		return fmt.Errorf("checkpoint shape %dx%d does not match model %dx%d",
			ck.NumClasses, ck.Dim, t.model.NumClasses, t.model.Dim)
	}

	copy(t.model.Weights, ck.Weights)
	copy(t.model.Bias, ck.Bias)
	if t.ema != nil && ck.EMAWeights != nil {
		t.ema.Restore(ck.EMAWeights, ck.EMABias)
	}

	if t.cfg.ResumeTraining {
		copy(t.opt.vW, ck.VW)
		copy(t.opt.vB, ck.VB)
		if !t.cfg.ResumeOptimizerOnly {
			t.step = ck.Step
			t.completedEpochs = ck.Epoch
		}
	}

	t.log.Info("Trainer", "checkpoint restored", map[string]interface{}{
		"path": path, "step": t.step, "epoch": t.completedEpochs,
	})
	return nil
}

// Step returns the global step counter.
func (t *Trainer) Step() int { return t.step }

// NextEpoch returns the 1-based number of the epoch that will run
// next.
func (t *Trainer) NextEpoch() int { return t.completedEpochs + 1 }

// Model returns the parameters used for evaluation and checkpointing:
// the EMA shadow when smoothing is active, the live model otherwise.
func (t *Trainer) Model() *Classifier {
	if t.ema != nil {
		return t.ema.Shadow()
	}
	return t.model
}

// Run executes the training loop until max_epochs or max_steps.
func (t *Trainer) Run(ctx context.Context) error {
	trainSet, err := t.loadSplit(t.cfg.TrainList, t.cfg.TrainSegmentsDir)
	if err != nil {
		return fmt.Errorf("load train split: %w", err)
	}
	var valSet *dataset
	if t.cfg.ValList != "" {
		valSet, err = t.loadSplit(t.cfg.ValList, t.cfg.ValSegmentsDir)
		if err != nil {
			return fmt.Errorf("load val split: %w", err)
		}
	}

	t.log.Info("Trainer", "training started", map[string]interface{}{
		"images": len(trainSet.samples), "epoch": t.NextEpoch(), "step": t.step,
	})

	for t.cfg.MaxEpochs <= 0 || t.completedEpochs < t.cfg.MaxEpochs {
		if err := t.runEpoch(ctx, trainSet, valSet); err != nil {
			return err
		}
		t.completedEpochs++
		if t.cfg.MaxSteps > 0 && t.step >= t.cfg.MaxSteps {
			break
		}
	}

	if _, err := t.checkpoint(); err != nil {
		return err
	}
	t.log.Info("Trainer", "training finished", map[string]interface{}{
		"step": t.step, "epochs": t.completedEpochs,
	})
	return nil
}

func (t *Trainer) runEpoch(ctx context.Context, trainSet, valSet *dataset) error {
	batch := t.cfg.Data.Loader.BatchSize
	for start := 0; start < len(trainSet.samples); start += batch {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := start + batch
		if end > len(trainSet.samples) {
			end = len(trainSet.samples)
		}
		feats, labels := concat(trainSet.samples[start:end])

		loss, err := t.opt.Step(t.model, feats, labels, t.step)
		if err != nil {
			return fmt.Errorf("step %d: %w", t.step, err)
		}
		t.step++
		if t.ema != nil {
			t.ema.Update(t.model, t.step)
		}

		if t.cfg.EvalEvery > 0 && t.step%t.cfg.EvalEvery == 0 && valSet != nil {
			m := t.Evaluate(valSet)
			t.log.Info("Trainer", "evaluation", map[string]interface{}{
				"step": t.step, "pixel_acc": m.PixelAccuracy, "miou": m.MeanIoU,
			})
		}
		if t.cfg.CheckpointEvery > 0 && t.step%t.cfg.CheckpointEvery == 0 {
			if _, err := t.checkpoint(); err != nil {
				return err
			}
		}
		if t.cfg.MaxSteps > 0 && t.step >= t.cfg.MaxSteps {
			return nil
		}

		if t.step%50 == 0 {
			t.log.Debug("Trainer", "train step", map[string]interface{}{
				"step": t.step, "loss": loss,
			})
		}
	}
	return nil
}

// loadSplit reads the image list and pairs each id's stored patch
// features with its semantic map, translating cluster ids to class ids
// through the matching.
func (t *Trainer) loadSplit(listPath, segmentsDir string) (*dataset, error) {
	list, err := store.LoadImageList(listPath)
	if err != nil {
		return nil, err
	}
	features := store.NewFeatureStore(t.cfg.FeaturesDir)
	segs := store.NewSegmentationStore(segmentsDir)

	if err := store.RequireComplete("features", features.Missing(list)); err != nil {
		return nil, err
	}
	if err := store.RequireComplete("segmentations", segs.Missing(list)); err != nil {
		return nil, err
	}

	ds := &dataset{}
	for _, id := range list.IDs() {
		art, err := features.Load(id)
		if err != nil {
			return nil, err
		}
		if art.ModelName != t.cfg.Model {
			return nil, fmt.Errorf("image %s: features extracted with %q, training configured for %q",
				id, art.ModelName, t.cfg.Model)
		}
		if art.Dim != t.model.Dim {
			return nil, fmt.Errorf("image %s: feature dim %d does not match model dim %d",
				id, art.Dim, t.model.Dim)
		}
		segmap, err := segs.Load(id)
		if err != nil {
			return nil, err
		}
		b := segmap.Bounds()
		if b.Dx() != art.PatchCols || b.Dy() != art.PatchRows {
			return nil, fmt.Errorf("image %s: segmentation %dx%d does not match patch grid %dx%d",
				id, b.Dx(), b.Dy(), art.PatchCols, art.PatchRows)
		}

		labels := make([]int, art.NumPatches())
		for i, cluster := range segmap.Pix[:art.NumPatches()] {
			class, err := t.matching.Class(int(cluster))
			if err != nil {
				return nil, fmt.Errorf("image %s: %w", id, err)
			}
			labels[i] = class
		}
		ds.samples = append(ds.samples, sample{id: id, feats: art.Patches(), labels: labels})
	}
	return ds, nil
}

// Evaluate computes pixel accuracy and mean IoU over a split with the
// evaluation model.
func (t *Trainer) Evaluate(ds *dataset) Metrics {
	model := t.Model()
	inter := make([]int, model.NumClasses)
	union := make([]int, model.NumClasses)
	correct, total := 0, 0

	for _, s := range ds.samples {
		n, _ := s.feats.Dims()
		for i := 0; i < n; i++ {
			pred := model.Predict(s.feats.RawRowView(i))
			truth := s.labels[i]
			if pred == truth {
				correct++
				inter[truth]++
				union[truth]++
			} else {
				union[truth]++
				union[pred]++
			}
			total++
		}
	}

	var m Metrics
	if total > 0 {
		m.PixelAccuracy = float64(correct) / float64(total)
	}
	var iouSum float64
	classes := 0
	for k := 0; k < model.NumClasses; k++ {
		if union[k] == 0 {
			continue
		}
		iouSum += float64(inter[k]) / float64(union[k])
		classes++
	}
	if classes > 0 {
		m.MeanIoU = iouSum / float64(classes)
	}
	return m
}

func (t *Trainer) checkpoint() (string, error) {
	ck := &Checkpoint{
		Step:       t.step,
		Epoch:      t.completedEpochs,
		NumClasses: t.model.NumClasses,
		Dim:        t.model.Dim,
		Weights:    append([]float64(nil), t.model.Weights...),
		Bias:       append([]float64(nil), t.model.Bias...),
		VW:         append([]float64(nil), t.opt.vW...),
		VB:         append([]float64(nil), t.opt.vB...),
	}
	if t.ema != nil {
		ck.EMAWeights = append([]float64(nil), t.ema.Shadow().Weights...)
		ck.EMABias = append([]float64(nil), t.ema.Shadow().Bias...)
	}
	path, err := SaveCheckpoint(t.cfg.Checkpoint.Dir, ck)
	if err != nil {
		return "", err
	}
	t.log.Info("Trainer", "checkpoint saved", map[string]interface{}{
		"path": path, "step": t.step,
	})
	return path, nil
}

func concat(samples []sample) (*mat.Dense, []int) {
	rows, dim := 0, 0
	for _, s := range samples {
		n, d := s.feats.Dims()
		rows += n
		dim = d
	}
	feats := mat.NewDense(rows, dim, nil)
	labels := make([]int, 0, rows)
	offset := 0
	for _, s := range samples {
		n, _ := s.feats.Dims()
		for i := 0; i < n; i++ {
			feats.SetRow(offset+i, s.feats.RawRowView(i))
		}
		offset += n
		labels = append(labels, s.labels...)
	}
	return feats, labels
}
