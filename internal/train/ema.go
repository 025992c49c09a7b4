package train

// EMA maintains an exponentially smoothed shadow copy of the
// classifier parameters. When enabled, the shadow is what gets
// evaluated and checkpointed.
type EMA struct {
	Decay       float64
	UpdateEvery int

	shadow *Classifier
}

func NewEMA(model *Classifier, decay float64, updateEvery int) *EMA {
	return &EMA{
		Decay:       decay,
		UpdateEvery: updateEvery,
		shadow:      model.clone(),
	}
}

// Update folds the live parameters into the shadow if the step count
// hits the update cadence. Steps are 1-based.
func (e *EMA) Update(model *Classifier, step int) {
	if step%e.UpdateEvery != 0 {
		return
	}
	d := e.Decay
	for i, w := range model.Weights {
		e.shadow.Weights[i] = d*e.shadow.Weights[i] + (1-d)*w
	}
	for i, b := range model.Bias {
		e.shadow.Bias[i] = d*e.shadow.Bias[i] + (1-d)*b
	}
}

// Shadow returns the smoothed parameters.
func (e *EMA) Shadow() *Classifier {
	return e.shadow
}

// Restore overwrites the shadow, used when resuming from a checkpoint.
func (e *EMA) Restore(weights, bias []float64) {
	copy(e.shadow.Weights, weights)
	copy(e.shadow.Bias, bias)
}
