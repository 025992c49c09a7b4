package train

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Classifier is a linear softmax model over backbone patch features:
// one weight row and bias per class.
type Classifier struct {
	NumClasses int
	Dim        int
	Weights    []float64 // row-major NumClasses x Dim
	Bias       []float64
}

func NewClassifier(numClasses, dim int) *Classifier {
	return &Classifier{
		NumClasses: numClasses,
		Dim:        dim,
		Weights:    make([]float64, numClasses*dim),
		Bias:       make([]float64, numClasses),
	}
}

// Logits computes the class scores for one feature vector.
func (c *Classifier) Logits(x []float64, out []float64) {
	for k := 0; k < c.NumClasses; k++ {
		w := c.Weights[k*c.Dim : (k+1)*c.Dim]
		s := c.Bias[k]
		for i, v := range x {
			s += w[i] * v
		}
		out[k] = s
	}
}

// Predict returns the argmax class for one feature vector.
func (c *Classifier) Predict(x []float64) int {
	logits := make([]float64, c.NumClasses)
	c.Logits(x, logits)
	best := 0
	for k := 1; k < c.NumClasses; k++ {
		if logits[k] > logits[best] {
			best = k
		}
	}
	return best
}

// clone copies the parameters, for EMA shadows and checkpoint swaps.
func (c *Classifier) clone() *Classifier {
	out := NewClassifier(c.NumClasses, c.Dim)
	copy(out.Weights, c.Weights)
	copy(out.Bias, c.Bias)
	return out
}

// SGD is a momentum optimizer over the classifier parameters.
type SGD struct {
	LR          float64
	Momentum    float64
	WeightDecay float64
	WarmupSteps int

	vW []float64
	vB []float64
}

func NewSGD(c *Classifier, lr, momentum, weightDecay float64, warmupSteps int) *SGD {
	return &SGD{
		LR:          lr,
		Momentum:    momentum,
		WeightDecay: weightDecay,
		WarmupSteps: warmupSteps,
		vW:          make([]float64, len(c.Weights)),
		vB:          make([]float64, len(c.Bias)),
	}
}

// rate applies the linear warmup schedule to the base learning rate.
func (o *SGD) rate(step int) float64 {
	if o.WarmupSteps > 0 && step < o.WarmupSteps {
		return o.LR * float64(step+1) / float64(o.WarmupSteps)
	}
	return o.LR
}

// Step runs one cross-entropy gradient update over a batch of feature
// rows and their class labels, and returns the mean loss.
func (o *SGD) Step(c *Classifier, feats *mat.Dense, labels []int, step int) (float64, error) {
	n, d := feats.Dims()
	if d != c.Dim {
		return 0, fmt.Errorf("feature dimension %d does not match classifier dimension %d", d, c.Dim)
	}
	if n != len(labels) {
		return 0, fmt.Errorf("%d feature rows for %d labels", n, len(labels))
	}
	if n == 0 {
		return 0, fmt.Errorf("empty batch")
	}

	gW := make([]float64, len(c.Weights))
	gB := make([]float64, len(c.Bias))
	logits := make([]float64, c.NumClasses)
	probs := make([]float64, c.NumClasses)

	var loss float64
	for i := 0; i < n; i++ {
		x := feats.RawRowView(i)
		y := labels[i]
		if y < 0 || y >= c.NumClasses {
			return 0, fmt.Errorf("label %d out of range [0,%d)", y, c.NumClasses)
		}

		c.Logits(x, logits)
		softmax(logits, probs)
		loss += -math.Log(math.Max(probs[y], 1e-12))

		for k := 0; k < c.NumClasses; k++ {
			g := probs[k]
			if k == y {
				g -= 1
			}
			gB[k] += g
			row := gW[k*c.Dim : (k+1)*c.Dim]
			for j, v := range x {
				row[j] += g * v
			}
		}
	}

	lr := o.rate(step)
	inv := 1 / float64(n)
	for i := range c.Weights {
		g := gW[i]*inv + o.WeightDecay*c.Weights[i]
		o.vW[i] = o.Momentum*o.vW[i] + g
		c.Weights[i] -= lr * o.vW[i]
	}
	for i := range c.Bias {
		o.vB[i] = o.Momentum*o.vB[i] + gB[i]*inv
		c.Bias[i] -= lr * o.vB[i]
	}
	return loss * inv, nil
}

func softmax(logits, out []float64) {
	maxL := logits[0]
	for _, v := range logits[1:] {
		if v > maxL {
			maxL = v
		}
	}
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(v - maxL)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
}
