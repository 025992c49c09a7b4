package backbone

import (
	"fmt"
	"image"
	"math"

	"github.com/lucasb-eyer/go-colorful"
	"gonum.org/v1/gonum/mat"
)

const (
	colorBins    = 8 // per Lab channel
	orientBins   = 9 // unsigned gradient orientations
	histDim      = 3 + 3*colorBins + orientBins
	labARange    = 1.2 // observed a/b channel range used for binning
)

// histBackbone describes each patch by its mean Lab color, per-channel
// Lab histograms and a magnitude-weighted gradient orientation
// histogram, L2-normalized. Cheap, deterministic, and discriminative
// enough to drive the spectral stages.
type histBackbone struct {
	name      string
	patchSize int
}

func newHistBackbone(name string, patchSize int) *histBackbone {
	return &histBackbone{name: name, patchSize: patchSize}
}

func (b *histBackbone) Name() string   { return b.name }
func (b *histBackbone) PatchSize() int { return b.patchSize }
func (b *histBackbone) Dim() int       { return histDim }

// planes holds the per-pixel channels the descriptor reads.
type planes struct {
	w, h    int
	l, a, c []float64 // Lab channels; c is the b channel
	gray    []float64
}

func makePlanes(img image.Image) *planes {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	p := &planes{
		w: w, h: h,
		l:    make([]float64, w*h),
		a:    make([]float64, w*h),
		c:    make([]float64, w*h),
		gray: make([]float64, w*h),
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			cf, _ := colorful.MakeColor(img.At(bounds.Min.X+x, bounds.Min.Y+y))
			l, a, bb := cf.Lab()
			i := y*w + x
			p.l[i] = l
			p.a[i] = a
			p.c[i] = bb
			p.gray[i] = l
		}
	}
	return p
}

// descriptor accumulates the histogram features over the pixel window
// [x0,x1) x [y0,y1).
func (b *histBackbone) descriptor(p *planes, x0, y0, x1, y1 int) []float64 {
	d := make([]float64, histDim)
	n := float64((x1 - x0) * (y1 - y0))

	meanL, meanA, meanB := 0.0, 0.0, 0.0
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			i := y*p.w + x
			meanL += p.l[i]
			meanA += p.a[i]
			meanB += p.c[i]

			d[3+bin(p.l[i], 0, 1)]++
			d[3+colorBins+bin(p.a[i], -labARange, labARange)]++
			d[3+2*colorBins+bin(p.c[i], -labARange, labARange)]++

			gx, gy := gradient(p, x, y)
			magnitude := math.Hypot(gx, gy)
			if magnitude > 0 {
				theta := math.Atan2(gy, gx)
				if theta < 0 {
					theta += math.Pi // unsigned orientation
				}
				ob := int(theta / math.Pi * orientBins)
				if ob >= orientBins {
					ob = orientBins - 1
				}
				d[3+3*colorBins+ob] += magnitude
			}
		}
	}
	d[0] = meanL / n
	d[1] = meanA / n
	d[2] = meanB / n
	for i := 3; i < 3+3*colorBins; i++ {
		d[i] /= n
	}

	normalize(d)
	return d
}

func (b *histBackbone) Patches(img image.Image) (*mat.Dense, error) {
	p := makePlanes(img)
	rows, cols := p.h/b.patchSize, p.w/b.patchSize
	if rows == 0 || cols == 0 {
		return nil, fmt.Errorf("image %dx%d smaller than patch size %d", p.w, p.h, b.patchSize)
	}

	out := mat.NewDense(rows*cols, histDim, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			x0, y0 := c*b.patchSize, r*b.patchSize
			out.SetRow(r*cols+c, b.descriptor(p, x0, y0, x0+b.patchSize, y0+b.patchSize))
		}
	}
	return out, nil
}

func (b *histBackbone) Embed(img image.Image) ([]float64, error) {
	p := makePlanes(img)
	if p.w == 0 || p.h == 0 {
		return nil, fmt.Errorf("cannot embed empty image")
	}
	return b.descriptor(p, 0, 0, p.w, p.h), nil
}

func bin(v, lo, hi float64) int {
	i := int((v - lo) / (hi - lo) * colorBins)
	if i < 0 {
		return 0
	}
	if i >= colorBins {
		return colorBins - 1
	}
	return i
}

// gradient computes central differences on the L channel, clamped at
// the image border.
func gradient(p *planes, x, y int) (gx, gy float64) {
	xm, xp := max(x-1, 0), min(x+1, p.w-1)
	ym, yp := max(y-1, 0), min(y+1, p.h-1)
	gx = p.gray[y*p.w+xp] - p.gray[y*p.w+xm]
	gy = p.gray[yp*p.w+x] - p.gray[ym*p.w+x]
	return gx, gy
}

func normalize(d []float64) {
	var sum float64
	for _, v := range d {
		sum += v * v
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range d {
		d[i] *= inv
	}
}
