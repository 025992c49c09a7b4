package backbone

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testImage returns a 64x32 image split into a red left half and a
// blue right half.
func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 64; x++ {
			if x < 32 {
				img.Set(x, y, color.RGBA{200, 30, 30, 255})
			} else {
				img.Set(x, y, color.RGBA{30, 30, 200, 255})
			}
		}
	}
	return img
}

func TestNewRejectsUnknownModel(t *testing.T) {
	_, err := New("dino_vits16")
	assert.Error(t, err)

	b, err := New("hist16")
	require.NoError(t, err)
	assert.Equal(t, "hist16", b.Name())
	assert.Equal(t, 16, b.PatchSize())
}

func TestPatchesGridShape(t *testing.T) {
	b, err := New("hist16")
	require.NoError(t, err)

	m, err := b.Patches(testImage())
	require.NoError(t, err)

	rows, cols := m.Dims()
	assert.Equal(t, 2*4, rows) // 32/16 x 64/16 patches
	assert.Equal(t, b.Dim(), cols)

	gr, gc := Grid(b, 64, 32)
	assert.Equal(t, 2, gr)
	assert.Equal(t, 4, gc)
}

func TestPatchesAreDeterministicAndNormalized(t *testing.T) {
	b, err := New("hist8")
	require.NoError(t, err)

	img := testImage()
	m1, err := b.Patches(img)
	require.NoError(t, err)
	m2, err := b.Patches(img)
	require.NoError(t, err)
	assert.Equal(t, m1.RawMatrix().Data, m2.RawMatrix().Data)

	// Every descriptor is unit length.
	rows, cols := m1.Dims()
	for r := 0; r < rows; r++ {
		var sum float64
		for c := 0; c < cols; c++ {
			v := m1.At(r, c)
			sum += v * v
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	}
}

func TestPatchesSeparateColors(t *testing.T) {
	b, err := New("hist16")
	require.NoError(t, err)

	m, err := b.Patches(testImage())
	require.NoError(t, err)

	dot := func(r1, r2 int) float64 {
		var s float64
		for c := 0; c < b.Dim(); c++ {
			s += m.At(r1, c) * m.At(r2, c)
		}
		return s
	}

	// Row-major grid of 4 columns: patches 0,1 are red, 2,3 blue.
	sameSide := dot(0, 1)
	crossSide := dot(0, 2)
	assert.Greater(t, sameSide, crossSide)
}

func TestEmbedMatchesDimension(t *testing.T) {
	b, err := New("hist16")
	require.NoError(t, err)

	v, err := b.Embed(testImage())
	require.NoError(t, err)
	assert.Len(t, v, b.Dim())
}

func TestPatchesRejectsTinyImage(t *testing.T) {
	b, err := New("hist16")
	require.NoError(t, err)

	_, err = b.Patches(image.NewRGBA(image.Rect(0, 0, 8, 8)))
	assert.Error(t, err)
}
