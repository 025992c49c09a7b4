package train

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigLayersOverrides(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	require.NoError(t, os.WriteFile(base, []byte("lr: 0.05\nmax_epochs: 3\n"), 0o644))

	cfg, err := LoadConfig(base, []string{
		"lr=0.1",
		"data.loader.batch_size=8",
		"train_segments_dir=/tmp/segs",
		"ema.enabled=true",
	})
	require.NoError(t, err)

	assert.Equal(t, 0.1, cfg.LR) // override wins over base
	assert.Equal(t, 3, cfg.MaxEpochs)
	assert.Equal(t, 8, cfg.Data.Loader.BatchSize)
	assert.Equal(t, "/tmp/segs", cfg.TrainSegmentsDir)
	assert.True(t, cfg.EMA.Enabled)
	assert.Equal(t, 0.999, cfg.EMA.Decay) // default retained
}

func TestLoadConfigParsesMatchingLiteral(t *testing.T) {
	cfg, err := LoadConfig("", []string{
		"num_classes=3",
		"matching=[[0,0],[1,2],[2,1]]",
	})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 0}, {1, 2}, {2, 1}}, cfg.Matching)
}

func TestLoadConfigRejectsMalformedOverride(t *testing.T) {
	_, err := LoadConfig("", []string{"lr"})
	assert.Error(t, err)
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LR = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Data.Loader.BatchSize = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxEpochs = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.EMA.Enabled = true
	cfg.EMA.Decay = 1.5
	assert.Error(t, cfg.Validate())
}

func TestMatchingBijection(t *testing.T) {
	pairs := make([][]int, 21)
	for i := range pairs {
		pairs[i] = []int{i, (i + 3) % 21}
	}
	m, err := NewMatching(pairs, 21)
	require.NoError(t, err)

	class, err := m.Class(0)
	require.NoError(t, err)
	assert.Equal(t, 3, class)
}

func TestMatchingRejectsMissingID(t *testing.T) {
	// 20 pairs over a 21-class domain: one cluster id missing. This
	// must fail before training starts.
	pairs := make([][]int, 20)
	for i := range pairs {
		pairs[i] = []int{i, i}
	}
	_, err := NewMatching(pairs, 21)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Matching = pairs
	assert.Error(t, cfg.Validate())
}

func TestMatchingRejectsDuplicates(t *testing.T) {
	_, err := NewMatching([][]int{{0, 0}, {0, 1}, {2, 2}}, 3)
	assert.Error(t, err)

	_, err = NewMatching([][]int{{0, 0}, {1, 0}, {2, 2}}, 3)
	assert.Error(t, err)

	_, err = NewMatching([][]int{{0, 0}, {1, 5}, {2, 2}}, 3)
	assert.Error(t, err)
}
