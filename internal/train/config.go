// Package train fits a linear patch classifier to the pseudo-label
// semantic maps produced by the pipeline. It carries the full training
// driver contract: layered configuration with dotted-key overrides,
// matching validation, warmup, EMA smoothing, periodic evaluation and
// checkpointing, and checkpoint resume.
package train

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"
)

// Config is the training driver configuration. Field names follow the
// dotted override keys accepted on the command line.
type Config struct {
	LR          float64 `mapstructure:"lr"`
	Momentum    float64 `mapstructure:"momentum"`
	WeightDecay float64 `mapstructure:"weight_decay"`
	WarmupSteps int     `mapstructure:"warmup_steps"`

	MaxEpochs       int `mapstructure:"max_epochs"`
	MaxSteps        int `mapstructure:"max_steps"`
	EvalEvery       int `mapstructure:"eval_every"`
	CheckpointEvery int `mapstructure:"checkpoint_every"`

	NumClasses int     `mapstructure:"num_classes"`
	Matching   [][]int `mapstructure:"matching"`

	Model string `mapstructure:"model"`

	Data struct {
		Loader struct {
			BatchSize int `mapstructure:"batch_size"`
		} `mapstructure:"loader"`
	} `mapstructure:"data"`

	TrainSegmentsDir string `mapstructure:"train_segments_dir"`
	ValSegmentsDir   string `mapstructure:"val_segments_dir"`
	FeaturesDir      string `mapstructure:"features_dir"`
	TrainList        string `mapstructure:"train_list"`
	ValList          string `mapstructure:"val_list"`

	Checkpoint struct {
		Dir    string `mapstructure:"dir"`
		Resume string `mapstructure:"resume"`
	} `mapstructure:"checkpoint"`
	ResumeTraining      bool `mapstructure:"resume_training"`
	ResumeOptimizerOnly bool `mapstructure:"resume_optimizer_only"`

	EMA struct {
		Enabled     bool    `mapstructure:"enabled"`
		Decay       float64 `mapstructure:"decay"`
		UpdateEvery int     `mapstructure:"update_every"`
	} `mapstructure:"ema"`
}

// DefaultConfig is the base hyperparameter set; config files and
// overrides layer on top of it.
func DefaultConfig() Config {
	var c Config
	c.LR = 0.01
	c.Momentum = 0.9
	c.WeightDecay = 1e-4
	c.WarmupSteps = 100
	c.MaxEpochs = 10
	c.EvalEvery = 500
	c.CheckpointEvery = 500
	c.NumClasses = 21
	c.Model = "hist16"
	c.Data.Loader.BatchSize = 4
	c.Checkpoint.Dir = "./checkpoints"
	c.EMA.Decay = 0.999
	c.EMA.UpdateEvery = 1
	return c
}

// LoadConfig builds the layered configuration: defaults, then the base
// YAML file (optional), then dotted-key overrides of the form
// "data.loader.batch_size=8".
func LoadConfig(basePath string, overrides []string) (Config, error) {
	merged := map[string]interface{}{}

	if basePath != "" {
		data, err := os.ReadFile(basePath)
		if err != nil {
			return Config{}, fmt.Errorf("read base config %s: %w", basePath, err)
		}
		if err := yaml.Unmarshal(data, &merged); err != nil {
			return Config{}, fmt.Errorf("parse base config %s: %w", basePath, err)
		}
	}

	for _, o := range overrides {
		if err := applyOverride(merged, o); err != nil {
			return Config{}, err
		}
	}

	cfg := DefaultConfig()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Config{}, err
	}
	if err := dec.Decode(merged); err != nil {
		return Config{}, fmt.Errorf("decode training config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyOverride parses "a.b.c=value" and sets it in the nested map.
// Values go through the YAML scalar parser, so numbers, booleans and
// lists ('matching=[[0,0],[1,5]]') all work.
func applyOverride(m map[string]interface{}, override string) error {
	key, raw, ok := strings.Cut(override, "=")
	if !ok {
		return fmt.Errorf("override %q is not of the form key=value", override)
	}
	var value interface{}
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
		return fmt.Errorf("override %q: %w", override, err)
	}

	parts := strings.Split(key, ".")
	cur := m
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
	return nil
}

// Validate checks everything that must hold before training starts,
// the matching bijection included.
func (c Config) Validate() error {
	if c.LR <= 0 {
		return fmt.Errorf("train: lr must be positive, got %g", c.LR)
	}
	if c.Data.Loader.BatchSize <= 0 {
		return fmt.Errorf("train: batch size must be positive, got %d", c.Data.Loader.BatchSize)
	}
	if c.MaxEpochs <= 0 && c.MaxSteps <= 0 {
		return fmt.Errorf("train: one of max_epochs or max_steps must be set")
	}
	if c.NumClasses < 2 {
		return fmt.Errorf("train: num_classes must be at least 2, got %d", c.NumClasses)
	}
	if c.EMA.Enabled {
		if c.EMA.Decay <= 0 || c.EMA.Decay >= 1 {
			return fmt.Errorf("train: ema decay must lie in (0,1), got %g", c.EMA.Decay)
		}
		if c.EMA.UpdateEvery <= 0 {
			return fmt.Errorf("train: ema update_every must be positive, got %d", c.EMA.UpdateEvery)
		}
	}
	if len(c.Matching) > 0 {
		if _, err := NewMatching(c.Matching, c.NumClasses); err != nil {
			return err
		}
	}
	return nil
}
