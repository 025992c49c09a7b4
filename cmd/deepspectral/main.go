// Package main is the deepspectral command: the staged unsupervised
// segmentation pipeline and the trainer built on its pseudo-labels.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"deepspectral/internal/config"
	"deepspectral/internal/logger"
	"deepspectral/internal/pipeline"
	"deepspectral/internal/train"
	"deepspectral/internal/vis"
)

const appVersion = "1.0.0"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "deepspectral",
		Usage:   "unsupervised semantic segmentation via spectral decomposition",
		Version: appVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "load pipeline configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "log level (trace, debug, info, warn, error)",
			},
			&cli.BoolFlag{
				Name:  "log-json",
				Usage: "emit structured JSON logs instead of console output",
			},
		},
		Commands: []*cli.Command{
			featuresCommand(),
			eigsCommand(),
			multiRegionCommand(),
			singleRegionCommand(),
			bboxCommand(),
			bboxFeaturesCommand(),
			clustersCommand(),
			semanticCommand(),
			runCommand(),
			trainCommand(),
			visCommand(),
		},
	}
}

func buildLogger(c *cli.Context) (logger.Logger, error) {
	level, err := zerolog.ParseLevel(c.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.String("log-level"), err)
	}
	if c.Bool("log-json") {
		return logger.NewJSONLogger(level), nil
	}
	return logger.NewConsoleLogger(level), nil
}

// loadPrimary layers flag overrides on top of the config file (or the
// defaults). Every stage command exposes the subset of these flags it
// consumes; unset flags leave the resolved value alone.
func loadPrimary(c *cli.Context) (config.Primary, error) {
	var p config.Primary
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Primary{}, err
		}
		p = loaded
	} else {
		p = config.Defaults()
	}

	set := func(name string, apply func()) {
		if c.IsSet(name) {
			apply()
		}
	}
	set("images_list", func() { p.ImagesList = c.String("images_list") })
	set("images_root", func() { p.ImagesRoot = c.String("images_root") })
	set("model_name", func() { p.Model = c.String("model_name") })
	set("which_matrix", func() { p.Matrix = c.String("which_matrix") })
	set("K", func() { p.K = c.Int("K") })
	set("non_adaptive_num_segments", func() { p.Segments = c.Int("non_adaptive_num_segments") })
	set("num_erode", func() { p.Erode = c.Int("num_erode") })
	set("num_dilate", func() { p.Dilate = c.Int("num_dilate") })
	set("downsample_factor", func() { p.Downsample = c.Int("downsample_factor") })
	set("num_clusters", func() { p.Clusters = c.Int("num_clusters") })
	set("pca_dim", func() { p.PCADim = c.Int("pca_dim") })

	return p, p.Validate()
}

func buildEnv(c *cli.Context) (*pipeline.Env, error) {
	log, err := buildLogger(c)
	if err != nil {
		return nil, err
	}
	p, err := loadPrimary(c)
	if err != nil {
		return nil, err
	}
	env, err := pipeline.NewEnv(p, log)
	if err != nil {
		return nil, err
	}

	// Explicit path flags override the derived layout.
	set := func(name string, dst *string) {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	set("features_dir", &env.Layout.FeatureDir)
	set("eigs_dir", &env.Layout.EigDir)
	set("segmentations_dir", &env.Layout.SegmentDir)
	set("bbox_file", &env.Layout.BBoxFile)
	set("bbox_feature_file", &env.Layout.BBoxFeatureFile)
	set("cluster_file", &env.Layout.ClusterFile)
	return env, nil
}

// runStage builds the environment, redirects the stage's output
// location when its output flag is set, and drives the runner.
func runStage(c *cli.Context, outFlag string, out func(*pipeline.Env) *string, build func(*pipeline.Env) pipeline.Stage) error {
	env, err := buildEnv(c)
	if err != nil {
		return err
	}
	if outFlag != "" && c.IsSet(outFlag) {
		*out(env) = c.String(outFlag)
	}
	return pipeline.NewRunner(env.Log, []pipeline.Stage{build(env)}).Run(c.Context)
}

// Shared flag constructors: one definition per spec parameter, reused
// by every command that consumes it.

func imagesListFlag() cli.Flag {
	return &cli.StringFlag{Name: "images_list", Usage: "file listing the image ids to process"}
}

func imagesRootFlag() cli.Flag {
	return &cli.StringFlag{Name: "images_root", Usage: "directory holding the image files"}
}

func modelNameFlag() cli.Flag {
	return &cli.StringFlag{Name: "model_name", Usage: "backbone model name"}
}

func featuresDirFlag() cli.Flag {
	return &cli.StringFlag{Name: "features_dir", Usage: "directory of per-image feature artifacts"}
}

func eigsDirFlag() cli.Flag {
	return &cli.StringFlag{Name: "eigs_dir", Usage: "directory of per-image eigenvector artifacts"}
}

func segmentationsDirFlag() cli.Flag {
	return &cli.StringFlag{Name: "segmentations_dir", Usage: "directory of region label maps"}
}

func featuresCommand() *cli.Command {
	return &cli.Command{
		Name:  "extract_features",
		Usage: "extract per-patch backbone features",
		Flags: []cli.Flag{
			imagesListFlag(),
			imagesRootFlag(),
			modelNameFlag(),
			&cli.IntFlag{Name: "batch_size", Usage: "images per extraction batch"},
			&cli.StringFlag{Name: "output_dir", Usage: "feature output directory"},
		},
		Action: func(c *cli.Context) error {
			return runStage(c, "output_dir",
				func(env *pipeline.Env) *string { return &env.Layout.FeatureDir },
				func(env *pipeline.Env) pipeline.Stage {
					if c.IsSet("batch_size") {
						env.Log.Debug("ExtractFeatures", "batch_size has no effect, images are processed one at a time",
							map[string]interface{}{"batch_size": c.Int("batch_size")})
					}
					return pipeline.NewFeaturesStage(env)
				})
		},
	}
}

func eigsCommand() *cli.Command {
	return &cli.Command{
		Name:  "extract_eigs",
		Usage: "decompose patch affinities into eigenvectors",
		Flags: []cli.Flag{
			imagesRootFlag(),
			featuresDirFlag(),
			&cli.StringFlag{Name: "which_matrix", Usage: "affinity kind: affinity or laplacian"},
			&cli.IntFlag{Name: "K", Usage: "number of eigenpairs"},
			&cli.Float64Flag{Name: "color_lambda", Usage: "weight of the color affinity term"},
			&cli.StringFlag{Name: "output_dir", Usage: "eigenvector output directory"},
		},
		Action: func(c *cli.Context) error {
			return runStage(c, "output_dir",
				func(env *pipeline.Env) *string { return &env.Layout.EigDir },
				func(env *pipeline.Env) pipeline.Stage {
					stage := pipeline.NewEigsStage(env)
					stage.ColorLambda = c.Float64("color_lambda")
					return stage
				})
		},
	}
}

func multiRegionCommand() *cli.Command {
	return &cli.Command{
		Name:  "extract_multi_region_segmentations",
		Usage: "cluster eigenvectors into region maps",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "non_adaptive_num_segments", Usage: "fixed number of regions per image"},
			featuresDirFlag(),
			eigsDirFlag(),
			&cli.StringFlag{Name: "output_dir", Usage: "segmentation output directory"},
		},
		Action: func(c *cli.Context) error {
			return runStage(c, "output_dir",
				func(env *pipeline.Env) *string { return &env.Layout.SegmentDir },
				func(env *pipeline.Env) pipeline.Stage { return pipeline.NewMultiRegionStage(env) })
		},
	}
}

func singleRegionCommand() *cli.Command {
	return &cli.Command{
		Name:  "extract_single_region_segmentations",
		Usage: "threshold the leading eigenvector into binary masks",
		Flags: []cli.Flag{
			&cli.Float64Flag{Name: "threshold", Value: 0, Usage: "foreground threshold on the eigenvector"},
			featuresDirFlag(),
			eigsDirFlag(),
			&cli.StringFlag{Name: "output_dir", Usage: "mask output directory"},
		},
		Action: func(c *cli.Context) error {
			env, err := buildEnv(c)
			if err != nil {
				return err
			}
			if c.IsSet("output_dir") {
				env.Layout.SingleRegionDir = c.String("output_dir")
			}
			stage := pipeline.NewSingleRegionStage(env)
			stage.Threshold = c.Float64("threshold")
			return pipeline.NewRunner(env.Log, []pipeline.Stage{stage}).Run(c.Context)
		},
	}
}

func bboxCommand() *cli.Command {
	return &cli.Command{
		Name:  "extract_bboxes",
		Usage: "derive bounding boxes from region maps",
		Flags: []cli.Flag{
			featuresDirFlag(),
			segmentationsDirFlag(),
			&cli.IntFlag{Name: "num_erode", Usage: "erosion iterations per region mask"},
			&cli.IntFlag{Name: "num_dilate", Usage: "dilation iterations per region mask"},
			&cli.IntFlag{Name: "downsample_factor", Usage: "patch-to-pixel scale factor"},
			&cli.StringFlag{Name: "output_file", Usage: "box collection output file"},
		},
		Action: func(c *cli.Context) error {
			return runStage(c, "output_file",
				func(env *pipeline.Env) *string { return &env.Layout.BBoxFile },
				func(env *pipeline.Env) pipeline.Stage {
					stage := pipeline.NewBBoxStage(env)
					if c.IsSet("features_dir") {
						stage.PairedFeatureDir = env.Layout.FeatureDir
					}
					return stage
				})
		},
	}
}

func bboxFeaturesCommand() *cli.Command {
	return &cli.Command{
		Name:  "extract_bbox_features",
		Usage: "embed each bounding box crop",
		Flags: []cli.Flag{
			modelNameFlag(),
			imagesRootFlag(),
			&cli.StringFlag{Name: "bbox_file", Usage: "box collection input file"},
			&cli.StringFlag{Name: "output_file", Usage: "box feature output file"},
		},
		Action: func(c *cli.Context) error {
			return runStage(c, "output_file",
				func(env *pipeline.Env) *string { return &env.Layout.BBoxFeatureFile },
				func(env *pipeline.Env) pipeline.Stage { return pipeline.NewBBoxFeaturesStage(env) })
		},
	}
}

func clustersCommand() *cli.Command {
	return &cli.Command{
		Name:      "extract_bbox_clusters",
		Usage:     "cluster box embeddings into categories",
		ArgsUsage: "[bbox_feature_file cluster_output_file]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bbox_feature_file", Usage: "box feature input file"},
			&cli.IntFlag{Name: "num_clusters", Usage: "number of pseudo-semantic categories"},
			&cli.IntFlag{Name: "pca_dim", Usage: "PCA dimension before clustering (0 disables)"},
			&cli.StringFlag{Name: "output_file", Usage: "cluster output file"},
		},
		Action: func(c *cli.Context) error {
			args := c.Args()
			if args.Len() > 0 && args.Len() != 2 {
				return fmt.Errorf("expected <bbox_feature_file> <cluster_output_file>, got %d arguments", args.Len())
			}
			env, err := buildEnv(c)
			if err != nil {
				return err
			}
			// Positional form; named flags win where both are given.
			if args.Len() == 2 {
				if !c.IsSet("bbox_feature_file") {
					env.Layout.BBoxFeatureFile = args.Get(0)
				}
				if !c.IsSet("output_file") {
					env.Layout.ClusterFile = args.Get(1)
				}
			}
			if c.IsSet("output_file") {
				env.Layout.ClusterFile = c.String("output_file")
			}
			stage := pipeline.NewClustersStage(env)
			return pipeline.NewRunner(env.Log, []pipeline.Stage{stage}).Run(c.Context)
		},
	}
}

func semanticCommand() *cli.Command {
	return &cli.Command{
		Name:      "extract_semantic_segmentations",
		Usage:     "remap regions to semantic pseudo-labels",
		ArgsUsage: "[segment_dir cluster_file output_dir]",
		Flags: []cli.Flag{
			segmentationsDirFlag(),
			&cli.StringFlag{Name: "cluster_file", Usage: "cluster collection input file"},
			&cli.StringFlag{Name: "output_dir", Usage: "semantic map output directory"},
		},
		Action: func(c *cli.Context) error {
			args := c.Args()
			if args.Len() > 0 && args.Len() != 3 {
				return fmt.Errorf("expected <segment_dir> <cluster_file> <output_dir>, got %d arguments", args.Len())
			}
			env, err := buildEnv(c)
			if err != nil {
				return err
			}
			// Positional form; named flags win where both are given.
			if args.Len() == 3 {
				if !c.IsSet("segmentations_dir") {
					env.Layout.SegmentDir = args.Get(0)
				}
				if !c.IsSet("cluster_file") {
					env.Layout.ClusterFile = args.Get(1)
				}
				if !c.IsSet("output_dir") {
					env.Layout.SemanticDir = args.Get(2)
				}
			}
			if c.IsSet("output_dir") {
				env.Layout.SemanticDir = c.String("output_dir")
			}
			stage := pipeline.NewSemanticStage(env)
			return pipeline.NewRunner(env.Log, []pipeline.Stage{stage}).Run(c.Context)
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run the full extraction pipeline",
		Action: func(c *cli.Context) error {
			env, err := buildEnv(c)
			if err != nil {
				return err
			}
			return pipeline.NewRunner(env.Log, pipeline.DefaultStages(env)).Run(c.Context)
		},
	}
}

func trainCommand() *cli.Command {
	return &cli.Command{
		Name:      "train",
		Usage:     "train the segmentation head on the pseudo-labels",
		ArgsUsage: "[key=value overrides, e.g. lr=0.01 matching=[[0,0],[1,2]]]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "train-config",
				Usage: "load training configuration from `FILE`",
			},
		},
		Action: func(c *cli.Context) error {
			log, err := buildLogger(c)
			if err != nil {
				return err
			}
			cfg, err := train.LoadConfig(c.String("train-config"), c.Args().Slice())
			if err != nil {
				return err
			}
			trainer, err := train.NewTrainer(cfg, log)
			if err != nil {
				return err
			}
			return trainer.Run(c.Context)
		},
	}
}

func visCommand() *cli.Command {
	return &cli.Command{
		Name:  "vis",
		Usage: "render segmentation overlays, or browse them with --gui",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "kind",
				Value: "semantic",
				Usage: "which maps to show: multi, single or semantic",
			},
			&cli.Float64Flag{
				Name:  "alpha",
				Value: 0.5,
				Usage: "overlay opacity",
			},
			&cli.BoolFlag{
				Name:  "boxes",
				Usage: "outline the clustered bounding boxes",
			},
			&cli.BoolFlag{
				Name:  "gui",
				Usage: "open the interactive viewer instead of writing files",
			},
			&cli.StringFlag{
				Name:  "out",
				Value: "./overlays",
				Usage: "output directory for rendered overlays",
			},
		},
		Action: func(c *cli.Context) error {
			env, err := buildEnv(c)
			if err != nil {
				return err
			}

			cfg := vis.ViewerConfig{
				ImagesRoot: env.Layout.ImagesRoot,
				Alpha:      c.Float64("alpha"),
				NumLabels:  env.Primary.Clusters,
			}
			switch c.String("kind") {
			case "multi":
				cfg.SegmentDir = env.Layout.SegmentDir
				cfg.NumLabels = env.Primary.Segments
			case "single":
				cfg.SegmentDir = env.Layout.SingleRegionDir
				cfg.NumLabels = 2
			case "semantic":
				cfg.SegmentDir = env.Layout.SemanticDir
			default:
				return fmt.Errorf("unknown segmentation kind %q", c.String("kind"))
			}
			if c.Bool("boxes") {
				cfg.ClusterFile = env.Layout.ClusterFile
			}

			if c.Bool("gui") {
				viewer, err := vis.NewViewer(cfg, env.List)
				if err != nil {
					return err
				}
				return viewer.Show()
			}
			return vis.Render(cfg, env.List, c.String("out"))
		},
	}
}
