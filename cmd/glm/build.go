package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-glm/internal/config"
	"github.com/23skdu/longbow-glm/internal/cpu"
	"github.com/23skdu/longbow-glm/internal/engine"
	"github.com/23skdu/longbow-glm/internal/graph"
	"github.com/23skdu/longbow-glm/internal/logger"
	"github.com/23skdu/longbow-glm/internal/model"
)

func buildCmd() *cli.Command {
	var (
		modelName string
		outputDir string
		full      bool
		seed      int64
		logLevel  string
	)
	limits := config.DefaultBuildLimits()

	return &cli.Command{
		Name:  "build",
		Usage: "Build a random-weight engine artifact for a model family",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model", Usage: "model id, e.g. chatglm2_6b", Required: true, Destination: &modelName},
			&cli.StringFlag{Name: "output-dir", Required: true, Destination: &outputDir},
			&cli.BoolFlag{Name: "full", Usage: "use the published dimensions instead of a tiny model", Destination: &full},
			&cli.Int64Flag{Name: "seed", Value: 1, Usage: "weight initialisation seed", Destination: &seed},

			&cli.IntFlag{Name: "hidden-size"},
			&cli.IntFlag{Name: "num-layers"},
			&cli.IntFlag{Name: "num-heads"},
			&cli.IntFlag{Name: "num-kv-heads"},
			&cli.IntFlag{Name: "ffn-hidden-size"},
			&cli.IntFlag{Name: "vocab-size"},
			&cli.IntFlag{Name: "max-position-embeddings"},
			&cli.IntFlag{Name: "tokens-per-block"},
			&cli.IntFlag{Name: "world-size", Usage: "tensor parallel degree", Value: 1},
			&cli.StringFlag{Name: "dtype", Usage: "float16 or float32"},

			&cli.IntFlag{Name: "max-batch-size", Value: limits.MaxBatchSize, Destination: &limits.MaxBatchSize},
			&cli.IntFlag{Name: "max-beam-width", Value: limits.MaxBeamWidth, Destination: &limits.MaxBeamWidth},
			&cli.IntFlag{Name: "max-input-len", Value: limits.MaxInputLen, Destination: &limits.MaxInputLen},
			&cli.IntFlag{Name: "max-output-len", Value: limits.MaxNewTokens, Destination: &limits.MaxNewTokens},
			&cli.BoolFlag{Name: "paged-kv-cache", Destination: &limits.PagedKVCache},
			&cli.BoolFlag{Name: "remove-input-padding", Destination: &limits.RemoveInputPadding},
			&cli.StringFlag{Name: "log-level", Value: "info", Destination: &logLevel},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			logger.Setup(logLevel, "console")
			id, err := config.ParseModelID(modelName)
			if err != nil {
				return err
			}
			spec, err := config.TinySpec(id)
			if full {
				spec, err = config.DefaultSpec(id)
			}
			if err != nil {
				return err
			}
			overrideSpec(c, &spec)
			if err := spec.Validate(); err != nil {
				return err
			}

			w := model.NewRandomWeights(&spec, seed)
			m, err := model.New(graph.NewBuilder(cpu.New()), spec, limits, w)
			if err != nil {
				return err
			}
			if err := engine.SaveArtifact(ctx, outputDir, m); err != nil {
				return err
			}
			fmt.Printf("Built %s into %s\n", spec, outputDir)
			return nil
		},
	}
}

func overrideSpec(c *cli.Command, s *config.ModelSpec) {
	ints := []struct {
		flag string
		dst  *int
	}{
		{"hidden-size", &s.HiddenSize},
		{"num-layers", &s.NumLayers},
		{"num-heads", &s.NumAttentionHeads},
		{"num-kv-heads", &s.NumKVHeads},
		{"ffn-hidden-size", &s.FFNHiddenSize},
		{"vocab-size", &s.VocabSize},
		{"max-position-embeddings", &s.MaxPositionEmbeddings},
		{"tokens-per-block", &s.TokensPerBlock},
		{"world-size", &s.TensorParallel},
	}
	for _, f := range ints {
		if c.IsSet(f.flag) || f.flag == "world-size" {
			*f.dst = int(c.Int(f.flag))
		}
	}
	if c.IsSet("max-position-embeddings") {
		s.MaxSequenceLength = s.MaxPositionEmbeddings
	}
	if c.IsSet("dtype") {
		s.Precision = config.Precision(c.String("dtype"))
	}
}
