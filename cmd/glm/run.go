package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-glm/internal/arrow_client"
	"github.com/23skdu/longbow-glm/internal/config"
	"github.com/23skdu/longbow-glm/internal/cpu"
	"github.com/23skdu/longbow-glm/internal/engine"
	"github.com/23skdu/longbow-glm/internal/logger"
	"github.com/23skdu/longbow-glm/internal/monitoring"
)

const defaultInputText = "Born in north-east France, Soyer trained as a"

func runCmd() *cli.Command {
	o := runOptions{}
	return &cli.Command{
		Name:  "run",
		Usage: "Generate text with a built engine",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "engine-dir", Usage: "engine artifact directory", Destination: &o.engineDir},
			&cli.StringFlag{Name: "tokenizer-dir", Usage: "directory holding tokenizer.model", Destination: &o.tokenizerDir},
			&cli.StringFlag{Name: "input-text", Value: defaultInputText, Usage: "prompt text", Destination: &o.inputText},
			&cli.StringFlag{Name: "input-ids", Usage: "comma separated prompt token ids, bypasses the tokenizer", Destination: &o.inputIDs},
			&cli.IntFlag{Name: "max-output-len", Usage: "maximum number of new tokens (required)", Destination: &o.maxOutputLen},
			&cli.IntFlag{Name: "max-kv-cache-len", Usage: "per-sequence kv cache length; smaller than the final length enables the cyclic cache (bounded engines only)", Destination: &o.maxKVCacheLen},
			&cli.IntFlag{Name: "beam-width", Value: 1, Destination: &o.beamWidth},
			&cli.Float64Flag{Name: "temperature", Usage: "0 is greedy", Destination: &o.temperature},
			&cli.IntFlag{Name: "top-k", Destination: &o.topK},
			&cli.Float64Flag{Name: "top-p", Destination: &o.topP},
			&cli.Int64Flag{Name: "seed", Destination: &o.seed},
			&cli.IntFlag{Name: "world-size", Value: 1, Usage: "tensor-parallel workers of this runtime", Destination: &o.worldSize},
			&cli.StringFlag{Name: "log-level", Value: "info", Destination: &o.logLevel},
			&cli.StringFlag{Name: "log-format", Value: "console", Usage: "console or json", Destination: &o.logFormat},
			&cli.StringFlag{Name: "metrics-addr", Usage: "serve /metrics, /healthz and /status on this address", Destination: &o.metricsAddr},
			&cli.StringFlag{Name: "flight-addr", Usage: "publish results to this Arrow Flight host:port", Destination: &o.flightAddr},
			&cli.StringFlag{Name: "config", Value: config.FilePath(), Usage: "config file"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.LoadFile(c.String("config"))
			if err != nil {
				return err
			}
			applyRunConfig(c, cfg, &o)
			logger.Setup(o.logLevel, o.logFormat)
			return runGenerate(ctx, &o, os.Stdout)
		},
	}
}

func runGenerate(ctx context.Context, o *runOptions, out io.Writer) error {
	log := logger.Log.With("cli")
	if o.engineDir == "" {
		return errors.New("--engine-dir is required")
	}
	if o.maxOutputLen <= 0 {
		return errors.New("--max-output-len is required")
	}
	monitor := monitoring.NewHealthMonitor()
	if o.metricsAddr != "" {
		if _, err := monitor.Start(o.metricsAddr); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = monitor.Stop(shutdownCtx)
		}()
	}

	var tok *tokenizer
	if o.tokenizerDir != "" {
		t, err := loadTokenizer(o.tokenizerDir)
		if err != nil {
			return err
		}
		tok = t
	}
	var prompt []int32
	switch {
	case o.inputIDs != "":
		ids, err := parseIDs(o.inputIDs)
		if err != nil {
			return err
		}
		prompt = ids
	case tok != nil:
		prompt = tok.encode(o.inputText)
	default:
		return errors.New("either --tokenizer-dir or --input-ids is required")
	}

	artifact, err := engine.LoadArtifact(ctx, o.engineDir, cpu.New(), o.worldSize)
	if err != nil {
		return err
	}
	spec := artifact.Model.Spec
	monitor.MarkLoaded(spec.ModelID.String(), o.engineDir, spec.NumLayers, o.worldSize)

	opts := engine.SessionOptions{MaxKVCacheLen: o.maxKVCacheLen}
	if o.flightAddr != "" {
		client, err := dialFlight(ctx, o.flightAddr)
		if err != nil {
			return err
		}
		defer client.Close()
		opts.Publisher = arrow_client.NewPublisher(client, arrow_client.DefaultPath)
	}
	session, err := engine.NewSession(artifact, opts)
	if err != nil {
		return err
	}

	sampling := engine.DefaultSamplingConfig()
	sampling.BeamWidth = o.beamWidth
	sampling.Temperature = o.temperature
	sampling.TopK = o.topK
	sampling.TopP = o.topP
	sampling.Seed = o.seed
	sampling.MaxNewTokens = o.maxOutputLen
	sampling.AllowCyclicOverwrite = o.maxKVCacheLen > 0 && o.maxKVCacheLen < len(prompt)+o.maxOutputLen

	start := time.Now()
	results, err := session.Generator.Generate(ctx, [][]int32{prompt}, sampling)
	if err == nil && results[0].Err != nil {
		err = results[0].Err
	}
	monitor.RecordGeneration(err)
	if err != nil {
		return err
	}
	res := results[0]
	log.Info("Generation complete",
		"request_id", res.RequestID,
		"reason", res.Reason.String(),
		"tokens", len(res.Best().Tokens),
		"elapsed", time.Since(start).String(),
		"wrapped", res.Wrapped)

	printResult(out, tok, o.inputText, res, sampling.EndID)
	return nil
}

func printResult(w io.Writer, tok *tokenizer, inputText string, res *engine.Result, endID int32) {
	if tok != nil {
		fmt.Fprintf(w, "Input: %q\n", inputText)
	} else {
		fmt.Fprintf(w, "Input Ids: %v\n", res.Prompt)
	}
	best := stripEnd(res.Best().Tokens, endID)
	fmt.Fprintf(w, "Output Ids: %v\n", best)
	if tok != nil {
		fmt.Fprintf(w, "Output: %q\n", tok.decode(best))
	}
	if len(res.Hypotheses) <= 1 {
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"BEAM", "SCORE", "LOG PROB", "FINISHED", "OUTPUT"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for i, h := range res.Hypotheses {
		ids := stripEnd(h.Tokens, endID)
		text := fmt.Sprint(ids)
		if tok != nil {
			text = tok.decode(ids)
		}
		table.Append([]string{
			strconv.Itoa(i),
			strconv.FormatFloat(h.Score, 'f', 4, 64),
			strconv.FormatFloat(h.LogProb, 'f', 4, 64),
			strconv.FormatBool(h.Finished),
			text,
		})
	}
	table.Render()
}

func dialFlight(ctx context.Context, addr string) (*arrow_client.FlightClient, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid --flight-addr: %w", err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return nil, fmt.Errorf("invalid --flight-addr port: %w", err)
	}
	client := arrow_client.NewFlightClient(host, port)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}
