package main

import (
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-glm/internal/config"
)

// runOptions are the resolved settings of the run command.
type runOptions struct {
	engineDir    string
	tokenizerDir string
	inputText    string
	inputIDs     string

	maxOutputLen  int
	maxKVCacheLen int
	beamWidth     int
	temperature   float64
	topK          int
	topP          float64
	seed          int64
	worldSize     int

	logLevel    string
	logFormat   string
	metricsAddr string
	flightAddr  string
}

// applyRunConfig fills options from the config file when the matching flag
// was not set on the command line.
func applyRunConfig(c *cli.Command, cfg config.FileConfig, o *runOptions) {
	if cfg.EngineDir != "" && !c.IsSet("engine-dir") {
		o.engineDir = cfg.EngineDir
	}
	if cfg.TokenizerDir != "" && !c.IsSet("tokenizer-dir") {
		o.tokenizerDir = cfg.TokenizerDir
	}
	if cfg.MaxOutputLen != nil && !c.IsSet("max-output-len") {
		o.maxOutputLen = *cfg.MaxOutputLen
	}
	if cfg.MaxKVCacheLen != nil && !c.IsSet("max-kv-cache-len") {
		o.maxKVCacheLen = *cfg.MaxKVCacheLen
	}
	if cfg.BeamWidth != nil && !c.IsSet("beam-width") {
		o.beamWidth = *cfg.BeamWidth
	}
	if cfg.Temperature != nil && !c.IsSet("temperature") {
		o.temperature = *cfg.Temperature
	}
	if cfg.TopK != nil && !c.IsSet("top-k") {
		o.topK = *cfg.TopK
	}
	if cfg.TopP != nil && !c.IsSet("top-p") {
		o.topP = *cfg.TopP
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		o.seed = *cfg.Seed
	}
	if cfg.WorldSize != nil && !c.IsSet("world-size") {
		o.worldSize = *cfg.WorldSize
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		o.logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		o.logFormat = cfg.LogFormat
	}
	if cfg.MetricsAddr != "" && !c.IsSet("metrics-addr") {
		o.metricsAddr = cfg.MetricsAddr
	}
	if cfg.FlightAddr != "" && !c.IsSet("flight-addr") {
		o.flightAddr = cfg.FlightAddr
	}
}
