package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileConfig is the CLI config file (~/.config/longbow-glm/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type FileConfig struct {
	EngineDir    string `yaml:"engine_dir"`
	TokenizerDir string `yaml:"tokenizer_dir"`

	MaxOutputLen  *int     `yaml:"max_output_len"`
	MaxKVCacheLen *int     `yaml:"max_kv_cache_len"`
	BeamWidth     *int     `yaml:"beam_width"`
	Temperature   *float64 `yaml:"temperature"`
	TopK          *int     `yaml:"top_k"`
	TopP          *float64 `yaml:"top_p"`
	Seed          *int64   `yaml:"seed"`
	WorldSize     *int     `yaml:"world_size"`

	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
	FlightAddr  string `yaml:"flight_addr"`
}

// FilePath is the default config file location, or "" when the user config
// dir is unknown.
func FilePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "longbow-glm", "config.yaml")
}

// LoadFile reads the config file at path. A missing file yields a zero
// config; a malformed one is an error.
func LoadFile(path string) (FileConfig, error) {
	var cfg FileConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
