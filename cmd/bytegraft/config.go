package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the bytegraft configuration file
// (~/.config/bytegraft/config.yaml). Pointer fields distinguish
// "not set" from zero values.
type Config struct {
	ModelConfig string `yaml:"model_config"`
	Checkpoint  string `yaml:"checkpoint"`

	// Sampling defaults
	Temperature *float64 `yaml:"temperature"`
	TopK        *int64   `yaml:"top_k"`
	MaxNewBytes *int64   `yaml:"max_new_bytes"`
	Seed        *int64   `yaml:"seed"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress  string   `yaml:"server_address"`
	RequestsPerSec *float64 `yaml:"requests_per_sec"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "bytegraft", "config.yaml")
}

// applyCommonConfig applies model and logging defaults shared by the
// run and serve commands when the matching flag was not set.
func applyCommonConfig(c *cli.Command, cfg Config) {
	if cfg.ModelConfig != "" && !c.IsSet("model-config") {
		modelConfigPath = cfg.ModelConfig
	}
	if cfg.Checkpoint != "" && !c.IsSet("checkpoint") {
		checkpointPath = cfg.Checkpoint
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyRunConfig applies sampling defaults to run command variables.
func applyRunConfig(c *cli.Command, cfg Config, temp *float64, topK, maxNewBytes *int64) {
	if cfg.Temperature != nil && !c.IsSet("temp") && !c.IsSet("temperature") && !c.IsSet("t") {
		*temp = *cfg.Temperature
	}
	if cfg.TopK != nil && !c.IsSet("top-k") && !c.IsSet("top_k") && !c.IsSet("topk") {
		*topK = *cfg.TopK
	}
	if cfg.MaxNewBytes != nil && !c.IsSet("max-new-bytes") && !c.IsSet("n") {
		*maxNewBytes = *cfg.MaxNewBytes
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, rps *float64) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.RequestsPerSec != nil && !c.IsSet("rps") {
		*rps = *cfg.RequestsPerSec
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist or fails to parse.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
