package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/bytegraft/bytegraft/internal/graft"
	"github.com/bytegraft/bytegraft/internal/logger"
	"github.com/bytegraft/bytegraft/internal/patch"
	"github.com/bytegraft/bytegraft/internal/safetensors"
)

// graftConfig resolves the pipeline config: built-in defaults, then the
// model config file, then explicit flag overrides.
func graftConfig(c *cli.Command) (graft.Config, error) {
	cfg := graft.DefaultConfig()
	if modelConfigPath != "" {
		mc, err := loadModelConfig(modelConfigPath)
		if err != nil {
			return cfg, fmt.Errorf("model config: %w", err)
		}
		mc.apply(&cfg)
	}
	if c.IsSet("threshold") {
		cfg.Patch.Threshold = threshold
	}
	if c.IsSet("min-patch") {
		cfg.Patch.MinSize = int(minPatch)
	}
	if c.IsSet("patch-size") || c.IsSet("max-patch") {
		cfg.Patch.MaxSize = int(maxPatch)
	}
	if c.IsSet("cross-attn") {
		cfg.Decoder.CrossAttnLayers = int(crossAttn)
	}
	if c.IsSet("hash-ngrams") {
		ngrams, err := parseNGrams(hashNGrams)
		if err != nil {
			return cfg, err
		}
		cfg.Encoder.HashNGrams = ngrams
		if cfg.Encoder.HashBuckets < 1 {
			cfg.Encoder.HashBuckets = 4096
		}
	}
	if c.IsSet("pooling") || c.IsSet("pool") {
		cfg.Pooling = patch.Pooling(pooling)
	}
	if c.IsSet("scorer") {
		cfg.Scorer = scorer
	}
	if c.IsSet("seed") || cfg.Seed == 0 {
		cfg.Seed = seed
	}
	return cfg, nil
}

// buildGraft constructs the model and, when a checkpoint was given,
// loads its weights non-strictly.
func buildGraft(c *cli.Command, log logger.Logger) (*graft.Graft, error) {
	cfg, err := graftConfig(c)
	if err != nil {
		return nil, err
	}
	g, err := graft.New(cfg)
	if err != nil {
		return nil, err
	}
	if checkpointPath != "" {
		f, err := safetensors.Open(checkpointPath)
		if err != nil {
			return nil, fmt.Errorf("open checkpoint: %w", err)
		}
		defer func() { _ = f.Close() }()
		rep, err := g.Load(f, log, c.StringSlice("exclude")...)
		if err != nil {
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
		if strictLoad && len(rep.Missing) > 0 {
			return nil, fmt.Errorf("strict load: checkpoint is missing %d tensors, first %s",
				len(rep.Missing), rep.Missing[0])
		}
		log.Info("checkpoint loaded",
			"path", checkpointPath,
			"loaded", len(rep.Loaded),
			"missing", len(rep.Missing),
			"skipped", len(rep.Skipped))
	}
	return g, nil
}

// parseNGrams reads a comma-separated list of n-gram orders.
func parseNGrams(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	ngrams := make([]int, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid n-gram order %q", part)
		}
		ngrams = append(ngrams, n)
	}
	return ngrams, nil
}
