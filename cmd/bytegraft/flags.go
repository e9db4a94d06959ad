package main

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/bytegraft/bytegraft/internal/logger"
)

var (
	modelConfigPath string
	checkpointPath  string
	threshold       float64
	minPatch        int64
	maxPatch        int64
	crossAttn       int64
	hashNGrams      string
	pooling         string
	scorer          string
	seed            int64
	strictLoad      bool
	logLevel        string
	logFormat       string
	debug           bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model-config",
			Aliases:     []string{"mc"},
			Usage:       "path to model config YAML",
			Destination: &modelConfigPath,
		},
		&cli.StringFlag{
			Name:        "checkpoint",
			Aliases:     []string{"ckpt"},
			Usage:       "path to .safetensors checkpoint",
			Destination: &checkpointPath,
		},
		&cli.Float64Flag{
			Name:        "threshold",
			Usage:       "patch boundary entropy threshold in bits",
			Value:       3.0,
			Destination: &threshold,
		},
		&cli.Int64Flag{
			Name:        "min-patch",
			Usage:       "minimum patch size in bytes",
			Value:       1,
			Destination: &minPatch,
		},
		&cli.Int64Flag{
			Name:        "patch-size",
			Aliases:     []string{"max-patch"},
			Usage:       "maximum patch size in bytes",
			Value:       4,
			Destination: &maxPatch,
		},
		&cli.Int64Flag{
			Name:        "cross-attn",
			Usage:       "number of trailing decoder layers with cross-attention",
			Value:       2,
			Destination: &crossAttn,
		},
		&cli.StringFlag{
			Name:        "hash-ngrams",
			Usage:       "comma-separated n-gram orders for hash embeddings (empty = off)",
			Destination: &hashNGrams,
		},
		&cli.StringFlag{
			Name:        "pooling",
			Aliases:     []string{"pool"},
			Usage:       "patch pooling (mean, last, max)",
			Value:       "mean",
			Destination: &pooling,
		},
		&cli.StringFlag{
			Name:        "scorer",
			Usage:       "boundary scorer (window, predictor)",
			Value:       "window",
			Destination: &scorer,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "RNG seed for weight init and sampling",
			Value:       42,
			Destination: &seed,
		},
		&cli.BoolFlag{
			Name:        "strict-load",
			Usage:       "fail when the checkpoint is missing wanted tensors",
			Destination: &strictLoad,
		},
		&cli.StringSliceFlag{
			Name:  "exclude",
			Usage: "tensor name to keep at fresh initialization (repeatable)",
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func buildLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	if logFormat == "json" {
		return logger.JSON(os.Stderr, level)
	}
	return logger.Pretty(os.Stderr, level)
}
