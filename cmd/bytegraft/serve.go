package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/bytegraft/bytegraft/internal/api"
	"github.com/bytegraft/bytegraft/internal/generate"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		rps         float64
		burst       int64
		modelName   string
		maxNewBytes int64
		temp        float64
		topK        int64
	)

	flags := append(commonModelFlags(), loggingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
		&cli.Float64Flag{
			Name:        "rps",
			Usage:       "request rate limit per second (0 = unlimited)",
			Destination: &rps,
		},
		&cli.Int64Flag{
			Name:        "burst",
			Usage:       "rate limit burst size",
			Value:       4,
			Destination: &burst,
		},
		&cli.StringFlag{
			Name:        "name",
			Usage:       "model name reported by the API",
			Value:       "bytegraft",
			Destination: &modelName,
		},
		&cli.Int64Flag{
			Name:        "max-new-bytes",
			Aliases:     []string{"n"},
			Usage:       "default byte budget per request",
			Value:       256,
			Destination: &maxNewBytes,
		},
		&cli.Float64Flag{
			Name:        "temp",
			Aliases:     []string{"temperature", "t"},
			Usage:       "default sampling temperature",
			Value:       0.8,
			Destination: &temp,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Aliases:     []string{"top_k", "topk"},
			Usage:       "default top-k sampling parameter",
			Value:       40,
			Destination: &topK,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the REST API",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			fileCfg := LoadConfig()
			applyCommonConfig(c, fileCfg)
			applyServeConfig(c, fileCfg, &addr, &rps)

			log := buildLogger()
			g, err := buildGraft(c, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			defaults := generate.Params{
				MaxNewBytes: int(maxNewBytes),
				Temperature: float32(temp),
				TopK:        int(topK),
				Seed:        seed,
			}
			server := api.NewServer(g, modelName, defaults, log, rps, int(burst))

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			log.Info("starting server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
