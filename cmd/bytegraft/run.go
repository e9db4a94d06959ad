package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/bytegraft/bytegraft/internal/generate"
	"github.com/bytegraft/bytegraft/internal/graft"
)

func runCmd() *cli.Command {
	var (
		prompt      string
		maxNewBytes int64
		temp        float64
		topK        int64
		useCache    bool
		echoPrompt  bool
		showPatches bool
	)

	flags := append(commonModelFlags(), loggingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text (interactive mode when empty)",
			Destination: &prompt,
		},
		&cli.Int64Flag{
			Name:        "max-new-bytes",
			Aliases:     []string{"n"},
			Usage:       "maximum number of bytes to generate",
			Value:       256,
			Destination: &maxNewBytes,
		},
		&cli.Float64Flag{
			Name:        "temp",
			Aliases:     []string{"temperature", "t"},
			Usage:       "sampling temperature (0 = greedy)",
			Value:       0.8,
			Destination: &temp,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Aliases:     []string{"top_k", "topk"},
			Usage:       "top-k sampling parameter",
			Value:       40,
			Destination: &topK,
		},
		&cli.BoolFlag{
			Name:        "kv-cache",
			Aliases:     []string{"cache"},
			Usage:       "reuse decoder self-attention state between steps",
			Destination: &useCache,
		},
		&cli.BoolFlag{
			Name:        "echo-prompt",
			Usage:       "print prompt text before generation",
			Destination: &echoPrompt,
		},
		&cli.BoolFlag{
			Name:        "show-patches",
			Usage:       "print the prompt's patch boundaries",
			Destination: &showPatches,
		},
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate bytes from a prompt",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			fileCfg := LoadConfig()
			applyCommonConfig(c, fileCfg)
			applyRunConfig(c, fileCfg, &temp, &topK, &maxNewBytes)

			log := buildLogger()
			g, err := buildGraft(c, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			gen := generate.New(g, log)

			params := generate.Params{
				MaxNewBytes: int(maxNewBytes),
				Temperature: float32(temp),
				TopK:        int(topK),
				Seed:        seed,
				UseCache:    useCache,
			}

			runOne := func(input string) error {
				if showPatches {
					printPatches(g, input)
				}
				if echoPrompt {
					fmt.Print(input)
				}
				res, err := gen.Run(ctx, input, params, func(b []byte) error {
					_, werr := os.Stdout.Write(b)
					return werr
				})
				if err != nil {
					return err
				}
				fmt.Println()
				fmt.Fprintf(os.Stderr, "Stats: %.2f B/s (%d bytes in %s, stop=%s)\n",
					res.Stats.BytesPerSec, res.Stats.NewBytes, res.Stats.Duration, res.StopReason)
				return nil
			}

			if prompt != "" {
				if err := runOne(prompt); err != nil {
					return cli.Exit(fmt.Sprintf("error: generation: %v", err), 1)
				}
				return nil
			}

			fmt.Fprintln(os.Stderr, "Interactive mode. Type /exit to quit.")
			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					break
				}
				input := strings.TrimSpace(scanner.Text())
				if input == "/exit" {
					break
				}
				if input == "" {
					continue
				}
				if err := runOne(input); err != nil {
					fmt.Fprintln(os.Stderr, "error: generation:", err)
					break
				}
			}
			return nil
		},
	}
}

func printPatches(g *graft.Graft, input string) {
	ids, err := g.Tok.EncodePrompt(input)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: encode prompt:", err)
		return
	}
	bounds, err := g.Patcher.Boundaries(ids)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: patch boundaries:", err)
		return
	}
	fmt.Fprintf(os.Stderr, "Patches (%d over %d bytes): %v\n", len(bounds)-1, len(ids), bounds)
}
