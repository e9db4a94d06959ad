package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/bytegraft/bytegraft/internal/graft"
	"github.com/bytegraft/bytegraft/internal/model"
	"github.com/bytegraft/bytegraft/internal/safetensors"
	"github.com/bytegraft/bytegraft/internal/tensor"
)

func inspectCmd() *cli.Command {
	var (
		showPlan     bool
		tensorFilter string
		tensorLimit  int64
	)

	flags := append(commonModelFlags(),
		&cli.BoolFlag{
			Name:        "plan",
			Usage:       "show how tensors map onto the current model config",
			Destination: &showPlan,
		},
		&cli.StringFlag{
			Name:        "filter",
			Usage:       "substring filter for tensor listing",
			Destination: &tensorFilter,
		},
		&cli.Int64Flag{
			Name:        "limit",
			Usage:       "limit tensor listing (0 = no limit)",
			Value:       50,
			Destination: &tensorLimit,
		},
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect a .safetensors checkpoint",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx

			if checkpointPath == "" {
				return cli.Exit("error: --checkpoint is required", 1)
			}

			f, err := safetensors.Open(checkpointPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open checkpoint: %v", err), 1)
			}
			defer func() { _ = f.Close() }()

			names := f.Names()
			matched := names
			if tensorFilter != "" {
				matched = matched[:0:0]
				for _, name := range names {
					if strings.Contains(name, tensorFilter) {
						matched = append(matched, name)
					}
				}
			}

			fmt.Printf("%s: %d tensors\n", checkpointPath, len(names))
			for i, name := range matched {
				if tensorLimit > 0 && int64(i) >= tensorLimit {
					fmt.Printf("... (%d more)\n", len(matched)-i)
					break
				}
				info, _ := f.Tensor(name)
				n, _ := info.NumElements()
				fmt.Printf("%-56s %-5s %-16s %d\n", name, info.DType, formatShape(info.Shape), n)
			}

			if !showPlan {
				return nil
			}

			cfg, err := graftConfig(c)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			g, err := graft.New(cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build model: %v", err), 1)
			}
			printLoadPlan(f, g)
			return nil
		},
	}
}

// printLoadPlan classifies checkpoint tensors against the model's
// parameter sets: inherited decoder weights, new graft weights, the
// denied pretrained embedding and head, and everything else.
func printLoadPlan(f *safetensors.File, g *graft.Graft) {
	have := make(map[string]bool)
	for _, name := range f.Names() {
		have[name] = true
	}

	referenced := make(map[string]bool)
	report := func(label string, params []tensor.Param) []string {
		var missing []string
		present := 0
		for _, p := range params {
			referenced[p.Name] = true
			if have[p.Name] {
				present++
			} else {
				missing = append(missing, p.Name)
			}
		}
		fmt.Printf("%-10s %d present, %d missing\n", label, present, len(missing))
		return missing
	}

	fmt.Println("\nLoad plan:")
	missingInherited := report("inherited", g.InheritedParams())
	report("new", g.NewParams())

	denied := 0
	for _, name := range model.DeniedTensors() {
		referenced[name] = true
		if have[name] {
			denied++
		}
	}
	fmt.Printf("%-10s %d ignored (embedding and head stay byte-native)\n", "denied", denied)

	unreferenced := 0
	for _, name := range f.Names() {
		if !referenced[name] {
			unreferenced++
		}
	}
	fmt.Printf("%-10s %d\n", "unused", unreferenced)

	for _, name := range missingInherited {
		fmt.Printf("missing inherited: %s\n", name)
	}
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
