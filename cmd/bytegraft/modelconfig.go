package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bytegraft/bytegraft/internal/graft"
	"github.com/bytegraft/bytegraft/internal/patch"
)

// modelConfig is the YAML shape of a model config file. Every field is
// optional; unset fields keep the built-in defaults.
type modelConfig struct {
	Encoder struct {
		HiddenSize  *int  `yaml:"hidden_size"`
		NumLayers   *int  `yaml:"num_layers"`
		NumHeads    *int  `yaml:"num_heads"`
		WindowSize  *int  `yaml:"window_size"`
		FFNSize     *int  `yaml:"ffn_size"`
		MaxSeqLen   *int  `yaml:"max_seq_len"`
		HashNGrams  []int `yaml:"hash_ngrams"`
		HashBuckets *int  `yaml:"hash_buckets"`
	} `yaml:"encoder"`

	Decoder struct {
		HiddenSize      *int `yaml:"hidden_size"`
		NumLayers       *int `yaml:"num_layers"`
		NumHeads        *int `yaml:"num_heads"`
		NumKVHeads      *int `yaml:"num_kv_heads"`
		FFNSize         *int `yaml:"ffn_size"`
		MaxSeqLen       *int `yaml:"max_seq_len"`
		CrossAttnLayers *int `yaml:"cross_attn_layers"`
		PatchDim        *int `yaml:"patch_dim"`
	} `yaml:"decoder"`

	Patch struct {
		MinSize   *int     `yaml:"min_size"`
		MaxSize   *int     `yaml:"max_size"`
		Threshold *float64 `yaml:"threshold"`
		Adaptive  *struct {
			Min      float64 `yaml:"min"`
			Max      float64 `yaml:"max"`
			StepUp   float64 `yaml:"step_up"`
			StepDown float64 `yaml:"step_down"`
		} `yaml:"adaptive"`
	} `yaml:"patch"`

	Pooling       string `yaml:"pooling"`
	Scorer        string `yaml:"scorer"`
	EntropyWindow *int   `yaml:"entropy_window"`
	Seed          *int64 `yaml:"seed"`
}

func loadModelConfig(path string) (modelConfig, error) {
	var mc modelConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return mc, err
	}
	if err := yaml.Unmarshal(data, &mc); err != nil {
		return mc, fmt.Errorf("parse %s: %w", path, err)
	}
	return mc, nil
}

// apply overlays the file values onto cfg, leaving unset fields alone.
func (mc modelConfig) apply(cfg *graft.Config) {
	setInt(&cfg.Encoder.HiddenSize, mc.Encoder.HiddenSize)
	setInt(&cfg.Encoder.NumLayers, mc.Encoder.NumLayers)
	setInt(&cfg.Encoder.NumHeads, mc.Encoder.NumHeads)
	setInt(&cfg.Encoder.WindowSize, mc.Encoder.WindowSize)
	setInt(&cfg.Encoder.FFNSize, mc.Encoder.FFNSize)
	setInt(&cfg.Encoder.MaxSeqLen, mc.Encoder.MaxSeqLen)
	if len(mc.Encoder.HashNGrams) > 0 {
		cfg.Encoder.HashNGrams = mc.Encoder.HashNGrams
	}
	setInt(&cfg.Encoder.HashBuckets, mc.Encoder.HashBuckets)

	setInt(&cfg.Decoder.HiddenSize, mc.Decoder.HiddenSize)
	setInt(&cfg.Decoder.NumLayers, mc.Decoder.NumLayers)
	setInt(&cfg.Decoder.NumHeads, mc.Decoder.NumHeads)
	setInt(&cfg.Decoder.NumKVHeads, mc.Decoder.NumKVHeads)
	setInt(&cfg.Decoder.FFNSize, mc.Decoder.FFNSize)
	setInt(&cfg.Decoder.MaxSeqLen, mc.Decoder.MaxSeqLen)
	setInt(&cfg.Decoder.CrossAttnLayers, mc.Decoder.CrossAttnLayers)
	setInt(&cfg.Decoder.PatchDim, mc.Decoder.PatchDim)

	setInt(&cfg.Patch.MinSize, mc.Patch.MinSize)
	setInt(&cfg.Patch.MaxSize, mc.Patch.MaxSize)
	if mc.Patch.Threshold != nil {
		cfg.Patch.Threshold = *mc.Patch.Threshold
	}
	if mc.Patch.Adaptive != nil {
		cfg.Patch.Adaptive = &patch.Adaptive{
			Min:      mc.Patch.Adaptive.Min,
			Max:      mc.Patch.Adaptive.Max,
			StepUp:   mc.Patch.Adaptive.StepUp,
			StepDown: mc.Patch.Adaptive.StepDown,
		}
	}

	if mc.Pooling != "" {
		cfg.Pooling = patch.Pooling(mc.Pooling)
	}
	if mc.Scorer != "" {
		cfg.Scorer = mc.Scorer
	}
	setInt(&cfg.EntropyWindow, mc.EntropyWindow)
	if mc.Seed != nil {
		cfg.Seed = *mc.Seed
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
