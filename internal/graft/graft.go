// Package graft wires the byte front end onto the global decoder:
// tokenizer, local encoder, entropy patcher, patch aggregator, and the
// cross-attention-augmented decoder, in that order.
package graft

import (
	"errors"
	"fmt"

	"github.com/bytegraft/bytegraft/internal/bytetok"
	"github.com/bytegraft/bytegraft/internal/encoder"
	"github.com/bytegraft/bytegraft/internal/logger"
	"github.com/bytegraft/bytegraft/internal/model"
	"github.com/bytegraft/bytegraft/internal/patch"
	"github.com/bytegraft/bytegraft/internal/safetensors"
	"github.com/bytegraft/bytegraft/internal/tensor"
)

var ErrConfig = errors.New("graft: invalid config")

const projName = "graft.patch_proj.weight"

// Scorer selection for the entropy patcher.
const (
	ScorerWindow    = "window"
	ScorerPredictor = "predictor"
)

// Config assembles the full pipeline.
type Config struct {
	Encoder encoder.Config
	Decoder model.Config
	Patch   patch.Config
	Pooling patch.Pooling
	// Scorer is "window" for histogram entropy over EntropyWindow
	// preceding bytes, or "predictor" for the encoder's next-byte
	// surprisal head.
	Scorer        string
	EntropyWindow int
	Seed          int64
}

// DefaultConfig is a small self-contained setup: histogram entropy
// over an 8-byte window, threshold 3 bits, patches of 1 to 4 bytes,
// mean pooling, cross-attention in the last two decoder layers.
func DefaultConfig() Config {
	return Config{
		Encoder: encoder.Config{
			HiddenSize: 64,
			NumLayers:  2,
			NumHeads:   4,
			WindowSize: 16,
			FFNSize:    128,
			MaxSeqLen:  512,
		},
		Decoder: model.Config{
			HiddenSize:      64,
			NumLayers:       4,
			NumHeads:        4,
			NumKVHeads:      2,
			FFNSize:         128,
			MaxSeqLen:       512,
			CrossAttnLayers: 2,
		},
		Patch: patch.Config{
			MinSize:   1,
			MaxSize:   4,
			Threshold: 3.0,
		},
		Pooling:       patch.PoolMean,
		Scorer:        ScorerWindow,
		EntropyWindow: 8,
	}
}

// Graft is the assembled byte-latent model.
type Graft struct {
	Tok     *bytetok.Tokenizer
	Enc     *encoder.Encoder
	Patcher *patch.Patcher
	Agg     *patch.Aggregator
	Dec     *model.Decoder

	proj *tensor.Mat
}

// New builds the pipeline. The decoder's patch width comes from the
// aggregator output: encoder hidden size, or the projection target
// when the two differ.
func New(cfg Config) (*Graft, error) {
	if cfg.Pooling == "" {
		cfg.Pooling = patch.PoolMean
	}
	if cfg.Scorer == "" {
		cfg.Scorer = ScorerWindow
	}

	enc, err := encoder.New(cfg.Encoder, cfg.Seed)
	if err != nil {
		return nil, err
	}

	var scorer patch.Scorer
	switch cfg.Scorer {
	case ScorerWindow:
		w := cfg.EntropyWindow
		if w < 1 {
			w = 8
		}
		scorer = patch.WindowScorer{Window: w}
	case ScorerPredictor:
		scorer = patch.PredictorScorer{Model: enc}
	default:
		return nil, fmt.Errorf("%w: unknown scorer %q", ErrConfig, cfg.Scorer)
	}

	patcher, err := patch.New(cfg.Patch, scorer)
	if err != nil {
		return nil, err
	}

	if cfg.Decoder.PatchDim == 0 {
		cfg.Decoder.PatchDim = cfg.Encoder.HiddenSize
	}
	var proj *tensor.Mat
	if cfg.Decoder.PatchDim != cfg.Encoder.HiddenSize {
		proj = tensor.NewMat(cfg.Decoder.PatchDim, cfg.Encoder.HiddenSize)
		tensor.FillRand(proj, cfg.Seed+7)
	}

	agg, err := patch.NewAggregator(cfg.Pooling, proj)
	if err != nil {
		return nil, err
	}

	dec, err := model.New(cfg.Decoder, cfg.Seed+13)
	if err != nil {
		return nil, err
	}

	if cfg.Encoder.MaxSeqLen > 0 && cfg.Decoder.MaxSeqLen > 0 &&
		cfg.Encoder.MaxSeqLen < cfg.Decoder.MaxSeqLen {
		return nil, fmt.Errorf("%w: encoder max length %d below decoder max %d",
			ErrConfig, cfg.Encoder.MaxSeqLen, cfg.Decoder.MaxSeqLen)
	}

	return &Graft{
		Tok:     bytetok.New(cfg.Decoder.MaxSeqLen),
		Enc:     enc,
		Patcher: patcher,
		Agg:     agg,
		Dec:     dec,
		proj:    proj,
	}, nil
}

// Forward runs the full pipeline over a byte id sequence and returns
// next-byte logits for the last position plus the patch boundaries
// that conditioned them.
func (g *Graft) Forward(ids []int) ([]float32, []int, error) {
	states, err := g.Enc.Forward(ids)
	if err != nil {
		return nil, nil, err
	}
	bounds, err := g.Patcher.Boundaries(ids)
	if err != nil {
		return nil, nil, err
	}
	patches, err := g.Agg.Aggregate(states, bounds)
	if err != nil {
		return nil, nil, err
	}
	logits, err := g.Dec.Forward(ids, patches)
	if err != nil {
		return nil, nil, err
	}
	return logits, bounds, nil
}

// PatchConfig returns the patcher's segmentation settings.
func (g *Graft) PatchConfig() patch.Config {
	return g.Patcher.Config()
}

// InheritedParams exposes the pretrained-side weights.
func (g *Graft) InheritedParams() []tensor.Param {
	return g.Dec.InheritedParams()
}

// NewParams exposes every weight introduced by the graft: byte tables,
// encoder, patch projection, and cross-attention blocks.
func (g *Graft) NewParams() []tensor.Param {
	out := g.Dec.NewParams()
	out = append(out, g.Enc.Params()...)
	if g.proj != nil {
		out = append(out, tensor.MatParam(projName, g.proj))
	}
	return out
}

// Load performs the non-strict checkpoint load across the whole
// pipeline. Tensors named in exclude keep their initialization.
func (g *Graft) Load(f *safetensors.File, log logger.Logger, exclude ...string) (*model.LoadReport, error) {
	rep := &model.LoadReport{}
	params := g.InheritedParams()
	params = append(params, g.NewParams()...)
	params = model.FilterExcluded(params, exclude)
	if err := model.LoadParams(f, params, rep); err != nil {
		return nil, err
	}
	if err := g.Dec.LoadGates(f, exclude...); err != nil {
		return nil, err
	}

	consumed := make(map[string]bool, len(rep.Loaded))
	for _, name := range rep.Loaded {
		consumed[name] = true
	}
	for _, name := range f.Names() {
		if !consumed[name] {
			rep.Skipped = append(rep.Skipped, name)
		}
	}

	if log != nil {
		log.Info("checkpoint loaded",
			"path", f.Path,
			"loaded", len(rep.Loaded),
			"missing", len(rep.Missing),
			"skipped", len(rep.Skipped))
	}
	return rep, nil
}

// SaveAdapter writes only the grafted weights.
func (g *Graft) SaveAdapter(path string) error {
	return model.SaveNew(path, g.NewParams())
}
