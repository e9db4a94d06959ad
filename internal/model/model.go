// Package model implements the pretrained decoder-only transformer
// that the byte front end is grafted onto: a qwen2-style stack with
// grouped-query attention and QKV biases, its token embedding and
// output head replaced by fresh byte-vocabulary tables, and
// cross-attention blocks fused into a trailing subset of layers.
package model

import (
	"errors"
	"fmt"
	"math"

	"github.com/bytegraft/bytegraft/internal/adapter"
	"github.com/bytegraft/bytegraft/internal/bytetok"
	"github.com/bytegraft/bytegraft/internal/tensor"
)

var (
	ErrConfig    = errors.New("model: invalid config")
	ErrNonFinite = errors.New("model: non-finite activation")
)

// Config sizes the decoder.
type Config struct {
	HiddenSize int
	NumLayers  int
	NumHeads   int
	NumKVHeads int
	FFNSize    int
	MaxSeqLen  int
	RMSEps     float32
	RopeBase   float32
	// CrossAttnLayers is how many trailing layers carry a grafted
	// cross-attention block.
	CrossAttnLayers int
	// PatchDim is the width of incoming patch vectors.
	PatchDim int
}

// Layer is one decoder block. Cross is nil for layers without a graft.
type Layer struct {
	AttnNorm []float32
	Wq       *tensor.Mat
	Wk       *tensor.Mat
	Wv       *tensor.Mat
	Wo       *tensor.Mat
	Bq       []float32
	Bk       []float32
	Bv       []float32
	FfnNorm  []float32
	FfnGate  *tensor.Mat
	FfnUp    *tensor.Mat
	FfnDown  *tensor.Mat
	Cross    *adapter.CrossAttention
}

// Decoder is the grafted global model. ByteEmbed and Head are fresh
// byte-vocabulary tables that replace the pretrained token embedding
// and output projection.
type Decoder struct {
	Cfg       Config
	ByteEmbed *tensor.Mat // bytetok.VocabSize x hidden
	Layers    []Layer
	FinalNorm []float32
	Head      *tensor.Mat // bytetok.VocabSize x hidden

	invFreq []float64
	headDim int
	kvDim   int
}

// New builds a decoder with randomly initialized weights. Pretrained
// weights arrive later through the checkpoint loader; the fresh byte
// tables keep their init regardless.
func New(cfg Config, seed int64) (*Decoder, error) {
	if cfg.HiddenSize < 1 || cfg.NumLayers < 1 || cfg.NumHeads < 1 {
		return nil, fmt.Errorf("%w: hidden=%d layers=%d heads=%d", ErrConfig, cfg.HiddenSize, cfg.NumLayers, cfg.NumHeads)
	}
	if cfg.NumKVHeads < 1 {
		cfg.NumKVHeads = cfg.NumHeads
	}
	if cfg.HiddenSize%cfg.NumHeads != 0 {
		return nil, fmt.Errorf("%w: hidden %d not divisible by %d heads", ErrConfig, cfg.HiddenSize, cfg.NumHeads)
	}
	if cfg.NumHeads%cfg.NumKVHeads != 0 {
		return nil, fmt.Errorf("%w: %d heads not divisible by %d kv heads", ErrConfig, cfg.NumHeads, cfg.NumKVHeads)
	}
	if cfg.FFNSize < 1 {
		return nil, fmt.Errorf("%w: ffn size %d", ErrConfig, cfg.FFNSize)
	}
	if cfg.CrossAttnLayers < 0 || cfg.CrossAttnLayers > cfg.NumLayers {
		return nil, fmt.Errorf("%w: %d cross-attention layers for %d layers", ErrConfig, cfg.CrossAttnLayers, cfg.NumLayers)
	}
	if cfg.CrossAttnLayers > 0 && cfg.PatchDim < 1 {
		return nil, fmt.Errorf("%w: cross-attention needs patch dim", ErrConfig)
	}
	if cfg.RMSEps == 0 {
		cfg.RMSEps = 1e-6
	}
	if cfg.RopeBase == 0 {
		cfg.RopeBase = 10000
	}

	h := cfg.HiddenSize
	headDim := h / cfg.NumHeads
	kvDim := cfg.NumKVHeads * headDim
	std := 1.0 / math.Sqrt(float64(h))

	d := &Decoder{
		Cfg:       cfg,
		ByteEmbed: tensor.NewMat(bytetok.VocabSize, h),
		Layers:    make([]Layer, cfg.NumLayers),
		FinalNorm: make([]float32, h),
		Head:      tensor.NewMat(bytetok.VocabSize, h),
		invFreq:   tensor.RopeInvFreq(headDim, float64(cfg.RopeBase)),
		headDim:   headDim,
		kvDim:     kvDim,
	}
	tensor.FillNormalTrunc(d.ByteEmbed, std, seed)
	tensor.FillNormalTrunc(d.Head, std, seed+1)
	for i := range d.FinalNorm {
		d.FinalNorm[i] = 1
	}

	firstCross := cfg.NumLayers - cfg.CrossAttnLayers
	for i := range d.Layers {
		base := seed + int64(1000+i*20)
		l := &d.Layers[i]
		l.AttnNorm = onesVec(h)
		l.Wq = randInit(h, h, base)
		l.Wk = randInit(kvDim, h, base+1)
		l.Wv = randInit(kvDim, h, base+2)
		l.Wo = randInit(h, h, base+3)
		l.Bq = make([]float32, h)
		l.Bk = make([]float32, kvDim)
		l.Bv = make([]float32, kvDim)
		l.FfnNorm = onesVec(h)
		l.FfnGate = randInit(cfg.FFNSize, h, base+4)
		l.FfnUp = randInit(cfg.FFNSize, h, base+5)
		l.FfnDown = randInit(h, cfg.FFNSize, base+6)

		if i >= firstCross {
			cross, err := adapter.New(adapter.Config{
				HiddenSize: h,
				NumHeads:   cfg.NumHeads,
				PatchDim:   cfg.PatchDim,
				RMSEps:     cfg.RMSEps,
			}, base+10)
			if err != nil {
				return nil, err
			}
			l.Cross = cross
		}
	}
	return d, nil
}

func onesVec(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = 1
	}
	return v
}

func randInit(r, c int, seed int64) *tensor.Mat {
	m := tensor.NewMat(r, c)
	tensor.FillRand(m, seed)
	return m
}

// CrossLayers returns the indices of layers carrying a grafted block.
func (d *Decoder) CrossLayers() []int {
	var out []int
	for i := range d.Layers {
		if d.Layers[i].Cross != nil {
			out = append(out, i)
		}
	}
	return out
}
