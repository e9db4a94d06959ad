// Package adapter implements the cross-attention block grafted into
// selected decoder layers. Queries come from the decoder hidden state,
// keys and values from patch representations. The output is scaled by
// a learned tanh gate initialized to zero, so a freshly constructed
// adapter leaves the decoder's computation untouched.
package adapter

import (
	"errors"
	"fmt"
	"math"

	"github.com/bytegraft/bytegraft/internal/tensor"
)

var (
	ErrConfig    = errors.New("adapter: invalid config")
	ErrNonFinite = errors.New("adapter: non-finite activation")
)

// Config sizes one cross-attention block.
type Config struct {
	// HiddenSize is the decoder's hidden width.
	HiddenSize int
	NumHeads   int
	// PatchDim is the width of incoming patch vectors.
	PatchDim int
	RMSEps   float32
}

// CrossAttention holds the weights of one grafted block.
type CrossAttention struct {
	Norm []float32
	Wq   *tensor.Mat // hidden x hidden
	Wk   *tensor.Mat // hidden x patch
	Wv   *tensor.Mat // hidden x patch
	Wo   *tensor.Mat // hidden x hidden
	// Gate is a scalar; the block output is scaled by tanh(Gate).
	// Zero-initialized so the graft starts as an identity.
	Gate float32

	cfg     Config
	headDim int
}

func New(cfg Config, seed int64) (*CrossAttention, error) {
	if cfg.HiddenSize < 1 || cfg.NumHeads < 1 || cfg.PatchDim < 1 {
		return nil, fmt.Errorf("%w: hidden=%d heads=%d patch=%d", ErrConfig, cfg.HiddenSize, cfg.NumHeads, cfg.PatchDim)
	}
	if cfg.HiddenSize%cfg.NumHeads != 0 {
		return nil, fmt.Errorf("%w: hidden %d not divisible by %d heads", ErrConfig, cfg.HiddenSize, cfg.NumHeads)
	}
	if cfg.RMSEps == 0 {
		cfg.RMSEps = 1e-6
	}

	h := cfg.HiddenSize
	c := &CrossAttention{
		Norm:    make([]float32, h),
		Wq:      tensor.NewMat(h, h),
		Wk:      tensor.NewMat(h, cfg.PatchDim),
		Wv:      tensor.NewMat(h, cfg.PatchDim),
		Wo:      tensor.NewMat(h, h),
		cfg:     cfg,
		headDim: h / cfg.NumHeads,
	}
	for i := range c.Norm {
		c.Norm[i] = 1
	}
	tensor.FillRand(c.Wq, seed)
	tensor.FillRand(c.Wk, seed+1)
	tensor.FillRand(c.Wv, seed+2)
	tensor.FillRand(c.Wo, seed+3)
	return c, nil
}

// Scratch holds per-call buffers so Apply does not allocate per
// position.
type Scratch struct {
	normed []float32
	q      []float32
	attn   []float32
	out    []float32
	k      [][]float32
	v      [][]float32
	scores []float32
}

func NewScratch(cfg Config) *Scratch {
	h := cfg.HiddenSize
	return &Scratch{
		normed: make([]float32, h),
		q:      make([]float32, h),
		attn:   make([]float32, h),
		out:    make([]float32, h),
	}
}

func (s *Scratch) grow(n, h int) {
	for len(s.k) < n {
		s.k = append(s.k, make([]float32, h))
		s.v = append(s.v, make([]float32, h))
	}
	if cap(s.scores) < n {
		s.scores = make([]float32, n)
	}
	s.scores = s.scores[:n]
}

// ProjectPatches computes the key/value projections for a patch set.
// The projections depend only on the patches, so callers reuse them
// across every position of a forward pass.
func (c *CrossAttention) ProjectPatches(patches [][]float32, s *Scratch) error {
	for _, p := range patches {
		if len(p) != c.cfg.PatchDim {
			return fmt.Errorf("%w: patch dim %d, want %d", ErrConfig, len(p), c.cfg.PatchDim)
		}
	}
	s.grow(len(patches), c.cfg.HiddenSize)
	for i, p := range patches {
		tensor.MatVec(s.k[i], c.Wk, p)
		tensor.MatVec(s.v[i], c.Wv, p)
	}
	return nil
}

// Apply adds gated cross-attention over the first n projected patches
// to hidden, in place. With no patches it is a no-op.
func (c *CrossAttention) Apply(hidden []float32, n int, s *Scratch) error {
	if n == 0 {
		return nil
	}
	if len(hidden) != c.cfg.HiddenSize {
		return fmt.Errorf("%w: hidden dim %d, want %d", ErrConfig, len(hidden), c.cfg.HiddenSize)
	}

	tensor.RMSNorm(s.normed, hidden, c.Norm, c.cfg.RMSEps)
	tensor.MatVec(s.q, c.Wq, s.normed)

	hd := c.headDim
	scale := float32(1.0 / math.Sqrt(float64(hd)))
	scores := s.scores[:n]

	for head := 0; head < c.cfg.NumHeads; head++ {
		off := head * hd
		q := s.q[off : off+hd]
		for j := 0; j < n; j++ {
			scores[j] = tensor.Dot(q, s.k[j][off:off+hd]) * scale
		}
		tensor.Softmax(scores)
		acc := s.attn[off : off+hd]
		for d := range acc {
			acc[d] = 0
		}
		for j := 0; j < n; j++ {
			w := scores[j]
			v := s.v[j][off : off+hd]
			for d := range acc {
				acc[d] += w * v[d]
			}
		}
	}

	tensor.MatVec(s.out, c.Wo, s.attn)
	if gate := tensor.Tanh(c.Gate); gate != 0 {
		for d := range hidden {
			hidden[d] += gate * s.out[d]
		}
	}

	if tensor.HasNonFinite(hidden) {
		return ErrNonFinite
	}
	return nil
}
