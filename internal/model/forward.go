package model

import (
	"fmt"
	"math"

	"github.com/bytegraft/bytegraft/internal/adapter"
	"github.com/bytegraft/bytegraft/internal/bytetok"
	"github.com/bytegraft/bytegraft/internal/tensor"
)

type scratch struct {
	normed []float32
	q      []float32
	kv     []float32
	attn   []float32
	out    []float32
	ffnG   []float32
	ffnU   []float32
	scores []float32
	cross  *adapter.Scratch
}

func (d *Decoder) newScratch(maxLen int) *scratch {
	h := d.Cfg.HiddenSize
	s := &scratch{
		normed: make([]float32, h),
		q:      make([]float32, h),
		kv:     make([]float32, d.kvDim),
		attn:   make([]float32, h),
		out:    make([]float32, h),
		ffnG:   make([]float32, d.Cfg.FFNSize),
		ffnU:   make([]float32, d.Cfg.FFNSize),
		scores: make([]float32, maxLen),
	}
	if d.Cfg.CrossAttnLayers > 0 {
		s.cross = adapter.NewScratch(adapter.Config{
			HiddenSize: h,
			NumHeads:   d.Cfg.NumHeads,
			PatchDim:   d.Cfg.PatchDim,
			RMSEps:     d.Cfg.RMSEps,
		})
	}
	return s
}

// Forward runs the full stack over ids and returns the logits at the
// last position. Patch vectors feed the grafted cross-attention
// blocks; pass nil to run the decoder without patch conditioning.
func (d *Decoder) Forward(ids []int, patches [][]float32) ([]float32, error) {
	n := len(ids)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty sequence", ErrConfig)
	}
	if d.Cfg.MaxSeqLen > 0 && n > d.Cfg.MaxSeqLen {
		return nil, fmt.Errorf("%w: sequence length %d exceeds max %d", ErrConfig, n, d.Cfg.MaxSeqLen)
	}

	h := d.Cfg.HiddenSize
	x := make([][]float32, n)
	for i, id := range ids {
		if id < 0 || id >= bytetok.VocabSize {
			return nil, fmt.Errorf("%w: byte id %d out of range", ErrConfig, id)
		}
		x[i] = make([]float32, h)
		d.ByteEmbed.RowTo(x[i], id)
	}

	s := d.newScratch(n)
	k := make([][]float32, n)
	v := make([][]float32, n)
	for i := range k {
		k[i] = make([]float32, d.kvDim)
		v[i] = make([]float32, d.kvDim)
	}

	for li := range d.Layers {
		l := &d.Layers[li]

		for i := 0; i < n; i++ {
			tensor.RMSNorm(s.normed, x[i], l.AttnNorm, d.Cfg.RMSEps)
			tensor.MatVec(k[i], l.Wk, s.normed)
			tensor.Add(k[i], l.Bk)
			tensor.MatVec(v[i], l.Wv, s.normed)
			tensor.Add(v[i], l.Bv)
			tensor.ApplyRoPE(k[i], d.Cfg.NumKVHeads, d.headDim, i, d.invFreq)
		}

		if l.Cross != nil && len(patches) > 0 {
			if err := l.Cross.ProjectPatches(patches, s.cross); err != nil {
				return nil, err
			}
		}

		for i := 0; i < n; i++ {
			tensor.RMSNorm(s.normed, x[i], l.AttnNorm, d.Cfg.RMSEps)
			tensor.MatVec(s.q, l.Wq, s.normed)
			tensor.Add(s.q, l.Bq)
			tensor.ApplyRoPE(s.q, d.Cfg.NumHeads, d.headDim, i, d.invFreq)

			d.selfAttend(l, s, k[:i+1], v[:i+1])
			tensor.Add(x[i], s.out)

			if l.Cross != nil && len(patches) > 0 {
				if err := l.Cross.Apply(x[i], len(patches), s.cross); err != nil {
					return nil, err
				}
			}

			d.ffn(l, x[i], s)
		}
	}

	last := x[n-1]
	tensor.RMSNorm(s.normed, last, d.FinalNorm, d.Cfg.RMSEps)
	logits := make([]float32, bytetok.VocabSize)
	tensor.MatVec(logits, d.Head, s.normed)
	if tensor.HasNonFinite(logits) {
		return nil, ErrNonFinite
	}
	return logits, nil
}

// selfAttend computes grouped-query attention for the newest position
// against keys k and values v, writing the projected result to s.out.
func (d *Decoder) selfAttend(l *Layer, s *scratch, k, v [][]float32) {
	hd := d.headDim
	group := d.Cfg.NumHeads / d.Cfg.NumKVHeads
	scale := float32(1.0 / math.Sqrt(float64(hd)))
	span := len(k)
	scores := s.scores[:span]

	for head := 0; head < d.Cfg.NumHeads; head++ {
		qOff := head * hd
		kvOff := (head / group) * hd
		q := s.q[qOff : qOff+hd]
		for j := 0; j < span; j++ {
			scores[j] = tensor.Dot(q, k[j][kvOff:kvOff+hd]) * scale
		}
		tensor.Softmax(scores)
		acc := s.attn[qOff : qOff+hd]
		for dd := range acc {
			acc[dd] = 0
		}
		for j := 0; j < span; j++ {
			w := scores[j]
			vv := v[j][kvOff : kvOff+hd]
			for dd := range acc {
				acc[dd] += w * vv[dd]
			}
		}
	}
	tensor.MatVec(s.out, l.Wo, s.attn)
}

func (d *Decoder) ffn(l *Layer, x []float32, s *scratch) {
	tensor.RMSNorm(s.normed, x, l.FfnNorm, d.Cfg.RMSEps)
	tensor.MatVec(s.ffnG, l.FfnGate, s.normed)
	tensor.MatVec(s.ffnU, l.FfnUp, s.normed)
	tensor.SiluAndMul(s.ffnG, s.ffnU)
	tensor.MatVec(s.out, l.FfnDown, s.ffnG)
	tensor.Add(x, s.out)
}

// Cache holds per-layer key/value history for incremental decoding.
// The cached path reuses self-attention state but re-projects patch
// vectors each step, so it tracks the patch set as it grows.
type Cache struct {
	k [][][]float32 // [layer][pos][kvDim]
	v [][][]float32
	n int
	s *scratch
}

// NewCache allocates a cache for up to maxLen positions.
func (d *Decoder) NewCache(maxLen int) *Cache {
	c := &Cache{
		k: make([][][]float32, d.Cfg.NumLayers),
		v: make([][][]float32, d.Cfg.NumLayers),
		s: d.newScratch(maxLen),
	}
	for li := range c.k {
		c.k[li] = make([][]float32, 0, maxLen)
		c.v[li] = make([][]float32, 0, maxLen)
	}
	return c
}

// Len returns the number of positions already decoded.
func (c *Cache) Len() int { return c.n }

// Reset clears the cache for a fresh sequence.
func (c *Cache) Reset() {
	for li := range c.k {
		c.k[li] = c.k[li][:0]
		c.v[li] = c.v[li][:0]
	}
	c.n = 0
}

// ForwardStep advances the cached decode by one byte id and returns
// the next-byte logits. Self-attention keys and values for earlier
// positions come from the cache; patches are re-projected so newly
// closed patches become visible immediately.
func (d *Decoder) ForwardStep(id int, patches [][]float32, c *Cache) ([]float32, error) {
	if id < 0 || id >= bytetok.VocabSize {
		return nil, fmt.Errorf("%w: byte id %d out of range", ErrConfig, id)
	}
	pos := c.n
	if d.Cfg.MaxSeqLen > 0 && pos >= d.Cfg.MaxSeqLen {
		return nil, fmt.Errorf("%w: position %d exceeds max %d", ErrConfig, pos, d.Cfg.MaxSeqLen)
	}

	h := d.Cfg.HiddenSize
	x := make([]float32, h)
	d.ByteEmbed.RowTo(x, id)
	s := c.s

	for li := range d.Layers {
		l := &d.Layers[li]

		tensor.RMSNorm(s.normed, x, l.AttnNorm, d.Cfg.RMSEps)

		kNew := make([]float32, d.kvDim)
		vNew := make([]float32, d.kvDim)
		tensor.MatVec(kNew, l.Wk, s.normed)
		tensor.Add(kNew, l.Bk)
		tensor.MatVec(vNew, l.Wv, s.normed)
		tensor.Add(vNew, l.Bv)
		tensor.ApplyRoPE(kNew, d.Cfg.NumKVHeads, d.headDim, pos, d.invFreq)
		c.k[li] = append(c.k[li], kNew)
		c.v[li] = append(c.v[li], vNew)

		tensor.MatVec(s.q, l.Wq, s.normed)
		tensor.Add(s.q, l.Bq)
		tensor.ApplyRoPE(s.q, d.Cfg.NumHeads, d.headDim, pos, d.invFreq)

		d.selfAttend(l, s, c.k[li], c.v[li])
		tensor.Add(x, s.out)

		if l.Cross != nil && len(patches) > 0 {
			if err := l.Cross.ProjectPatches(patches, s.cross); err != nil {
				return nil, err
			}
			if err := l.Cross.Apply(x, len(patches), s.cross); err != nil {
				return nil, err
			}
		}

		d.ffn(l, x, s)
	}
	c.n++

	tensor.RMSNorm(s.normed, x, d.FinalNorm, d.Cfg.RMSEps)
	logits := make([]float32, bytetok.VocabSize)
	tensor.MatVec(logits, d.Head, s.normed)
	if tensor.HasNonFinite(logits) {
		return nil, ErrNonFinite
	}
	return logits, nil
}
