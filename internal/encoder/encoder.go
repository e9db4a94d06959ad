// Package encoder implements the small byte-level transformer that
// turns byte ids into contextual representations. Attention is causal
// and limited to a bounded local window so each position's vector
// depends only on nearby preceding bytes.
package encoder

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/bytegraft/bytegraft/internal/bytetok"
	"github.com/bytegraft/bytegraft/internal/tensor"
)

var ErrConfig = errors.New("encoder: invalid config")

// Config sizes the local encoder.
type Config struct {
	HiddenSize int
	NumLayers  int
	NumHeads   int
	// WindowSize bounds how many preceding positions each position may
	// attend to, itself included.
	WindowSize int
	FFNSize    int
	MaxSeqLen  int
	RMSEps     float32
	RopeBase   float32
	// HashNGrams lists n-gram orders whose hashed embeddings are added
	// to the byte embedding. Empty disables n-gram features.
	HashNGrams  []int
	HashBuckets int
}

// Layer holds one transformer block's weights.
type Layer struct {
	AttnNorm []float32
	Wq       *tensor.Mat
	Wk       *tensor.Mat
	Wv       *tensor.Mat
	Wo       *tensor.Mat
	FfnNorm  []float32
	FfnGate  *tensor.Mat
	FfnUp    *tensor.Mat
	FfnDown  *tensor.Mat
}

// Encoder is the byte-level local transformer. It also carries an
// optional next-byte prediction head used for entropy scoring.
type Encoder struct {
	Cfg       Config
	Embed     *tensor.Mat // bytetok.VocabSize x hidden
	NGram     *tensor.Mat // HashBuckets x hidden, nil without n-grams
	Layers    []Layer
	FinalNorm []float32
	Head      *tensor.Mat // bytetok.VocabSize x hidden

	invFreq []float64
	headDim int
}

// New builds a randomly initialized encoder. The same seed always
// yields the same weights.
func New(cfg Config, seed int64) (*Encoder, error) {
	if cfg.HiddenSize < 1 || cfg.NumLayers < 1 || cfg.NumHeads < 1 {
		return nil, fmt.Errorf("%w: hidden=%d layers=%d heads=%d", ErrConfig, cfg.HiddenSize, cfg.NumLayers, cfg.NumHeads)
	}
	if cfg.HiddenSize%cfg.NumHeads != 0 {
		return nil, fmt.Errorf("%w: hidden %d not divisible by %d heads", ErrConfig, cfg.HiddenSize, cfg.NumHeads)
	}
	if cfg.WindowSize < 1 {
		return nil, fmt.Errorf("%w: window %d", ErrConfig, cfg.WindowSize)
	}
	if cfg.FFNSize < 1 {
		return nil, fmt.Errorf("%w: ffn size %d", ErrConfig, cfg.FFNSize)
	}
	if len(cfg.HashNGrams) > 0 && cfg.HashBuckets < 1 {
		return nil, fmt.Errorf("%w: n-grams need hash buckets", ErrConfig)
	}
	if cfg.RMSEps == 0 {
		cfg.RMSEps = 1e-6
	}
	if cfg.RopeBase == 0 {
		cfg.RopeBase = 10000
	}

	h := cfg.HiddenSize
	std := 1.0 / math.Sqrt(float64(h))

	e := &Encoder{
		Cfg:       cfg,
		Embed:     tensor.NewMat(bytetok.VocabSize, h),
		Layers:    make([]Layer, cfg.NumLayers),
		FinalNorm: make([]float32, h),
		Head:      tensor.NewMat(bytetok.VocabSize, h),
		invFreq:   tensor.RopeInvFreq(h/cfg.NumHeads, float64(cfg.RopeBase)),
		headDim:   h / cfg.NumHeads,
	}
	tensor.FillNormalTrunc(e.Embed, std, seed)
	tensor.FillNormalTrunc(e.Head, std, seed+1)
	if len(cfg.HashNGrams) > 0 {
		e.NGram = tensor.NewMat(cfg.HashBuckets, h)
		tensor.FillNormalTrunc(e.NGram, std, seed+2)
	}

	for i := range e.Layers {
		base := seed + int64(100+i*10)
		l := &e.Layers[i]
		l.AttnNorm = ones(h)
		l.Wq = randMat(h, h, base)
		l.Wk = randMat(h, h, base+1)
		l.Wv = randMat(h, h, base+2)
		l.Wo = randMat(h, h, base+3)
		l.FfnNorm = ones(h)
		l.FfnGate = randMat(cfg.FFNSize, h, base+4)
		l.FfnUp = randMat(cfg.FFNSize, h, base+5)
		l.FfnDown = randMat(h, cfg.FFNSize, base+6)
	}
	copy(e.FinalNorm, ones(h))
	return e, nil
}

func ones(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = 1
	}
	return v
}

func randMat(r, c int, seed int64) *tensor.Mat {
	m := tensor.NewMat(r, c)
	tensor.FillRand(m, seed)
	return m
}

// Forward computes one contextual vector per byte position.
func (e *Encoder) Forward(ids []int) ([][]float32, error) {
	n := len(ids)
	if n == 0 {
		return nil, nil
	}
	if e.Cfg.MaxSeqLen > 0 && n > e.Cfg.MaxSeqLen {
		return nil, fmt.Errorf("%w: sequence length %d exceeds max %d", ErrConfig, n, e.Cfg.MaxSeqLen)
	}

	h := e.Cfg.HiddenSize
	x := make([][]float32, n)
	for i, id := range ids {
		if id < 0 || id >= bytetok.VocabSize {
			return nil, fmt.Errorf("%w: byte id %d out of range", ErrConfig, id)
		}
		x[i] = make([]float32, h)
		e.Embed.RowTo(x[i], id)
		e.addNGramFeatures(x[i], ids, i)
	}

	s := newScratch(h, e.Cfg.FFNSize, n)
	for li := range e.Layers {
		e.layerForward(&e.Layers[li], x, s)
	}
	for i := range x {
		tensor.RMSNorm(x[i], x[i], e.FinalNorm, e.Cfg.RMSEps)
	}
	return x, nil
}

// NextLogits predicts the next byte's logits from a prefix, making the
// encoder usable as an entropy scorer.
func (e *Encoder) NextLogits(prefix []int) ([]float32, error) {
	states, err := e.Forward(prefix)
	if err != nil {
		return nil, err
	}
	logits := make([]float32, bytetok.VocabSize)
	if len(states) == 0 {
		return logits, nil
	}
	last := states[len(states)-1]
	tensor.MatVec(logits, e.Head, last)
	return logits, nil
}

func (e *Encoder) addNGramFeatures(dst []float32, ids []int, pos int) {
	if e.NGram == nil {
		return
	}
	for _, order := range e.Cfg.HashNGrams {
		if pos+1 < order {
			continue
		}
		bucket := hashNGram(ids[pos+1-order:pos+1], e.Cfg.HashBuckets)
		tensor.Add(dst, e.NGram.Row(bucket))
	}
}

func hashNGram(gram []int, buckets int) int {
	hsh := fnv.New32a()
	var b [1]byte
	for _, id := range gram {
		b[0] = byte(id)
		_, _ = hsh.Write(b[:])
	}
	return int(hsh.Sum32() % uint32(buckets))
}

type scratch struct {
	normed []float32
	q      []float32
	k      [][]float32
	v      [][]float32
	attn   []float32
	ffnG   []float32
	ffnU   []float32
	out    []float32
}

func newScratch(h, ffn, n int) *scratch {
	s := &scratch{
		normed: make([]float32, h),
		q:      make([]float32, h),
		k:      make([][]float32, n),
		v:      make([][]float32, n),
		attn:   make([]float32, h),
		ffnG:   make([]float32, ffn),
		ffnU:   make([]float32, ffn),
		out:    make([]float32, h),
	}
	for i := 0; i < n; i++ {
		s.k[i] = make([]float32, h)
		s.v[i] = make([]float32, h)
	}
	return s
}

func (e *Encoder) layerForward(l *Layer, x [][]float32, s *scratch) {
	n := len(x)
	nh := e.Cfg.NumHeads
	hd := e.headDim
	scale := float32(1.0 / math.Sqrt(float64(hd)))

	// Project keys and values for the whole sequence first.
	for i := 0; i < n; i++ {
		tensor.RMSNorm(s.normed, x[i], l.AttnNorm, e.Cfg.RMSEps)
		tensor.MatVec(s.k[i], l.Wk, s.normed)
		tensor.MatVec(s.v[i], l.Wv, s.normed)
		tensor.ApplyRoPE(s.k[i], nh, hd, i, e.invFreq)
	}

	scores := make([]float32, e.Cfg.WindowSize)
	for i := 0; i < n; i++ {
		tensor.RMSNorm(s.normed, x[i], l.AttnNorm, e.Cfg.RMSEps)
		tensor.MatVec(s.q, l.Wq, s.normed)
		tensor.ApplyRoPE(s.q, nh, hd, i, e.invFreq)

		lo := i - e.Cfg.WindowSize + 1
		if lo < 0 {
			lo = 0
		}
		span := i - lo + 1

		for head := 0; head < nh; head++ {
			off := head * hd
			q := s.q[off : off+hd]
			for j := 0; j < span; j++ {
				scores[j] = tensor.Dot(q, s.k[lo+j][off:off+hd]) * scale
			}
			tensor.Softmax(scores[:span])
			acc := s.attn[off : off+hd]
			for d := range acc {
				acc[d] = 0
			}
			for j := 0; j < span; j++ {
				w := scores[j]
				v := s.v[lo+j][off : off+hd]
				for d := range acc {
					acc[d] += w * v[d]
				}
			}
		}

		tensor.MatVec(s.out, l.Wo, s.attn)
		tensor.Add(x[i], s.out)

		// SwiGLU feed-forward with pre-norm.
		tensor.RMSNorm(s.normed, x[i], l.FfnNorm, e.Cfg.RMSEps)
		tensor.MatVec(s.ffnG, l.FfnGate, s.normed)
		tensor.MatVec(s.ffnU, l.FfnUp, s.normed)
		tensor.SiluAndMul(s.ffnG, s.ffnU)
		tensor.MatVec(s.out, l.FfnDown, s.ffnG)
		tensor.Add(x[i], s.out)
	}
}
