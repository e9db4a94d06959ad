// Package generate runs patch-aware autoregressive byte decoding over
// a grafted model.
package generate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bytegraft/bytegraft/internal/bytetok"
	"github.com/bytegraft/bytegraft/internal/graft"
	"github.com/bytegraft/bytegraft/internal/logger"
	"github.com/bytegraft/bytegraft/internal/logits"
)

var (
	ErrParams = errors.New("generate: invalid params")
	ErrSample = errors.New("generate: sampled id outside byte range")
)

// StopReason explains why a generation ended.
type StopReason string

const (
	StopEOS         StopReason = "eos"
	StopMaxNewBytes StopReason = "max_new_bytes"
	StopMaxSeqLen   StopReason = "max_seq_len"
	StopCancelled   StopReason = "cancelled"
)

// Params controls one generation call.
type Params struct {
	MaxNewBytes int
	// Temperature <= 0 selects greedy decoding.
	Temperature float32
	TopK        int
	Seed        int64
	// UseCache enables the incremental decoder path. It reuses
	// self-attention state; patch boundaries are still recomputed
	// from the full byte buffer each step, and cross-attention sees
	// the patch set as of that step, so outputs can differ slightly
	// from the full-recompute default.
	UseCache bool
}

// Stats summarizes a finished generation.
type Stats struct {
	PromptBytes int
	NewBytes    int
	Duration    time.Duration
	BytesPerSec float64
}

// Result is the outcome of one generation call.
type Result struct {
	Text       string
	Raw        []byte
	StopReason StopReason
	Stats      Stats
}

// Generator drives decode loops over one model. It is not safe for
// concurrent use; callers serialize access.
type Generator struct {
	g   *graft.Graft
	log logger.Logger
}

func New(g *graft.Graft, log logger.Logger) *Generator {
	if log == nil {
		log = logger.Default()
	}
	return &Generator{g: g, log: log}
}

// State is an in-flight generation. Step advances it one byte at a
// time; callers that just want the final result use Run.
type State struct {
	gen     *Generator
	params  Params
	sampler *logits.Sampler
	cache   *modelCache

	ids       []int
	promptLen int
	raw       []byte
	bounds    []int
	maxSeq    int
	reason    StopReason
	done      bool
}

// Start validates params and prepares a generation continuing prompt.
func (gen *Generator) Start(prompt string, p Params) (*State, error) {
	if p.MaxNewBytes < 1 {
		return nil, fmt.Errorf("%w: max new bytes %d", ErrParams, p.MaxNewBytes)
	}
	ids, err := gen.g.Tok.EncodePrompt(prompt)
	if err != nil {
		return nil, err
	}
	st := &State{
		gen:       gen,
		params:    p,
		ids:       ids,
		promptLen: len(ids),
		raw:       make([]byte, 0, p.MaxNewBytes),
		maxSeq:    gen.g.Dec.Cfg.MaxSeqLen,
		sampler: logits.NewSampler(logits.SamplerConfig{
			Seed:        p.Seed,
			Temperature: p.Temperature,
			TopK:        p.TopK,
		}),
	}
	if p.UseCache {
		st.cache = gen.newCache(st.maxSeq)
	}
	return st, nil
}

// Step samples one byte and appends it to the buffer. The returned
// byte is only meaningful while done is false.
func (st *State) Step() (byte, bool, error) {
	if st.done {
		return 0, true, nil
	}
	if len(st.raw) >= st.params.MaxNewBytes {
		st.stop(StopMaxNewBytes)
		return 0, true, nil
	}
	if st.maxSeq > 0 && len(st.ids) >= st.maxSeq {
		st.stop(StopMaxSeqLen)
		return 0, true, nil
	}

	var (
		next   int
		bounds []int
		err    error
	)
	if st.cache != nil {
		next, bounds, err = st.gen.stepCached(st.ids, st.cache, st.sampler)
	} else {
		next, bounds, err = st.gen.step(st.ids, st.sampler)
	}
	if err != nil {
		return 0, true, err
	}
	st.bounds = bounds

	if next == bytetok.EOS {
		st.stop(StopEOS)
		return 0, true, nil
	}
	if next < 0 || next >= bytetok.ByteVocab {
		return 0, true, fmt.Errorf("%w: id %d", ErrSample, next)
	}
	st.ids = append(st.ids, next)
	b := byte(next)
	st.raw = append(st.raw, b)
	return b, false, nil
}

func (st *State) stop(r StopReason) {
	st.reason = r
	st.done = true
}

// Done reports whether the generation has ended.
func (st *State) Done() bool { return st.done }

// StopReason is meaningful once Done reports true.
func (st *State) StopReason() StopReason { return st.reason }

// Bytes returns the raw bytes generated so far.
func (st *State) Bytes() []byte { return st.raw }

// Bounds returns the patch boundaries seen by the most recent step.
func (st *State) Bounds() []int { return st.bounds }

// Cancel ends the generation without sampling further bytes.
func (st *State) Cancel() {
	if !st.done {
		st.stop(StopCancelled)
	}
}

// Run generates up to p.MaxNewBytes bytes continuing prompt. When
// onBytes is non-nil it receives each raw generated byte as it is
// sampled; chunks may split UTF-8 sequences, so streaming consumers
// should decode lossily.
func (gen *Generator) Run(ctx context.Context, prompt string, p Params, onBytes func([]byte) error) (*Result, error) {
	st, err := gen.Start(prompt, p)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			st.Cancel()
		default:
		}
		b, done, err := st.Step()
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
		if onBytes != nil {
			if err := onBytes([]byte{b}); err != nil {
				return nil, err
			}
		}
	}

	dur := time.Since(start)
	raw := st.Bytes()
	stats := Stats{
		PromptBytes: st.promptLen,
		NewBytes:    len(raw),
		Duration:    dur,
	}
	if dur > 0 {
		stats.BytesPerSec = float64(len(raw)) / dur.Seconds()
	}
	gen.log.Debug("generation finished",
		"stop", string(st.reason),
		"new_bytes", stats.NewBytes,
		"bytes_per_sec", stats.BytesPerSec)

	return &Result{
		Text:       string(gen.g.Tok.DecodeLossy(st.ids[st.promptLen:])),
		Raw:        raw,
		StopReason: st.reason,
		Stats:      stats,
	}, nil
}

// step recomputes the full pipeline over the byte buffer and samples
// the next id. This is the reference decoding path: boundaries and
// patch vectors always reflect the entire buffer.
func (gen *Generator) step(ids []int, s *logits.Sampler) (int, []int, error) {
	lg, bounds, err := gen.g.Forward(ids)
	if err != nil {
		return 0, nil, err
	}
	maskMarkers(lg)
	return s.Sample(lg), bounds, nil
}

// maskMarkers removes BOS and PAD from the sampling distribution. Only
// raw bytes and EOS are valid continuations.
func maskMarkers(lg []float32) {
	neg := float32(math.Inf(-1))
	if bytetok.BOS < len(lg) {
		lg[bytetok.BOS] = neg
	}
	if bytetok.PAD < len(lg) {
		lg[bytetok.PAD] = neg
	}
}
