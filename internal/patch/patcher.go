// Package patch segments a byte stream into variable-length patches
// using a per-position predictability score, and pools byte
// representations into one fixed-size vector per patch.
package patch

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrConfig = errors.New("patch: invalid config")
	ErrBounds = errors.New("patch: invalid boundaries")
)

// Scorer produces one scalar score per byte position. Higher scores
// mean the position is harder to predict from its local context.
type Scorer interface {
	Scores(ids []int) ([]float64, error)
}

// Config controls boundary placement.
type Config struct {
	// MinSize is the smallest patch length an entropy split may produce.
	MinSize int
	// MaxSize forces a boundary once a patch reaches this length.
	MaxSize int
	// Threshold is the score above which a new patch starts.
	Threshold float64
	// Adaptive, when set, steps the threshold after every position.
	Adaptive *Adaptive
}

// Adaptive bounds the per-position threshold updates. Each split raises
// the threshold by StepUp and each quiet position lowers it by
// StepDown, clamped to [Min, Max].
type Adaptive struct {
	Min      float64
	Max      float64
	StepUp   float64
	StepDown float64
}

// Patcher emits patch boundaries for byte sequences. Boundaries are a
// deterministic function of the input for a fixed threshold.
type Patcher struct {
	cfg       Config
	scorer    Scorer
	threshold float64
}

// New validates the config up front so misconfiguration fails at
// construction, not per call.
func New(cfg Config, scorer Scorer) (*Patcher, error) {
	if cfg.MinSize < 1 {
		return nil, fmt.Errorf("%w: min patch size %d", ErrConfig, cfg.MinSize)
	}
	if cfg.MaxSize < cfg.MinSize {
		return nil, fmt.Errorf("%w: max patch size %d < min %d", ErrConfig, cfg.MaxSize, cfg.MinSize)
	}
	if scorer == nil {
		return nil, fmt.Errorf("%w: nil scorer", ErrConfig)
	}
	if a := cfg.Adaptive; a != nil {
		if a.Min > a.Max || a.StepUp <= 0 || a.StepDown <= 0 {
			return nil, fmt.Errorf("%w: adaptive bounds", ErrConfig)
		}
	}
	return &Patcher{cfg: cfg, scorer: scorer, threshold: cfg.Threshold}, nil
}

// Threshold returns the current split threshold.
func (p *Patcher) Threshold() float64 { return p.threshold }

// Config returns the patcher's configuration.
func (p *Patcher) Config() Config { return p.cfg }

// Boundaries segments ids into patches. The result starts at 0, ends at
// len(ids), and is strictly increasing. Every span is at most MaxSize
// long; spans shorter than MinSize only occur as the final partial
// patch.
func (p *Patcher) Boundaries(ids []int) ([]int, error) {
	n := len(ids)
	if n == 0 {
		return []int{0}, nil
	}

	scores, err := p.scorer.Scores(ids)
	if err != nil {
		return nil, err
	}
	bounds := make([]int, 1, n/p.cfg.MinSize+2)
	bounds[0] = 0

	start := 0
	for pos := 1; pos < n; pos++ {
		curLen := pos - start
		split := curLen >= p.cfg.MaxSize || (scores[pos] > p.threshold && curLen >= p.cfg.MinSize)
		if split {
			bounds = append(bounds, pos)
			start = pos
		}
		if p.cfg.Adaptive != nil {
			p.adjust(split)
		}
	}
	bounds = append(bounds, n)
	return bounds, nil
}

// adjust steps the threshold after one position. A split raises it, so
// runs of high-entropy input settle into longer patches; a quiet
// position lowers it back.
func (p *Patcher) adjust(split bool) {
	a := p.cfg.Adaptive
	if split {
		p.threshold = math.Min(p.threshold+a.StepUp, a.Max)
	} else {
		p.threshold = math.Max(p.threshold-a.StepDown, a.Min)
	}
}

// ValidateBounds checks the boundary invariants against a sequence of
// length n.
func ValidateBounds(bounds []int, n int) error {
	if len(bounds) < 1 || bounds[0] != 0 {
		return fmt.Errorf("%w: must start at 0", ErrBounds)
	}
	if bounds[len(bounds)-1] != n {
		return fmt.Errorf("%w: must end at %d", ErrBounds, n)
	}
	for i := 1; i < len(bounds); i++ {
		if bounds[i] <= bounds[i-1] {
			return fmt.Errorf("%w: not strictly increasing at %d", ErrBounds, i)
		}
	}
	return nil
}

// WindowScorer scores each position with the Shannon entropy, in bits,
// of the byte histogram over the preceding Window positions. The first
// position always scores zero.
type WindowScorer struct {
	Window int
}

func (s WindowScorer) Scores(ids []int) ([]float64, error) {
	w := s.Window
	if w < 1 {
		w = 1
	}
	scores := make([]float64, len(ids))
	var hist [256]int
	for i := range ids {
		if i == 0 {
			continue
		}
		lo := i - w
		if lo < 0 {
			lo = 0
		}
		for j := range hist {
			hist[j] = 0
		}
		total := 0
		for _, id := range ids[lo:i] {
			if id >= 0 && id < 256 {
				hist[id]++
				total++
			}
		}
		if total == 0 {
			continue
		}
		var h float64
		for _, c := range hist {
			if c == 0 {
				continue
			}
			p := float64(c) / float64(total)
			h -= p * math.Log2(p)
		}
		scores[i] = h
	}
	return scores, nil
}

// NextByteModel predicts logits over the byte vocabulary for the next
// position given a prefix.
type NextByteModel interface {
	NextLogits(prefix []int) ([]float32, error)
}

// PredictorScorer scores each position with the surprisal, in bits,
// the model assigns to the byte that actually occurs there.
type PredictorScorer struct {
	Model NextByteModel
}

func (s PredictorScorer) Scores(ids []int) ([]float64, error) {
	scores := make([]float64, len(ids))
	for i := 1; i < len(ids); i++ {
		logits, err := s.Model.NextLogits(ids[:i])
		if err != nil {
			return nil, err
		}
		if ids[i] < 0 || ids[i] >= len(logits) {
			continue
		}
		scores[i] = surprisal(logits, ids[i])
	}
	return scores, nil
}

func surprisal(logits []float32, id int) float64 {
	max := float64(logits[0])
	for _, v := range logits[1:] {
		if float64(v) > max {
			max = float64(v)
		}
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v) - max)
	}
	logp := float64(logits[id]) - max - math.Log(sum)
	return -logp / math.Ln2
}
