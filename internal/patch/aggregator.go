package patch

import (
	"fmt"

	"github.com/bytegraft/bytegraft/internal/tensor"
)

// Pooling selects how byte vectors within a patch collapse to one.
type Pooling string

const (
	PoolMean Pooling = "mean"
	PoolLast Pooling = "last"
	PoolMax  Pooling = "max"
)

// Aggregator pools byte representations into patch representations.
// The optional projection maps pooled vectors into the global model's
// hidden size.
type Aggregator struct {
	pool Pooling
	proj *tensor.Mat
}

// NewAggregator validates the pooling policy. proj may be nil when the
// encoder and global hidden sizes already match.
func NewAggregator(pool Pooling, proj *tensor.Mat) (*Aggregator, error) {
	switch pool {
	case PoolMean, PoolLast, PoolMax:
	default:
		return nil, fmt.Errorf("%w: unknown pooling %q", ErrConfig, pool)
	}
	return &Aggregator{pool: pool, proj: proj}, nil
}

// Pool returns the configured pooling policy.
func (a *Aggregator) Pool() Pooling { return a.pool }

// OutputDim returns the patch vector width for the given encoder width.
func (a *Aggregator) OutputDim(encDim int) int {
	if a.proj != nil {
		return a.proj.R
	}
	return encDim
}

// Aggregate produces one vector per span of bounds. It is a pure
// function of its inputs; a final short patch is pooled the same way
// as any other.
func (a *Aggregator) Aggregate(states [][]float32, bounds []int) ([][]float32, error) {
	if err := ValidateBounds(bounds, len(states)); err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, nil
	}

	dim := len(states[0])
	out := make([][]float32, len(bounds)-1)
	for i := 0; i < len(bounds)-1; i++ {
		lo, hi := bounds[i], bounds[i+1]
		pooled := make([]float32, dim)
		switch a.pool {
		case PoolLast:
			copy(pooled, states[hi-1])
		case PoolMax:
			copy(pooled, states[lo])
			for _, v := range states[lo+1 : hi] {
				for d, x := range v {
					if x > pooled[d] {
						pooled[d] = x
					}
				}
			}
		default: // mean
			for _, v := range states[lo:hi] {
				for d, x := range v {
					pooled[d] += x
				}
			}
			inv := 1.0 / float32(hi-lo)
			for d := range pooled {
				pooled[d] *= inv
			}
		}

		if a.proj != nil {
			projected := make([]float32, a.proj.R)
			tensor.MatVec(projected, a.proj, pooled)
			out[i] = projected
		} else {
			out[i] = pooled
		}
	}
	return out, nil
}
