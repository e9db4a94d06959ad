package generate

import (
	"github.com/bytegraft/bytegraft/internal/logits"
	"github.com/bytegraft/bytegraft/internal/model"
)

// modelCache pairs the decoder's key/value cache with a high-water
// mark of how many ids it has absorbed.
type modelCache struct {
	cache *model.Cache
	fed   int
}

func (gen *Generator) newCache(maxSeq int) *modelCache {
	if maxSeq < 1 {
		maxSeq = gen.g.Dec.Cfg.MaxSeqLen
	}
	if maxSeq < 1 {
		maxSeq = 4096
	}
	return &modelCache{cache: gen.g.Dec.NewCache(maxSeq)}
}

// stepCached advances the cached decode. The byte front end still runs
// over the whole buffer so patch boundaries stay exact; only the
// decoder's self-attention reuses state.
func (gen *Generator) stepCached(ids []int, c *modelCache, s *logits.Sampler) (int, []int, error) {
	states, err := gen.g.Enc.Forward(ids)
	if err != nil {
		return 0, nil, err
	}
	bounds, err := gen.g.Patcher.Boundaries(ids)
	if err != nil {
		return 0, nil, err
	}
	patches, err := gen.g.Agg.Aggregate(states, bounds)
	if err != nil {
		return 0, nil, err
	}

	var lg []float32
	for c.fed < len(ids) {
		lg, err = gen.g.Dec.ForwardStep(ids[c.fed], patches, c.cache)
		if err != nil {
			return 0, nil, err
		}
		c.fed++
	}
	maskMarkers(lg)
	return s.Sample(lg), bounds, nil
}
