package model

import (
	"errors"
	"math"
	"testing"

	"github.com/bytegraft/bytegraft/internal/bytetok"
)

func testConfig() Config {
	return Config{
		HiddenSize:      16,
		NumLayers:       3,
		NumHeads:        4,
		NumKVHeads:      2,
		FFNSize:         32,
		MaxSeqLen:       32,
		CrossAttnLayers: 2,
		PatchDim:        8,
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cases := []Config{
		{HiddenSize: 0, NumLayers: 1, NumHeads: 1, FFNSize: 4},
		{HiddenSize: 10, NumLayers: 1, NumHeads: 3, FFNSize: 4},
		{HiddenSize: 16, NumLayers: 1, NumHeads: 4, NumKVHeads: 3, FFNSize: 4},
		{HiddenSize: 16, NumLayers: 1, NumHeads: 4, FFNSize: 0},
		{HiddenSize: 16, NumLayers: 2, NumHeads: 4, FFNSize: 8, CrossAttnLayers: 3},
		{HiddenSize: 16, NumLayers: 2, NumHeads: 4, FFNSize: 8, CrossAttnLayers: 1, PatchDim: 0},
	}
	for i, cfg := range cases {
		if _, err := New(cfg, 1); !errors.Is(err, ErrConfig) {
			t.Errorf("case %d: expected ErrConfig, got %v", i, err)
		}
	}
}

func TestCrossLayersAreTrailing(t *testing.T) {
	d, err := New(testConfig(), 1)
	if err != nil {
		t.Fatal(err)
	}
	got := d.CrossLayers()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("CrossLayers = %v, want [1 2]", got)
	}
}

func TestForwardShapeAndDeterminism(t *testing.T) {
	ids := []int{bytetok.BOS, 104, 105, 33}
	run := func() []float32 {
		d, err := New(testConfig(), 11)
		if err != nil {
			t.Fatal(err)
		}
		logits, err := d.Forward(ids, nil)
		if err != nil {
			t.Fatal(err)
		}
		return logits
	}
	a, b := run(), run()
	if len(a) != bytetok.VocabSize {
		t.Fatalf("got %d logits, want %d", len(a), bytetok.VocabSize)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("logits differ at %d", i)
		}
	}
}

func TestZeroGatePatchesDoNotChangeLogits(t *testing.T) {
	// Freshly constructed adapters have zero gates, so conditioning on
	// patches must leave the decoder output bit-identical.
	d, err := New(testConfig(), 5)
	if err != nil {
		t.Fatal(err)
	}
	ids := []int{bytetok.BOS, 72, 105}
	patches := [][]float32{
		{1, 2, 3, 4, 5, 6, 7, 8},
		{-1, 0, 1, 0, -1, 0, 1, 0},
	}

	plain, err := d.Forward(ids, nil)
	if err != nil {
		t.Fatal(err)
	}
	patched, err := d.Forward(ids, patches)
	if err != nil {
		t.Fatal(err)
	}
	for i := range plain {
		if math.Float32bits(plain[i]) != math.Float32bits(patched[i]) {
			t.Fatalf("zero-gate patches changed logit %d: %v -> %v", i, plain[i], patched[i])
		}
	}
}

func TestOpenGatePatchesChangeLogits(t *testing.T) {
	d, err := New(testConfig(), 5)
	if err != nil {
		t.Fatal(err)
	}
	for i := range d.Layers {
		if d.Layers[i].Cross != nil {
			d.Layers[i].Cross.Gate = 1.0
		}
	}
	ids := []int{bytetok.BOS, 72, 105}
	patches := [][]float32{{1, 2, 3, 4, 5, 6, 7, 8}}

	plain, err := d.Forward(ids, nil)
	if err != nil {
		t.Fatal(err)
	}
	patched, err := d.Forward(ids, patches)
	if err != nil {
		t.Fatal(err)
	}
	changed := false
	for i := range plain {
		if plain[i] != patched[i] {
			changed = true
			break
		}
	}
	if !changed {
		t.Fatal("open gates had no effect on logits")
	}
}

func TestForwardStepMatchesFullForward(t *testing.T) {
	d, err := New(testConfig(), 21)
	if err != nil {
		t.Fatal(err)
	}
	ids := []int{bytetok.BOS, 65, 66, 67, 68}

	cache := d.NewCache(len(ids))
	var stepped []float32
	for _, id := range ids {
		stepped, err = d.ForwardStep(id, nil, cache)
		if err != nil {
			t.Fatal(err)
		}
	}

	full, err := d.Forward(ids, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := range full {
		if diff := math.Abs(float64(full[i] - stepped[i])); diff > 1e-5 {
			t.Fatalf("cached logit %d differs from full recompute by %v", i, diff)
		}
	}
	if cache.Len() != len(ids) {
		t.Fatalf("cache length = %d, want %d", cache.Len(), len(ids))
	}

	cache.Reset()
	if cache.Len() != 0 {
		t.Fatal("Reset did not clear the cache")
	}
}

func TestForwardRejectsBadInput(t *testing.T) {
	d, err := New(testConfig(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Forward(nil, nil); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for empty sequence, got %v", err)
	}
	if _, err := d.Forward([]int{bytetok.VocabSize}, nil); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for out-of-range id, got %v", err)
	}
	if _, err := d.Forward(make([]int, 33), nil); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for over-long sequence, got %v", err)
	}
}
