package encoder

import (
	"errors"
	"testing"

	"github.com/bytegraft/bytegraft/internal/bytetok"
)

func testConfig() Config {
	return Config{
		HiddenSize: 16,
		NumLayers:  2,
		NumHeads:   2,
		WindowSize: 4,
		FFNSize:    32,
		MaxSeqLen:  64,
	}
}

func TestForwardShapes(t *testing.T) {
	e, err := New(testConfig(), 1)
	if err != nil {
		t.Fatal(err)
	}
	ids := []int{104, 101, 108, 108, 111}
	out, err := e.Forward(ids)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(ids) {
		t.Fatalf("got %d vectors, want %d", len(out), len(ids))
	}
	for i, v := range out {
		if len(v) != 16 {
			t.Fatalf("vector %d has dim %d, want 16", i, len(v))
		}
	}
}

func TestForwardDeterministic(t *testing.T) {
	ids := []int{1, 2, 3, 200, 255, 0}
	mk := func() [][]float32 {
		e, err := New(testConfig(), 42)
		if err != nil {
			t.Fatal(err)
		}
		out, err := e.Forward(ids)
		if err != nil {
			t.Fatal(err)
		}
		return out
	}
	a, b := mk(), mk()
	for i := range a {
		for d := range a[i] {
			if a[i][d] != b[i][d] {
				t.Fatalf("outputs differ at [%d][%d]", i, d)
			}
		}
	}
}

func TestForwardCausal(t *testing.T) {
	// Representations must not depend on later bytes: running a prefix
	// must reproduce the full run's leading vectors exactly.
	e, err := New(testConfig(), 7)
	if err != nil {
		t.Fatal(err)
	}
	ids := []int{10, 20, 30, 40, 50, 60, 70, 80}
	full, err := e.Forward(ids)
	if err != nil {
		t.Fatal(err)
	}
	pre, err := e.Forward(ids[:5])
	if err != nil {
		t.Fatal(err)
	}
	for i := range pre {
		for d := range pre[i] {
			if full[i][d] != pre[i][d] {
				t.Fatalf("position %d depends on later bytes", i)
			}
		}
	}
}

func TestForwardRejectsBadInput(t *testing.T) {
	e, err := New(testConfig(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Forward([]int{bytetok.VocabSize}); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected error for out-of-range id, got %v", err)
	}
	if _, err := e.Forward(make([]int, 65)); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected error for over-long sequence, got %v", err)
	}
}

func TestForwardEmpty(t *testing.T) {
	e, err := New(testConfig(), 1)
	if err != nil {
		t.Fatal(err)
	}
	out, err := e.Forward(nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != nil {
		t.Fatalf("expected nil output for empty input, got %v", out)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cases := []Config{
		{HiddenSize: 0, NumLayers: 1, NumHeads: 1, WindowSize: 4, FFNSize: 8},
		{HiddenSize: 10, NumLayers: 1, NumHeads: 3, WindowSize: 4, FFNSize: 8},
		{HiddenSize: 8, NumLayers: 1, NumHeads: 2, WindowSize: 0, FFNSize: 8},
		{HiddenSize: 8, NumLayers: 1, NumHeads: 2, WindowSize: 4, FFNSize: 0},
		{HiddenSize: 8, NumLayers: 1, NumHeads: 2, WindowSize: 4, FFNSize: 8, HashNGrams: []int{3}},
	}
	for i, cfg := range cases {
		if _, err := New(cfg, 1); !errors.Is(err, ErrConfig) {
			t.Errorf("case %d: expected ErrConfig, got %v", i, err)
		}
	}
}

func TestNextLogits(t *testing.T) {
	e, err := New(testConfig(), 3)
	if err != nil {
		t.Fatal(err)
	}
	logits, err := e.NextLogits([]int{72, 105})
	if err != nil {
		t.Fatal(err)
	}
	if len(logits) != bytetok.VocabSize {
		t.Fatalf("got %d logits, want %d", len(logits), bytetok.VocabSize)
	}

	again, err := e.NextLogits([]int{72, 105})
	if err != nil {
		t.Fatal(err)
	}
	for i := range logits {
		if logits[i] != again[i] {
			t.Fatal("NextLogits not deterministic")
		}
	}
}

func TestNextLogitsForwardErrorPropagates(t *testing.T) {
	e, err := New(testConfig(), 3)
	if err != nil {
		t.Fatal(err)
	}
	// A prefix past the sequence limit must surface the error instead
	// of degrading into flat logits.
	long := make([]int, testConfig().MaxSeqLen+1)
	if _, err := e.NextLogits(long); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for over-long prefix, got %v", err)
	}
}

func TestHashNGramFeatures(t *testing.T) {
	cfg := testConfig()
	cfg.HashNGrams = []int{3}
	cfg.HashBuckets = 128
	e, err := New(cfg, 5)
	if err != nil {
		t.Fatal(err)
	}
	if e.NGram == nil {
		t.Fatal("expected n-gram table to be allocated")
	}

	out, err := e.Forward([]int{1, 2, 3, 4, 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 5 {
		t.Fatalf("got %d vectors, want 5", len(out))
	}

	for i := 0; i < 64; i++ {
		b := hashNGram([]int{i, i + 1, i + 2}, 128)
		if b < 0 || b >= 128 {
			t.Fatalf("bucket %d out of range", b)
		}
	}
	if hashNGram([]int{1, 2, 3}, 128) != hashNGram([]int{1, 2, 3}, 128) {
		t.Fatal("n-gram hash not deterministic")
	}
}
