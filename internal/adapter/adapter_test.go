package adapter

import (
	"errors"
	"math"
	"testing"
)

func testConfig() Config {
	return Config{HiddenSize: 8, NumHeads: 2, PatchDim: 4}
}

func TestZeroGateIsIdentity(t *testing.T) {
	c, err := New(testConfig(), 1)
	if err != nil {
		t.Fatal(err)
	}
	s := NewScratch(testConfig())

	patches := [][]float32{
		{1, 2, 3, 4},
		{-1, 0.5, 0, 2},
	}
	if err := c.ProjectPatches(patches, s); err != nil {
		t.Fatal(err)
	}

	hidden := []float32{0.1, -0.2, 0.3, -0.4, 0.5, -0.6, 0.7, -0.8}
	before := make([]float32, len(hidden))
	copy(before, hidden)

	if err := c.Apply(hidden, len(patches), s); err != nil {
		t.Fatal(err)
	}
	for d := range hidden {
		if math.Float32bits(hidden[d]) != math.Float32bits(before[d]) {
			t.Fatalf("zero-gate adapter changed hidden[%d]: %v -> %v", d, before[d], hidden[d])
		}
	}
}

func TestNonZeroGateChangesHidden(t *testing.T) {
	c, err := New(testConfig(), 1)
	if err != nil {
		t.Fatal(err)
	}
	c.Gate = 1.0
	s := NewScratch(testConfig())

	patches := [][]float32{{1, 2, 3, 4}}
	if err := c.ProjectPatches(patches, s); err != nil {
		t.Fatal(err)
	}

	hidden := []float32{1, 1, 1, 1, 1, 1, 1, 1}
	before := make([]float32, len(hidden))
	copy(before, hidden)

	if err := c.Apply(hidden, 1, s); err != nil {
		t.Fatal(err)
	}
	changed := false
	for d := range hidden {
		if hidden[d] != before[d] {
			changed = true
		}
	}
	if !changed {
		t.Fatal("open-gate adapter left hidden unchanged")
	}
}

func TestApplyNoPatchesIsNoop(t *testing.T) {
	c, err := New(testConfig(), 1)
	if err != nil {
		t.Fatal(err)
	}
	c.Gate = 2.0
	s := NewScratch(testConfig())

	hidden := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	before := make([]float32, len(hidden))
	copy(before, hidden)

	if err := c.Apply(hidden, 0, s); err != nil {
		t.Fatal(err)
	}
	for d := range hidden {
		if hidden[d] != before[d] {
			t.Fatal("empty patch set must not change hidden state")
		}
	}
}

func TestApplyDeterministic(t *testing.T) {
	run := func() []float32 {
		c, err := New(testConfig(), 9)
		if err != nil {
			t.Fatal(err)
		}
		c.Gate = 0.5
		s := NewScratch(testConfig())
		patches := [][]float32{{0.1, 0.2, 0.3, 0.4}, {1, -1, 1, -1}}
		if err := c.ProjectPatches(patches, s); err != nil {
			t.Fatal(err)
		}
		hidden := []float32{1, 0, -1, 0.5, 2, -2, 0.25, 0}
		if err := c.Apply(hidden, 2, s); err != nil {
			t.Fatal(err)
		}
		return hidden
	}
	a, b := run(), run()
	for d := range a {
		if a[d] != b[d] {
			t.Fatalf("non-deterministic output at %d", d)
		}
	}
}

func TestProjectPatchesRejectsBadDim(t *testing.T) {
	c, err := New(testConfig(), 1)
	if err != nil {
		t.Fatal(err)
	}
	s := NewScratch(testConfig())
	if err := c.ProjectPatches([][]float32{{1, 2}}, s); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for wrong patch dim, got %v", err)
	}
}

func TestApplyDetectsNonFinite(t *testing.T) {
	c, err := New(testConfig(), 1)
	if err != nil {
		t.Fatal(err)
	}
	c.Gate = 1.0
	s := NewScratch(testConfig())
	if err := c.ProjectPatches([][]float32{{1, 2, 3, 4}}, s); err != nil {
		t.Fatal(err)
	}

	hidden := []float32{float32(math.NaN()), 0, 0, 0, 0, 0, 0, 0}
	if err := c.Apply(hidden, 1, s); !errors.Is(err, ErrNonFinite) {
		t.Fatalf("expected ErrNonFinite, got %v", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cases := []Config{
		{HiddenSize: 0, NumHeads: 1, PatchDim: 4},
		{HiddenSize: 10, NumHeads: 3, PatchDim: 4},
		{HiddenSize: 8, NumHeads: 2, PatchDim: 0},
	}
	for i, cfg := range cases {
		if _, err := New(cfg, 1); !errors.Is(err, ErrConfig) {
			t.Errorf("case %d: expected ErrConfig, got %v", i, err)
		}
	}
}
