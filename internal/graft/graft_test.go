package graft

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/bytegraft/bytegraft/internal/bytetok"
	"github.com/bytegraft/bytegraft/internal/patch"
	"github.com/bytegraft/bytegraft/internal/safetensors"
)

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.Encoder.HiddenSize = 16
	cfg.Encoder.NumLayers = 1
	cfg.Encoder.NumHeads = 2
	cfg.Encoder.FFNSize = 32
	cfg.Encoder.MaxSeqLen = 64
	cfg.Decoder.HiddenSize = 16
	cfg.Decoder.NumLayers = 2
	cfg.Decoder.NumHeads = 2
	cfg.Decoder.NumKVHeads = 1
	cfg.Decoder.FFNSize = 32
	cfg.Decoder.MaxSeqLen = 64
	cfg.Decoder.CrossAttnLayers = 1
	cfg.Seed = 3
	return cfg
}

func TestForwardPipeline(t *testing.T) {
	g, err := New(smallConfig())
	if err != nil {
		t.Fatal(err)
	}

	ids, err := g.Tok.Encode("hello")
	if err != nil {
		t.Fatal(err)
	}
	logits, bounds, err := g.Forward(ids)
	if err != nil {
		t.Fatal(err)
	}
	if len(logits) != bytetok.VocabSize {
		t.Fatalf("got %d logits, want %d", len(logits), bytetok.VocabSize)
	}
	if err := patch.ValidateBounds(bounds, len(ids)); err != nil {
		t.Fatalf("invalid boundaries %v: %v", bounds, err)
	}
}

func TestForwardDeterministic(t *testing.T) {
	run := func() []float32 {
		g, err := New(smallConfig())
		if err != nil {
			t.Fatal(err)
		}
		logits, _, err := g.Forward([]int{bytetok.BOS, 104, 105})
		if err != nil {
			t.Fatal(err)
		}
		return logits
	}
	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("pipeline not deterministic at logit %d", i)
		}
	}
}

func TestProjectionWhenWidthsDiffer(t *testing.T) {
	cfg := smallConfig()
	cfg.Decoder.PatchDim = 24
	g, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if g.proj == nil {
		t.Fatal("expected a patch projection for differing widths")
	}
	if _, _, err := g.Forward([]int{1, 2, 3, 4, 5}); err != nil {
		t.Fatal(err)
	}

	found := false
	for _, p := range g.NewParams() {
		if p.Name == projName {
			found = true
		}
	}
	if !found {
		t.Fatal("patch projection missing from new params")
	}
}

func TestPredictorScorerOption(t *testing.T) {
	cfg := smallConfig()
	cfg.Scorer = ScorerPredictor
	g, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	_, bounds, err := g.Forward([]int{10, 20, 30, 40, 50, 60})
	if err != nil {
		t.Fatal(err)
	}
	if err := patch.ValidateBounds(bounds, 6); err != nil {
		t.Fatal(err)
	}
}

func TestNewRejectsUnknownScorer(t *testing.T) {
	cfg := smallConfig()
	cfg.Scorer = "oracle"
	if _, err := New(cfg); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestAdapterSaveLoadRoundTrip(t *testing.T) {
	cfg := smallConfig()
	src, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	for i := range src.Dec.Layers {
		if src.Dec.Layers[i].Cross != nil {
			src.Dec.Layers[i].Cross.Gate = 0.5
		}
	}

	path := filepath.Join(t.TempDir(), "adapter.safetensors")
	if err := src.SaveAdapter(path); err != nil {
		t.Fatal(err)
	}

	cfg.Seed = 99
	dst, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	f, err := safetensors.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	rep, err := dst.Load(f, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Skipped) != 0 {
		t.Fatalf("unexpected skipped tensors: %v", rep.Skipped)
	}
	// Inherited decoder weights were not in the adapter file.
	if len(rep.Missing) == 0 {
		t.Fatal("expected inherited tensors to be reported missing")
	}

	for i := range dst.Dec.Layers {
		if c := dst.Dec.Layers[i].Cross; c != nil && c.Gate != 0.5 {
			t.Fatalf("gate not restored: %v", c.Gate)
		}
	}

	// Byte tables must match the source exactly after the load.
	for i, v := range src.Dec.ByteEmbed.Data {
		if dst.Dec.ByteEmbed.Data[i] != v {
			t.Fatal("byte embedding not restored")
		}
	}
	for i, v := range src.Enc.Embed.Data {
		if dst.Enc.Embed.Data[i] != v {
			t.Fatal("encoder embedding not restored")
		}
	}
}
