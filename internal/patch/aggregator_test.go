package patch

import (
	"errors"
	"math"
	"testing"

	"github.com/bytegraft/bytegraft/internal/tensor"
)

func TestAggregateMean(t *testing.T) {
	agg, err := NewAggregator(PoolMean, nil)
	if err != nil {
		t.Fatal(err)
	}
	states := [][]float32{
		{1, 2},
		{3, 4},
		{5, 6},
	}
	out, err := agg.Aggregate(states, []int{0, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d patches, want 2", len(out))
	}
	if out[0][0] != 2 || out[0][1] != 3 {
		t.Fatalf("mean patch = %v, want [2 3]", out[0])
	}
	if out[1][0] != 5 || out[1][1] != 6 {
		t.Fatalf("final patch = %v, want [5 6]", out[1])
	}
}

func TestAggregateLastSingletonIdentity(t *testing.T) {
	agg, err := NewAggregator(PoolLast, nil)
	if err != nil {
		t.Fatal(err)
	}
	states := [][]float32{{0.25, -1.5, 3.0}}
	out, err := agg.Aggregate(states, []int{0, 1})
	if err != nil {
		t.Fatal(err)
	}
	for d := range states[0] {
		if out[0][d] != states[0][d] {
			t.Fatalf("singleton patch = %v, want %v unchanged", out[0], states[0])
		}
	}
}

func TestAggregateMax(t *testing.T) {
	agg, err := NewAggregator(PoolMax, nil)
	if err != nil {
		t.Fatal(err)
	}
	states := [][]float32{
		{1, -5},
		{-2, 7},
		{0, 0},
	}
	out, err := agg.Aggregate(states, []int{0, 3})
	if err != nil {
		t.Fatal(err)
	}
	if out[0][0] != 1 || out[0][1] != 7 {
		t.Fatalf("max patch = %v, want [1 7]", out[0])
	}
}

func TestAggregateProjection(t *testing.T) {
	// 3x2 projection: dst = W * pooled.
	proj := tensor.NewMat(3, 2)
	copy(proj.Data, []float32{
		1, 0,
		0, 1,
		1, 1,
	})
	agg, err := NewAggregator(PoolLast, proj)
	if err != nil {
		t.Fatal(err)
	}
	if agg.OutputDim(2) != 3 {
		t.Fatalf("OutputDim = %d, want 3", agg.OutputDim(2))
	}

	out, err := agg.Aggregate([][]float32{{2, 5}}, []int{0, 1})
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{2, 5, 7}
	for d := range want {
		if math.Abs(float64(out[0][d]-want[d])) > 1e-6 {
			t.Fatalf("projected patch = %v, want %v", out[0], want)
		}
	}
}

func TestAggregateRejectsBadBounds(t *testing.T) {
	agg, err := NewAggregator(PoolMean, nil)
	if err != nil {
		t.Fatal(err)
	}
	states := [][]float32{{1}, {2}}
	if _, err := agg.Aggregate(states, []int{0, 5}); !errors.Is(err, ErrBounds) {
		t.Fatalf("expected ErrBounds, got %v", err)
	}
	if _, err := agg.Aggregate(states, []int{1, 2}); !errors.Is(err, ErrBounds) {
		t.Fatalf("expected ErrBounds, got %v", err)
	}
}

func TestNewAggregatorRejectsUnknownPooling(t *testing.T) {
	if _, err := NewAggregator(Pooling("attention"), nil); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestAggregateEmptySequence(t *testing.T) {
	agg, err := NewAggregator(PoolMean, nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := agg.Aggregate(nil, []int{0})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no patches, got %d", len(out))
	}
}
