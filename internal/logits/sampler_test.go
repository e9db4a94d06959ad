package logits

import "testing"

// TestSamplerDeterminism ensures that two samplers configured identically
// produce identical results when sampling the same logits vector.
func TestSamplerDeterminism(t *testing.T) {
	logs := []float32{0, 1, 2, 3, 4, 5}
	s1 := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4})
	s2 := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4})
	for i := 0; i < 16; i++ {
		a := s1.Sample(logs)
		b := s2.Sample(logs)
		if a != b {
			t.Fatalf("expected deterministic sample at draw %d, got %d vs %d", i, a, b)
		}
	}
}

// TestSamplerGreedy tests that temperature <= 0 returns the argmax.
func TestSamplerGreedy(t *testing.T) {
	logs := []float32{-1, 5, 3, 7, 2}
	s := NewSampler(SamplerConfig{Seed: 99, Temperature: 0, TopK: 5})
	if !s.Greedy() {
		t.Fatal("temperature 0 should be greedy")
	}
	for i := 0; i < 4; i++ {
		if idx := s.Sample(logs); idx != 3 {
			t.Fatalf("expected greedy index 3, got %d", idx)
		}
	}
}

// TestSamplerTopKRestricts ensures samples only come from the k largest
// logits.
func TestSamplerTopKRestricts(t *testing.T) {
	logs := []float32{10, 9, -100, -100, -100}
	s := NewSampler(SamplerConfig{Seed: 7, Temperature: 1.0, TopK: 2})
	for i := 0; i < 64; i++ {
		idx := s.Sample(logs)
		if idx != 0 && idx != 1 {
			t.Fatalf("top-k sampling returned excluded index %d", idx)
		}
	}
}
