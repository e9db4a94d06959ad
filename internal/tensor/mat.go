package tensor

import (
	"math/rand"
)

// Mat is a dense row-major matrix of float32 values.
//
// R and C are the number of rows and columns. Stride is the number of
// elements between the starts of two consecutive rows; for freshly
// allocated matrices it equals C. Data holds the flattened values.
//
// Mat relies on Go's slice bounds checks for memory safety; out-of-range
// indices panic.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a zero-initialised matrix with the given dimensions.
func NewMat(r, c int) *Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return &Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// Row returns a view of the i-th row. Modifications through the returned
// slice update the matrix.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// RowTo copies the i-th row into dst. dst must have length >= C.
func (m *Mat) RowTo(dst []float32, i int) {
	if len(dst) < m.C {
		panic("row buffer too small")
	}
	copy(dst[:m.C], m.Row(i))
}

// FillRand fills the matrix with reproducible pseudo-random values in a
// small range around zero. The same seed always produces the same matrix.
func FillRand(m *Mat, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02 // roughly in (-0.01,0.01)
	}
}

// FillNormalTrunc fills the matrix with normal(0,std) values truncated to
// [-3*std, 3*std], the initialisation used for fresh projection heads.
func FillNormalTrunc(m *Mat, std float64, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		v := rng.NormFloat64() * std
		for v > 3*std || v < -3*std {
			v = rng.NormFloat64() * std
		}
		m.Data[i] = float32(v)
	}
}
