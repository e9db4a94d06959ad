package tensor

import (
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a)
	i := 0
	for ; i+4 <= n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}
	return s0 + s1 + s2 + s3
}

// MatVec computes dst = w * x where w is [R x C] and x has length C.
// dst must have length R.
func MatVec(dst []float32, w *Mat, x []float32) {
	if len(x) < w.C {
		panic("matvec: input too short")
	}
	if len(dst) < w.R {
		panic("matvec: output too short")
	}
	for r := 0; r < w.R; r++ {
		off := r * w.Stride
		dst[r] = Dot(w.Data[off:off+w.C], x[:w.C])
	}
}

// RMSNorm performs root mean square normalization.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var sum float32
	for _, v := range src {
		sum += v * v
	}
	mean := sum / float32(len(src))
	scale := float32(1.0) / float32(math.Sqrt(float64(mean+eps)))
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}

// Softmax applies the softmax function to x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes the Sigmoid Linear Unit (SiLU) activation.
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// SiluAndMul applies SiLU to dst and multiplies by x element-wise,
// the gated half of a SwiGLU feed-forward.
func SiluAndMul(dst, x []float32) {
	for i := range dst {
		dst[i] = Silu(dst[i]) * x[i]
	}
}

// Tanh computes the hyperbolic tangent activation.
func Tanh(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

// ApplyRoPE applies rotary positional embeddings to x, laid out as nHead
// contiguous heads of headDim values. headDim must be even.
func ApplyRoPE(x []float32, nHead, headDim, pos int, invFreq []float64) {
	if headDim%2 != 0 {
		panic("headDim must be even for RoPE")
	}
	for h := 0; h < nHead; h++ {
		base := h * headDim
		for i := 0; i < headDim/2; i++ {
			angle := float64(pos) * invFreq[i]
			c := float32(math.Cos(angle))
			s := float32(math.Sin(angle))
			i0 := base + 2*i
			i1 := i0 + 1
			x0 := x[i0]
			x1 := x[i1]
			x[i0] = x0*c - x1*s
			x[i1] = x0*s + x1*c
		}
	}
}

// RopeInvFreq precomputes the inverse frequency table used by ApplyRoPE.
func RopeInvFreq(headDim int, base float64) []float64 {
	inv := make([]float64, headDim/2)
	for i := range inv {
		power := float64(2*i) / float64(headDim)
		inv[i] = 1.0 / math.Pow(base, power)
	}
	return inv
}

// HasNonFinite reports whether x contains a NaN or infinity.
func HasNonFinite(x []float32) bool {
	for _, v := range x {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}
