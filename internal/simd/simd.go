// Package simd holds the float32 inner loops shared by the projection,
// activation and attention kernels. Summation order is strictly left to
// right so results match a naive loop bit for bit.
package simd

import "math"

// Dot returns sum(a[i]*b[i]) over len(a). b must be at least as long as a.
func Dot(a, b []float32) float32 {
	b = b[:len(a)]
	var sum float32
	i := 0
	for ; i+4 <= len(a); i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// Axpy computes y += alpha*x over len(y).
func Axpy(alpha float32, x, y []float32) {
	x = x[:len(y)]
	for i, v := range x {
		y[i] += alpha * v
	}
}

// Silu is x * sigmoid(x).
func Silu(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}

// SwiGLU writes silu(gate[i])*up[i] into out. out may alias gate.
func SwiGLU(gate, up, out []float32) {
	n := len(out)
	gate, up = gate[:n], up[:n]
	for i := range out {
		out[i] = Silu(gate[i]) * up[i]
	}
}
