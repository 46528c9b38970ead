// Package vector holds the float32 math shared by routing, splitting and
// scoring. Similarity is cosine throughout the index.
package vector

import (
	"math"
	"slices"
)

// Dot calculates the dot product of two vectors of equal length.
func Dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float32 {
	return float32(math.Sqrt(float64(Dot(v, v))))
}

// Cosine returns the cosine similarity of a and b, 0 when either is the zero
// vector or the lengths differ.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// SquaredL2 returns the squared euclidean distance.
func SquaredL2(a, b []float32) float32 {
	var s float32
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}

// NormalizeInPlace L2-normalizes v. Returns false for the zero vector.
func NormalizeInPlace(v []float32) bool {
	n := Norm(v)
	if n == 0 {
		return false
	}
	inv := 1 / n
	for i := range v {
		v[i] *= inv
	}
	return true
}

// Mean returns the component-wise mean of vs, nil for an empty input.
func Mean(vs [][]float32) []float32 {
	if len(vs) == 0 {
		return nil
	}
	out := make([]float32, len(vs[0]))
	for _, v := range vs {
		for i := range out {
			out[i] += v[i]
		}
	}
	inv := 1 / float32(len(vs))
	for i := range out {
		out[i] *= inv
	}
	return out
}

// AddToMean folds v into mean, where mean covered n-1 vectors and now
// covers n.
func AddToMean(mean, v []float32, n int) {
	if n <= 1 {
		copy(mean, v)
		return
	}
	inv := 1 / float32(n)
	for i := range mean {
		mean[i] += (v[i] - mean[i]) * inv
	}
}

// RemoveFromMean takes v out of mean, where mean covered n vectors and now
// covers n-1. The mean is left untouched when nothing remains.
func RemoveFromMean(mean, v []float32, n int) {
	if n <= 1 {
		return
	}
	rest := float32(n - 1)
	for i := range mean {
		mean[i] = (mean[i]*float32(n) - v[i]) / rest
	}
}

// Clone returns a copy of v.
func Clone(v []float32) []float32 {
	return slices.Clone(v)
}
