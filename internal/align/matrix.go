package align

import "math"

// CosineMatrix computes the cosine similarity matrix between event vectors
// (rows) and keyframe vectors (columns). Vectors are normalized in float64;
// a zero-norm vector has similarity 0 against everything rather than
// producing a division by zero.
func CosineMatrix(events, frames [][]float32) [][]float64 {
	normEvents := make([][]float64, len(events))
	for i, v := range events {
		normEvents[i] = normalize(v)
	}
	normFrames := make([][]float64, len(frames))
	for i, v := range frames {
		normFrames[i] = normalize(v)
	}

	s := make([][]float64, len(normEvents))
	for i, e := range normEvents {
		row := make([]float64, len(normFrames))
		for t, f := range normFrames {
			row[t] = dot(e, f)
		}
		s[i] = row
	}
	return s
}

// normalize returns v scaled to unit length, or all zeros when v has zero norm.
func normalize(v []float32) []float64 {
	out := make([]float64, len(v))
	var sum float64
	for i, x := range v {
		f := float64(x)
		out[i] = f
		sum += f * f
	}
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	for i := range out {
		out[i] /= norm
	}
	return out
}

func dot(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
