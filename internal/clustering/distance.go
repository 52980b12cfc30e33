package clustering

import "math"

// CosineSimilarity computes the cosine similarity between two embedding vectors.
//
// Returns 0.0 for invalid inputs (empty vectors, zero-magnitude vectors,
// or vectors of different lengths).
func CosineSimilarity(vec1, vec2 []float32) float64 {
	if len(vec1) == 0 || len(vec2) == 0 {
		return 0.0
	}
	if len(vec1) != len(vec2) {
		return 0.0
	}

	var dotProduct float64
	var magnitude1 float64
	var magnitude2 float64

	for i := 0; i < len(vec1); i++ {
		v1 := float64(vec1[i])
		v2 := float64(vec2[i])
		dotProduct += v1 * v2
		magnitude1 += v1 * v1
		magnitude2 += v2 * v2
	}

	if magnitude1 == 0.0 || magnitude2 == 0.0 {
		return 0.0
	}

	return dotProduct / (math.Sqrt(magnitude1) * math.Sqrt(magnitude2))
}

// CosineDistance is 1 - CosineSimilarity, in the range [0, 2].
func CosineDistance(vec1, vec2 []float32) float64 {
	return 1.0 - CosineSimilarity(vec1, vec2)
}

// Centroid computes the average vector from a set of equal-length vectors.
func Centroid(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}

	vectorSize := len(vectors[0])
	sum := make([]float64, vectorSize)
	for _, vec := range vectors {
		for i := 0; i < vectorSize && i < len(vec); i++ {
			sum[i] += float64(vec[i])
		}
	}

	count := float64(len(vectors))
	centroid := make([]float32, vectorSize)
	for i := range sum {
		centroid[i] = float32(sum[i] / count)
	}
	return centroid
}

// normalized returns unit-length copies of vectors so pairwise cosine
// distance reduces to a dot product. Zero vectors stay zero.
func normalized(vectors [][]float32) [][]float64 {
	out := make([][]float64, len(vectors))
	for i, vec := range vectors {
		var mag float64
		for _, v := range vec {
			mag += float64(v) * float64(v)
		}
		unit := make([]float64, len(vec))
		if mag > 0 {
			mag = math.Sqrt(mag)
			for j, v := range vec {
				unit[j] = float64(v) / mag
			}
		}
		out[i] = unit
	}
	return out
}

// unitDistance is the cosine distance between two normalized vectors.
// A zero vector is at distance 1 from everything.
func unitDistance(a, b []float64) float64 {
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	d := 1.0 - dot
	if d < 0 {
		// rounding on near-identical vectors
		d = 0
	}
	return d
}
