package recognition

import "math"

// DefaultThreshold is the similarity a candidate must exceed to match.
const DefaultThreshold = 0.7

// CosineSimilarity returns the cosine of the angle between a and b,
// clamped to [-1, 1]. Vectors of different length or zero norm score 0.
// The result is identical for (a, b) and (b, a).
func CosineSimilarity(a, b Embedding) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / math.Sqrt(normA*normB)
	if sim > 1 {
		return 1
	}
	if sim < -1 {
		return -1
	}
	return sim
}

// Match compares a candidate against one stored embedding. It matches iff
// the similarity is strictly greater than threshold.
func Match(candidate, stored Embedding, threshold float64) (bool, float64) {
	sim := CosineSimilarity(candidate, stored)
	return sim > threshold, sim
}

// MatchAny compares a candidate against all of a user's stored embeddings
// and reports the best similarity.
func MatchAny(candidate Embedding, stored []Embedding, threshold float64) (bool, float64) {
	if len(stored) == 0 {
		return false, 0
	}
	best := math.Inf(-1)
	for _, s := range stored {
		if sim := CosineSimilarity(candidate, s); sim > best {
			best = sim
		}
	}
	return best > threshold, best
}
