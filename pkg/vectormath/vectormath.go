// Package vectormath implements the distance and cluster-quality primitives
// used by search, clustering, and consolidation.
package vectormath

import "math"

// CosineSimilarity returns the cosine of the angle between a and b. When
// either vector has zero norm the similarity is 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// CosineDistance is 1 - similarity. Zero-norm inputs are treated as
// maximally distant.
func CosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 1
	}
	var normA, normB float64
	for i := range a {
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - CosineSimilarity(a, b)
}

// Centroid returns the per-dimension arithmetic mean of the vectors. An
// empty input yields nil.
func Centroid(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	for _, v := range vectors {
		for i := 0; i < dim && i < len(v); i++ {
			sum[i] += float64(v[i])
		}
	}
	out := make([]float32, dim)
	n := float64(len(vectors))
	for i := range sum {
		out[i] = float32(sum[i] / n)
	}
	return out
}

// Coherence is the mean pairwise cosine similarity of a set. Sets with
// fewer than two members are perfectly coherent.
func Coherence(vectors [][]float32) float64 {
	if len(vectors) < 2 {
		return 1
	}
	var total float64
	var pairs int
	for i := 0; i < len(vectors); i++ {
		for j := i + 1; j < len(vectors); j++ {
			total += CosineSimilarity(vectors[i], vectors[j])
			pairs++
		}
	}
	return total / float64(pairs)
}

// Silhouette computes the mean silhouette coefficient over all points that
// belong to a cluster with at least two members. assignments maps point
// index to cluster id; points without an assignment (noise) are skipped.
func Silhouette(vectors [][]float32, assignments map[int]int) float64 {
	clusters := make(map[int][]int)
	for idx, cid := range assignments {
		clusters[cid] = append(clusters[cid], idx)
	}

	var total float64
	var counted int
	for idx, cid := range assignments {
		members := clusters[cid]
		if len(members) < 2 {
			continue
		}

		// a: mean distance to the rest of the own cluster.
		var intra float64
		for _, other := range members {
			if other == idx {
				continue
			}
			intra += CosineDistance(vectors[idx], vectors[other])
		}
		a := intra / float64(len(members)-1)

		// b: mean distance to the nearest other cluster.
		b := math.Inf(1)
		for otherID, otherMembers := range clusters {
			if otherID == cid || len(otherMembers) == 0 {
				continue
			}
			var inter float64
			for _, other := range otherMembers {
				inter += CosineDistance(vectors[idx], vectors[other])
			}
			if mean := inter / float64(len(otherMembers)); mean < b {
				b = mean
			}
		}
		if math.IsInf(b, 1) {
			continue
		}

		if max := math.Max(a, b); max > 0 {
			total += (b - a) / max
		}
		counted++
	}
	if counted == 0 {
		return 0
	}
	return total / float64(counted)
}
