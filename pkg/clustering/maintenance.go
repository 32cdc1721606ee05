package clustering

import (
	"sort"

	"github.com/engram-ai/engram/pkg/vectormath"
)

// Cluster is a materialized cluster with its member vectors.
type Cluster struct {
	ID      int
	Members []Point
}

// Centroid returns the mean vector of the cluster's members.
func (c *Cluster) Centroid() []float32 {
	vectors := make([][]float32, len(c.Members))
	for i, m := range c.Members {
		vectors[i] = m.Vector
	}
	return vectormath.Centroid(vectors)
}

// Coherence returns the mean pairwise cosine similarity of the members.
func (c *Cluster) Coherence() float64 {
	vectors := make([][]float32, len(c.Members))
	for i, m := range c.Members {
		vectors[i] = m.Vector
	}
	return vectormath.Coherence(vectors)
}

// MergeSimilarClusters folds clusters whose centroids are at least
// minSimilarity apart into the lower-numbered cluster. Returns the surviving
// clusters and a map of absorbed id to surviving id.
func MergeSimilarClusters(clusters []*Cluster, minSimilarity float64) ([]*Cluster, map[int]int) {
	sorted := append([]*Cluster{}, clusters...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	merged := map[int]int{}
	var out []*Cluster
	for _, c := range sorted {
		absorbed := false
		for _, kept := range out {
			sim := vectormath.CosineSimilarity(kept.Centroid(), c.Centroid())
			if sim >= minSimilarity {
				kept.Members = append(kept.Members, c.Members...)
				merged[c.ID] = kept.ID
				absorbed = true
				break
			}
		}
		if !absorbed {
			out = append(out, c)
		}
	}
	return out, merged
}

// SplitOptions tune SplitLargeClusters.
type SplitOptions struct {
	MaxSize      int     // clusters larger than this are candidates
	MinCoherence float64 // clusters at or above this coherence are left alone
	Epsilon      float64 // tighter epsilon for the re-run
	MinPoints    int
}

// DefaultSplitOptions returns the standard split parameters.
func DefaultSplitOptions() SplitOptions {
	return SplitOptions{MaxSize: 100, MinCoherence: 0.5, Epsilon: 0.2, MinPoints: 3}
}

// SplitLargeClusters re-clusters oversized, low-coherence clusters with a
// tighter epsilon. Sub-clusters get ids derived from the parent
// (parent*1000+k); members falling to noise stay in the parent.
func SplitLargeClusters(clusters []*Cluster, opts SplitOptions) []*Cluster {
	var out []*Cluster
	for _, c := range clusters {
		if len(c.Members) <= opts.MaxSize || c.Coherence() >= opts.MinCoherence {
			out = append(out, c)
			continue
		}
		sub := DBSCAN(c.Members, Options{Epsilon: opts.Epsilon, MinPoints: opts.MinPoints, MinClusterSize: 2})
		if len(sub.Clusters) < 2 {
			out = append(out, c)
			continue
		}

		byID := make(map[string]Point, len(c.Members))
		for _, m := range c.Members {
			byID[m.ID] = m
		}

		ids := make([]int, 0, len(sub.Clusters))
		for cid := range sub.Clusters {
			ids = append(ids, cid)
		}
		sort.Ints(ids)

		k := 0
		for _, cid := range ids {
			k++
			child := &Cluster{ID: c.ID*1000 + k}
			for _, id := range sub.Clusters[cid] {
				child.Members = append(child.Members, byID[id])
			}
			out = append(out, child)
		}
		if len(sub.Noise) > 0 {
			remainder := &Cluster{ID: c.ID}
			for _, id := range sub.Noise {
				remainder.Members = append(remainder.Members, byID[id])
			}
			out = append(out, remainder)
		}
	}
	return out
}
