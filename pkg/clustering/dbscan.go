// Package clustering groups memories by embedding density. DBSCAN runs over
// cosine distance; incremental runs and merge/split maintenance keep the
// assignments healthy as the corpus grows.
package clustering

import (
	"github.com/engram-ai/engram/pkg/vectormath"
)

// Point is one clusterable memory.
type Point struct {
	ID     string
	Vector []float32
}

// Options tune a DBSCAN run.
type Options struct {
	Epsilon        float64 // neighborhood radius in cosine distance
	MinPoints      int     // density threshold for a core point
	MinClusterSize int     // clusters smaller than this are discarded
}

// DefaultOptions returns the standard parameters.
func DefaultOptions() Options {
	return Options{Epsilon: 0.3, MinPoints: 3, MinClusterSize: 2}
}

func (o Options) withDefaults() Options {
	if o.Epsilon <= 0 {
		o.Epsilon = 0.3
	}
	if o.MinPoints <= 0 {
		o.MinPoints = 3
	}
	if o.MinClusterSize <= 0 {
		o.MinClusterSize = 2
	}
	return o
}

// Result holds cluster assignments and the unassigned noise points.
type Result struct {
	// Clusters maps cluster id to member ids.
	Clusters map[int][]string
	// Noise lists point ids that belong to no cluster.
	Noise []string
	// assignments maps point index to cluster id, for silhouette.
	assignments map[int]int
	points      []Point
}

// Silhouette computes the mean silhouette coefficient of the run.
func (r *Result) Silhouette() float64 {
	vectors := make([][]float32, len(r.points))
	for i, p := range r.points {
		vectors[i] = p.Vector
	}
	return vectormath.Silhouette(vectors, r.assignments)
}

const (
	unvisited = 0
	noise     = -1
)

// DBSCAN clusters points by density over cosine distance. Cluster ids start
// at 1. Clusters below MinClusterSize are dissolved into noise.
func DBSCAN(points []Point, opts Options) *Result {
	opts = opts.withDefaults()
	n := len(points)
	labels := make([]int, n) // 0 unvisited, -1 noise, >0 cluster id

	nextCluster := 0
	for i := 0; i < n; i++ {
		if labels[i] != unvisited {
			continue
		}
		neighbors := regionQuery(points, i, opts.Epsilon)
		if len(neighbors) < opts.MinPoints {
			labels[i] = noise
			continue
		}
		nextCluster++
		expandCluster(points, labels, i, neighbors, nextCluster, opts)
	}

	// Dissolve undersized clusters.
	sizes := map[int]int{}
	for _, l := range labels {
		if l > 0 {
			sizes[l]++
		}
	}
	for i, l := range labels {
		if l > 0 && sizes[l] < opts.MinClusterSize {
			labels[i] = noise
		}
	}

	result := &Result{
		Clusters:    map[int][]string{},
		assignments: map[int]int{},
		points:      points,
	}
	for i, l := range labels {
		if l > 0 {
			result.Clusters[l] = append(result.Clusters[l], points[i].ID)
			result.assignments[i] = l
		} else {
			result.Noise = append(result.Noise, points[i].ID)
		}
	}
	return result
}

func expandCluster(points []Point, labels []int, idx int, neighbors []int, clusterID int, opts Options) {
	labels[idx] = clusterID
	queue := append([]int{}, neighbors...)
	for len(queue) > 0 {
		j := queue[0]
		queue = queue[1:]
		if labels[j] == noise {
			labels[j] = clusterID
		}
		if labels[j] != unvisited {
			continue
		}
		labels[j] = clusterID
		jNeighbors := regionQuery(points, j, opts.Epsilon)
		if len(jNeighbors) >= opts.MinPoints {
			queue = append(queue, jNeighbors...)
		}
	}
}

func regionQuery(points []Point, idx int, epsilon float64) []int {
	var neighbors []int
	for j := range points {
		if j == idx {
			continue
		}
		if vectormath.CosineDistance(points[idx].Vector, points[j].Vector) <= epsilon {
			neighbors = append(neighbors, j)
		}
	}
	return neighbors
}
