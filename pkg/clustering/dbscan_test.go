package clustering

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clusterAround builds n near-duplicates of a base direction with a small
// deterministic wobble, small enough to stay inside epsilon 0.3.
func clusterAround(prefix string, base []float32, n int) []Point {
	points := make([]Point, 0, n)
	for i := 0; i < n; i++ {
		vec := make([]float32, len(base))
		copy(vec, base)
		vec[i%len(base)] += 0.05 * float32(i%3)
		points = append(points, Point{ID: fmt.Sprintf("%s-%d", prefix, i), Vector: normalize(vec)})
	}
	return points
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

func TestDBSCANFindsTwoDenseClusters(t *testing.T) {
	points := clusterAround("a", []float32{1, 0, 0, 0}, 5)
	points = append(points, clusterAround("b", []float32{0, 1, 0, 0}, 5)...)
	points = append(points,
		Point{ID: "outlier-1", Vector: normalize([]float32{1, 1, 1, 1})},
		Point{ID: "outlier-2", Vector: normalize([]float32{-1, 0.2, 0.4, 0})},
	)

	result := DBSCAN(points, DefaultOptions())

	require.Len(t, result.Clusters, 2)
	assert.NotEmpty(t, result.Noise)
	assert.Greater(t, result.Silhouette(), 0.0)
}

func TestDBSCANSparsePointsAllNoise(t *testing.T) {
	points := []Point{
		{ID: "x", Vector: normalize([]float32{1, 0, 0, 0})},
		{ID: "y", Vector: normalize([]float32{0, 1, 0, 0})},
		{ID: "z", Vector: normalize([]float32{0, 0, 1, 0})},
	}
	result := DBSCAN(points, DefaultOptions())
	assert.Empty(t, result.Clusters)
	assert.Len(t, result.Noise, 3)
}

func TestDBSCANDissolvesUndersizedClusters(t *testing.T) {
	points := clusterAround("a", []float32{1, 0, 0, 0}, 5)
	result := DBSCAN(points, Options{Epsilon: 0.3, MinPoints: 3, MinClusterSize: 10})
	assert.Empty(t, result.Clusters)
	assert.Len(t, result.Noise, 5)
}

func TestIncrementalKeepsExistingClusterID(t *testing.T) {
	existingPoints := clusterAround("a", []float32{1, 0, 0, 0}, 5)
	existing := map[string][]float32{}
	assignments := map[string]int{}
	for _, p := range existingPoints {
		existing[p.ID] = p.Vector
		assignments[p.ID] = 7
	}

	fresh := clusterAround("new", []float32{1, 0.05, 0, 0}, 3)
	out := Incremental(existing, assignments, fresh, DefaultOptions())

	require.Len(t, out, 3)
	for _, a := range out {
		assert.Equal(t, 7, a.ClusterID)
	}
}

func TestIncrementalAllocatesNewClusterAboveMax(t *testing.T) {
	existingPoints := clusterAround("a", []float32{1, 0, 0, 0}, 5)
	existing := map[string][]float32{}
	assignments := map[string]int{}
	for _, p := range existingPoints {
		existing[p.ID] = p.Vector
		assignments[p.ID] = 3
	}

	fresh := clusterAround("new", []float32{0, 1, 0, 0}, 5)
	out := Incremental(existing, assignments, fresh, DefaultOptions())

	require.Len(t, out, 5)
	for _, a := range out {
		assert.Equal(t, 4, a.ClusterID)
	}
}

func TestIncrementalNoiseGetsZero(t *testing.T) {
	fresh := []Point{{ID: "lonely", Vector: normalize([]float32{1, 0, 0, 0})}}
	out := Incremental(nil, nil, fresh, DefaultOptions())
	require.Len(t, out, 1)
	assert.Equal(t, 0, out[0].ClusterID)
}

func TestMergeSimilarClusters(t *testing.T) {
	near := &Cluster{ID: 1, Members: clusterAround("a", []float32{1, 0, 0, 0}, 4)}
	twin := &Cluster{ID: 2, Members: clusterAround("b", []float32{1, 0.02, 0, 0}, 4)}
	far := &Cluster{ID: 3, Members: clusterAround("c", []float32{0, 1, 0, 0}, 4)}

	out, merged := MergeSimilarClusters([]*Cluster{near, twin, far}, 0.8)

	require.Len(t, out, 2)
	assert.Equal(t, 1, merged[2])
	assert.Equal(t, 1, out[0].ID)
	assert.Len(t, out[0].Members, 8)
}

func TestSplitLargeClusters(t *testing.T) {
	// One oversized, incoherent cluster made of two tight groups.
	members := clusterAround("a", []float32{1, 0, 0, 0}, 60)
	members = append(members, clusterAround("b", []float32{0, 1, 0, 0}, 60)...)
	parent := &Cluster{ID: 5, Members: members}

	out := SplitLargeClusters([]*Cluster{parent}, DefaultSplitOptions())

	require.GreaterOrEqual(t, len(out), 2)
	ids := map[int]bool{}
	for _, c := range out {
		ids[c.ID] = true
	}
	assert.True(t, ids[5001])
	assert.True(t, ids[5002])
}

func TestSplitLeavesCoherentClustersAlone(t *testing.T) {
	parent := &Cluster{ID: 9, Members: clusterAround("a", []float32{1, 0, 0, 0}, 120)}
	out := SplitLargeClusters([]*Cluster{parent}, DefaultSplitOptions())
	require.Len(t, out, 1)
	assert.Equal(t, 9, out[0].ID)
}
