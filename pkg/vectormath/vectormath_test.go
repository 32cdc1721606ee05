package vectormath

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
}

func TestCosineDistanceZeroNorm(t *testing.T) {
	assert.Equal(t, 1.0, CosineDistance([]float32{0, 0}, []float32{1, 0}))
	assert.Equal(t, 1.0, CosineDistance(nil, []float32{1, 0}))
	assert.Equal(t, 1.0, CosineDistance([]float32{1}, []float32{1, 0}))
}

func TestCentroid(t *testing.T) {
	c := Centroid([][]float32{{1, 0}, {3, 2}})
	assert.Equal(t, []float32{2, 1}, c)
	assert.Nil(t, Centroid(nil))
}

func TestCoherence(t *testing.T) {
	assert.Equal(t, 1.0, Coherence([][]float32{{1, 0}}))

	identical := [][]float32{{1, 0}, {1, 0}, {1, 0}}
	assert.InDelta(t, 1.0, Coherence(identical), 1e-9)

	orthogonal := [][]float32{{1, 0}, {0, 1}}
	assert.InDelta(t, 0.0, Coherence(orthogonal), 1e-9)
}

func TestSilhouetteTwoTightClusters(t *testing.T) {
	vectors := [][]float32{
		{1, 0.01}, {1, 0.02}, {1, 0.03},
		{0.01, 1}, {0.02, 1}, {0.03, 1},
	}
	assignments := map[int]int{0: 0, 1: 0, 2: 0, 3: 1, 4: 1, 5: 1}
	s := Silhouette(vectors, assignments)
	assert.Greater(t, s, 0.5)
}

func TestSilhouetteSingletonSkipped(t *testing.T) {
	vectors := [][]float32{{1, 0}, {0, 1}}
	assignments := map[int]int{0: 0, 1: 1}
	assert.Equal(t, 0.0, Silhouette(vectors, assignments))
}
