package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/engram-ai/engram/pkg/models"
)

func TestWeightsNormalize(t *testing.T) {
	w := Weights{Recency: 2, Importance: 2, Access: 2, Relevance: 2}.normalized()
	assert.InDelta(t, 0.25, w.Recency, 1e-9)
	assert.InDelta(t, 1.0, w.Recency+w.Importance+w.Access+w.Relevance, 1e-9)
}

func TestScoreFreshImportantMemoryRanksHigh(t *testing.T) {
	s := NewScorer()
	now := time.Now()

	fresh := &models.Memory{ImportanceScore: 0.9, AccessCount: 50, CreatedAt: now}
	stale := &models.Memory{ImportanceScore: 0.1, AccessCount: 0, CreatedAt: now.Add(-30 * 24 * time.Hour)}

	assert.Greater(t, s.Score(fresh, 0.9, now), s.Score(stale, 0.0, now))
}

func TestScoreClamped(t *testing.T) {
	s := NewScorer()
	now := time.Now()
	m := &models.Memory{ImportanceScore: 1.0, AccessCount: 100000, CreatedAt: now}
	score := s.Score(m, 1.0, now)
	assert.LessOrEqual(t, score, 1.0)
	assert.GreaterOrEqual(t, score, 0.0)
}

func TestNegativeSimilarityContributesNothing(t *testing.T) {
	s := NewScorer()
	now := time.Now()
	m := &models.Memory{CreatedAt: now.Add(-1000 * time.Hour)}

	withNeg := s.Score(m, -0.5, now)
	withZero := s.Score(m, 0, now)
	assert.Equal(t, withZero, withNeg)
}

func TestAdaptWeightsBoostsAndRenormalizes(t *testing.T) {
	s := NewScorer()
	before := s.Weights()

	s.AdaptWeights(Preferences{IsImportant: true})
	after := s.Weights()

	assert.Greater(t, after.Importance, before.Importance)
	assert.InDelta(t, 1.0, after.Recency+after.Importance+after.Access+after.Relevance, 1e-9)
}

func TestAdaptWeightsRecentHalvesLambda(t *testing.T) {
	s := NewScorer()
	lambdaBefore := s.lambda
	s.AdaptWeights(Preferences{IsRecent: true})
	assert.InDelta(t, lambdaBefore/2, s.lambda, 1e-12)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcdefg"))
	assert.Equal(t, 25, EstimateTokens(string(make([]byte, 100))))
}
