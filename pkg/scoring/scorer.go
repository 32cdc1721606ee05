// Package scoring ranks memories for the context window by combining
// recency, importance, access frequency, and query relevance.
package scoring

import (
	"math"
	"time"

	"github.com/engram-ai/engram/pkg/models"
)

// Weights blend the four scoring components. They are normalized to sum
// to 1 before use.
type Weights struct {
	Recency    float64 `json:"recency"`
	Importance float64 `json:"importance"`
	Access     float64 `json:"access"`
	Relevance  float64 `json:"relevance"`
}

// DefaultWeights returns the standard blend.
func DefaultWeights() Weights {
	return Weights{Recency: 0.3, Importance: 0.3, Access: 0.2, Relevance: 0.2}
}

func (w Weights) normalized() Weights {
	sum := w.Recency + w.Importance + w.Access + w.Relevance
	if sum == 0 {
		return DefaultWeights()
	}
	return Weights{
		Recency:    w.Recency / sum,
		Importance: w.Importance / sum,
		Access:     w.Access / sum,
		Relevance:  w.Relevance / sum,
	}
}

// Preferences select which components AdaptWeights boosts.
type Preferences struct {
	IsRecent    bool
	IsImportant bool
	IsFrequent  bool
	IsRelevant  bool
}

// Scorer computes blended scores for memories.
type Scorer struct {
	weights Weights
	// lambda controls recency falloff per hour.
	lambda float64
	// maxAccess normalizes the access component.
	maxAccess int
}

// NewScorer creates a scorer with the default weights and lambda 0.1.
func NewScorer() *Scorer {
	return &Scorer{weights: DefaultWeights(), lambda: 0.1, maxAccess: 100}
}

// Weights returns the current normalized weights.
func (s *Scorer) Weights() Weights { return s.weights.normalized() }

// Score computes the blended score for a memory against an optional query
// similarity in [-1, 1].
func (s *Scorer) Score(m *models.Memory, similarity float64, now time.Time) float64 {
	w := s.weights.normalized()

	ageHours := now.Sub(m.LastAccess()).Hours()
	recency := clamp01(math.Exp(-s.lambda * ageHours))

	access := math.Log(float64(m.AccessCount)+1) / math.Log(float64(s.maxAccess)+1)
	access = clamp01(access)

	relevance := math.Pow(math.Max(0, similarity), 0.7)

	score := w.Recency*recency +
		w.Importance*clamp01(m.ImportanceScore) +
		w.Access*access +
		w.Relevance*relevance
	return clamp01(score)
}

// AdaptWeights boosts the preferred components by 1.5x (and halves the
// recency falloff when recency is preferred), then renormalizes.
func (s *Scorer) AdaptWeights(prefs Preferences) {
	if prefs.IsRecent {
		s.weights.Recency *= 1.5
		s.lambda /= 2
	}
	if prefs.IsImportant {
		s.weights.Importance *= 1.5
	}
	if prefs.IsFrequent {
		s.weights.Access *= 1.5
	}
	if prefs.IsRelevant {
		s.weights.Relevance *= 1.5
	}
	s.weights = s.weights.normalized()
}

// EstimateTokens approximates the token footprint of text.
func EstimateTokens(text string) int {
	return int(math.Ceil(float64(len(text)) / 4))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
