package contextwindow

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-ai/engram/pkg/compression"
	"github.com/engram-ai/engram/pkg/models"
	"github.com/engram-ai/engram/pkg/scoring"
)

func newMemory(id, text string, importance float64, createdAt time.Time) *models.Memory {
	content, _ := models.NewJSONValue(text)
	return &models.Memory{
		ID:              id,
		Content:         content,
		Type:            models.MemoryTypeFact,
		ImportanceScore: importance,
		CreatedAt:       createdAt,
	}
}

func newTestManager(opts Options) *Manager {
	return NewManager(scoring.NewScorer(), compression.New(0.3, 10, nil), opts, nil)
}

func TestAddAndWindowOrderedByScore(t *testing.T) {
	m := newTestManager(DefaultOptions())
	now := time.Now()

	m.Add("u1", newMemory("low", "minor note", 0.1, now.Add(-100*time.Hour)), 0.1)
	m.Add("u1", newMemory("high", "key decision", 0.9, now), 0.9)

	window := m.Window("u1")
	require.Len(t, window, 2)
	assert.Equal(t, "high", window[0].Memory.ID)
}

func TestAddReplacesExistingEntry(t *testing.T) {
	m := newTestManager(DefaultOptions())
	now := time.Now()

	m.Add("u1", newMemory("m1", "first version", 0.5, now), 0.5)
	m.Add("u1", newMemory("m1", "second version", 0.5, now), 0.5)

	assert.Len(t, m.Window("u1"), 1)
}

func TestEvictsLowestScoreAtCapacity(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxWindowSize = 3
	m := newTestManager(opts)
	now := time.Now()

	m.Add("u1", newMemory("weak", "forgettable", 0.0, now.Add(-500*time.Hour)), 0.0)
	for i := 0; i < 3; i++ {
		m.Add("u1", newMemory(fmt.Sprintf("strong-%d", i), "matters", 0.9, now), 0.9)
	}

	window := m.Window("u1")
	require.Len(t, window, 3)
	for _, e := range window {
		assert.NotEqual(t, "weak", e.Memory.ID)
	}
}

func TestCompressionKicksInAtTokenThreshold(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxTokens = 200
	opts.MaxWindowSize = 10
	m := newTestManager(opts)
	now := time.Now()

	long := strings.Repeat("A sentence that occupies tokens in the window. ", 10)
	m.Add("u1", newMemory("old", long, 0.5, now.Add(-time.Hour)), 0.5)
	m.Add("u1", newMemory("new", long, 0.5, now), 0.5)

	var oldEntry *Entry
	for _, e := range m.Window("u1") {
		if e.Memory.ID == "old" {
			oldEntry = e
		}
	}
	require.NotNil(t, oldEntry)
	assert.True(t, oldEntry.Compressed)
	assert.Less(t, oldEntry.Tokens, scoring.EstimateTokens(long))
}

func TestRemove(t *testing.T) {
	m := newTestManager(DefaultOptions())
	m.Add("u1", newMemory("m1", "text", 0.5, time.Now()), 0.5)

	assert.True(t, m.Remove("u1", "m1"))
	assert.False(t, m.Remove("u1", "m1"))
	assert.Empty(t, m.Window("u1"))
}

func TestWindowsIsolatedByUser(t *testing.T) {
	m := newTestManager(DefaultOptions())
	m.Add("u1", newMemory("m1", "text", 0.5, time.Now()), 0.5)

	assert.Empty(t, m.Window("u2"))
	assert.Len(t, m.Window("u1"), 1)
}

func TestAdaptForTaskResizesWindow(t *testing.T) {
	m := newTestManager(DefaultOptions())
	now := time.Now()
	for i := 0; i < 12; i++ {
		m.Add("u1", newMemory(fmt.Sprintf("m%d", i), "text", 0.5, now), 0.5)
	}

	size := m.AdaptForTask("u1", "creative")
	assert.Equal(t, 8, size)
	assert.Len(t, m.Window("u1"), 8)

	assert.Equal(t, 20, m.AdaptForTask("u1", "analysis"))
}

func TestAdaptForTaskUnknownKeepsDefault(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxWindowSize = 10
	m := newTestManager(opts)
	assert.Equal(t, 10, m.AdaptForTask("u1", "mystery"))
}

func TestRescoreAfterInterval(t *testing.T) {
	opts := DefaultOptions()
	opts.RescoreInterval = time.Minute
	m := newTestManager(opts)

	base := time.Now()
	m.now = func() time.Time { return base }
	m.Add("u1", newMemory("m1", "text", 0.5, base), 0.9)
	before := m.Window("u1")[0].Score

	// Two hours later the recency component has decayed.
	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	after := m.Window("u1")[0].Score
	assert.Less(t, after, before)
}
