// Package contextwindow maintains per-user working sets of memories sized
// for a model context, with score-based eviction and age-based compression.
package contextwindow

import (
	"sort"
	"sync"
	"time"

	"github.com/engram-ai/engram/pkg/compression"
	"github.com/engram-ai/engram/pkg/models"
	"github.com/engram-ai/engram/pkg/observability"
	"github.com/engram-ai/engram/pkg/scoring"
)

// Entry is one memory held in a window.
type Entry struct {
	Memory     *models.Memory
	Similarity float64
	Score      float64
	Tokens     int
	Compressed bool
	AddedAt    time.Time
}

// TaskWindowSizes maps a task profile to its window capacity.
var TaskWindowSizes = map[string]int{
	"coding":       15,
	"conversation": 10,
	"analysis":     20,
	"creative":     8,
}

// Options size the windows.
type Options struct {
	MaxWindowSize        int
	MaxTokens            int
	CompressionThreshold float64 // token utilization that triggers compression
	RescoreInterval      time.Duration
}

// DefaultOptions returns the standard window sizing.
func DefaultOptions() Options {
	return Options{
		MaxWindowSize:        10,
		MaxTokens:            8000,
		CompressionThreshold: 0.7,
		RescoreInterval:      time.Minute,
	}
}

type window struct {
	entries     []*Entry
	maxSize     int
	lastRescore time.Time
}

// Manager holds one window per user context.
type Manager struct {
	mu         sync.Mutex
	windows    map[string]*window
	scorer     *scoring.Scorer
	compressor *compression.Compressor
	opts       Options
	logger     observability.Logger
	now        func() time.Time
}

// NewManager creates a window manager.
func NewManager(scorer *scoring.Scorer, compressor *compression.Compressor, opts Options, logger observability.Logger) *Manager {
	if scorer == nil {
		scorer = scoring.NewScorer()
	}
	if opts.MaxWindowSize <= 0 {
		opts.MaxWindowSize = DefaultOptions().MaxWindowSize
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultOptions().MaxTokens
	}
	if opts.CompressionThreshold <= 0 || opts.CompressionThreshold > 1 {
		opts.CompressionThreshold = DefaultOptions().CompressionThreshold
	}
	if opts.RescoreInterval <= 0 {
		opts.RescoreInterval = DefaultOptions().RescoreInterval
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Manager{
		windows:    map[string]*window{},
		scorer:     scorer,
		compressor: compressor,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
	}
}

func (m *Manager) windowFor(userContext string) *window {
	w, ok := m.windows[userContext]
	if !ok {
		w = &window{maxSize: m.opts.MaxWindowSize, lastRescore: m.now()}
		m.windows[userContext] = w
	}
	return w
}

// Add places a memory in the user's window, compressing old entries and
// evicting the lowest-scored ones as needed to stay within bounds.
func (m *Manager) Add(userContext string, memory *models.Memory, similarity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w := m.windowFor(userContext)
	m.maybeRescore(w, now)

	// Replace an existing entry for the same memory.
	m.removeLocked(w, memory.ID)

	text := memory.Content.Text()
	entry := &Entry{
		Memory:     memory,
		Similarity: similarity,
		Score:      m.scorer.Score(memory, similarity, now),
		Tokens:     scoring.EstimateTokens(text),
		AddedAt:    now,
	}
	w.entries = append(w.entries, entry)

	if m.utilization(w) >= m.opts.CompressionThreshold {
		m.compressOldest(w)
	}
	m.evictToFit(w)
}

// Remove drops a memory from the user's window.
func (m *Manager) Remove(userContext, memoryID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[userContext]
	if !ok {
		return false
	}
	return m.removeLocked(w, memoryID)
}

func (m *Manager) removeLocked(w *window, memoryID string) bool {
	for i, e := range w.entries {
		if e.Memory.ID == memoryID {
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Window returns the user's entries ordered by score descending.
func (m *Manager) Window(userContext string) []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[userContext]
	if !ok {
		return nil
	}
	m.maybeRescore(w, m.now())

	out := append([]*Entry{}, w.entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// TotalTokens returns the current token footprint of the user's window.
func (m *Manager) TotalTokens(userContext string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[userContext]
	if !ok {
		return 0
	}
	return tokenTotal(w)
}

// AdaptForTask resizes the user's window for a task profile and adapts the
// scorer weights. Unknown tasks keep the default size.
func (m *Manager) AdaptForTask(userContext, task string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.windowFor(userContext)
	size, ok := TaskWindowSizes[task]
	if !ok {
		size = m.opts.MaxWindowSize
	}
	w.maxSize = size

	switch task {
	case "coding":
		m.scorer.AdaptWeights(scoring.Preferences{IsRelevant: true})
	case "conversation":
		m.scorer.AdaptWeights(scoring.Preferences{IsRecent: true})
	case "analysis":
		m.scorer.AdaptWeights(scoring.Preferences{IsImportant: true})
	case "creative":
		m.scorer.AdaptWeights(scoring.Preferences{IsFrequent: true})
	}

	m.evictToFit(w)
	return size
}

func (m *Manager) maybeRescore(w *window, now time.Time) {
	if now.Sub(w.lastRescore) < m.opts.RescoreInterval {
		return
	}
	for _, e := range w.entries {
		e.Score = m.scorer.Score(e.Memory, e.Similarity, now)
	}
	w.lastRescore = now
}

func (m *Manager) utilization(w *window) float64 {
	return float64(tokenTotal(w)) / float64(m.opts.MaxTokens)
}

func tokenTotal(w *window) int {
	total := 0
	for _, e := range w.entries {
		total += e.Tokens
	}
	return total
}

// compressOldest summarizes the oldest third of the window in place.
func (m *Manager) compressOldest(w *window) {
	if m.compressor == nil || len(w.entries) == 0 {
		return
	}

	byAge := append([]*Entry{}, w.entries...)
	sort.Slice(byAge, func(i, j int) bool { return byAge[i].AddedAt.Before(byAge[j].AddedAt) })

	n := len(byAge) / 3
	if n == 0 {
		n = 1
	}
	for _, e := range byAge[:n] {
		if e.Compressed {
			continue
		}
		result := m.compressor.Compress(e.Memory.Content.Text(), e.Memory.Type)
		content, err := models.NewJSONValue(map[string]string{"summary": result.Compressed})
		if err != nil {
			continue
		}
		e.Memory.Content = content
		e.Tokens = scoring.EstimateTokens(result.Compressed)
		e.Compressed = true
	}
}

// evictToFit drops the lowest-scored entries until size and token bounds
// hold.
func (m *Manager) evictToFit(w *window) {
	for len(w.entries) > w.maxSize || tokenTotal(w) > m.opts.MaxTokens {
		if len(w.entries) == 0 {
			return
		}
		lowest := 0
		for i, e := range w.entries {
			if e.Score < w.entries[lowest].Score {
				lowest = i
			}
		}
		w.entries = append(w.entries[:lowest], w.entries[lowest+1:]...)
	}
}
