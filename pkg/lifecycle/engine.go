// Package lifecycle drives memory decay: scoring, state transitions,
// preservation, and retention cleanup.
package lifecycle

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/engram-ai/engram/pkg/compression"
	"github.com/engram-ai/engram/pkg/config"
	"github.com/engram-ai/engram/pkg/models"
	"github.com/engram-ai/engram/pkg/observability"
)

// memoryStore is the repository surface the engine needs.
type memoryStore interface {
	GetByID(ctx context.Context, userContext, id string) (*models.Memory, error)
	SelectDecayBatch(ctx context.Context, userContext string, size int) ([]*models.Memory, error)
	UpdateDecay(ctx context.Context, id string, score float64, state models.MemoryState, metadata models.JSONMap, expire bool) error
	SetCompressed(ctx context.Context, id string, content models.JSONValue, metadata models.JSONMap) error
	Preserve(ctx context.Context, id string, metadata models.JSONMap, tags models.StringArray) error
	HardDeleteExpired(ctx context.Context, cutoff time.Time, batch int) (int64, error)
}

// degreeCounter reports how many live relations a memory participates in.
type degreeCounter interface {
	DegreeCount(ctx context.Context, id string) (int, error)
}

// Engine recomputes decay scores and applies the resulting state machine.
type Engine struct {
	store      memoryStore
	degrees    degreeCounter
	compressor *compression.Compressor
	cfg        config.DecayConfig
	logger     observability.Logger
}

// NewEngine creates a lifecycle engine.
func NewEngine(store memoryStore, degrees degreeCounter, compressor *compression.Compressor, cfg config.DecayConfig, logger observability.Logger) *Engine {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if len(cfg.PreservationTags) == 0 {
		cfg.PreservationTags = config.DefaultPreservationTags
	}
	return &Engine{store: store, degrees: degrees, compressor: compressor, cfg: cfg, logger: logger}
}

// preservedFloor is the minimum decay score a preserved memory keeps.
const preservedFloor = 0.95

// CalculateDecayScore computes the decay score for a memory given its live
// relation degree. Preserved memories never fall below the floor.
func (e *Engine) CalculateDecayScore(m *models.Memory, degree int, now time.Time) float64 {
	lambda := m.DecayRate
	if lambda <= 0 {
		lambda = e.cfg.BaseDecayRate
	}

	days := now.Sub(m.LastAccess()).Hours() / 24
	if days < 0 {
		days = 0
	}

	score := m.ImportanceScore*math.Exp(-lambda*days) +
		e.cfg.AccessBoost*math.Log(1+float64(m.AccessCount))

	if m.Confidence > 0 {
		score *= m.Confidence
	}
	score += e.cfg.RelationshipBoost * math.Log(1+float64(degree))

	if e.isPreserved(m, now) && score < preservedFloor {
		score = preservedFloor
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// StateForScore maps a decay score onto the lifecycle state machine.
func (e *Engine) StateForScore(score float64) models.MemoryState {
	switch {
	case score >= 0.5:
		return models.StateActive
	case score >= e.cfg.ArchivalThreshold:
		return models.StateDormant
	case score >= e.cfg.ExpirationThreshold:
		return models.StateArchived
	default:
		return models.StateExpired
	}
}

// isPreserved requires a preservation tag; a preservedUntil deadline, when
// present, bounds it. A lapsed deadline ends preservation even for tagged
// memories, and a deadline alone never preserves.
func (e *Engine) isPreserved(m *models.Memory, now time.Time) bool {
	tagged := false
	for _, tag := range e.cfg.PreservationTags {
		if containsFold(m.Tags, tag) {
			tagged = true
			break
		}
	}
	if !tagged {
		return false
	}
	if raw, ok := m.Metadata["preservedUntil"]; ok {
		if s, ok := raw.(string); ok {
			if until, err := time.Parse(time.RFC3339, s); err == nil {
				return until.After(now)
			}
		}
	}
	return true
}

func containsFold(tags models.StringArray, tag string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// BatchResult summarizes one decay pass.
type BatchResult struct {
	Processed    int `json:"processed"`
	Transitioned int `json:"transitioned"`
	Errors       int `json:"errors"`
}

// ProcessBatch rescores up to size due memories in the user context and
// applies any resulting state transitions. Per-memory failures are counted
// and logged, never fatal for the batch.
func (e *Engine) ProcessBatch(ctx context.Context, userContext string, size int) (*BatchResult, error) {
	batch, err := e.store.SelectDecayBatch(ctx, userContext, size)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{}
	now := time.Now().UTC()
	for _, m := range batch {
		transitioned, err := e.processOne(ctx, userContext, m, now)
		if err != nil {
			result.Errors++
			e.logger.Warn("decay update failed", map[string]interface{}{
				"memory_id": m.ID,
				"error":     err.Error(),
			})
			continue
		}
		result.Processed++
		if transitioned {
			result.Transitioned++
		}
	}
	return result, nil
}

func (e *Engine) processOne(ctx context.Context, userContext string, m *models.Memory, now time.Time) (bool, error) {
	degree := 0
	if e.degrees != nil {
		d, err := e.degrees.DegreeCount(ctx, m.ID)
		if err != nil {
			e.logger.Debug("degree lookup failed, scoring without relation boost", map[string]interface{}{
				"memory_id": m.ID,
				"error":     err.Error(),
			})
		} else {
			degree = d
		}
	}

	score := e.CalculateDecayScore(m, degree, now)
	newState := e.StateForScore(score)

	metadata := m.Metadata
	if metadata == nil {
		metadata = models.JSONMap{}
	}

	transitioned := newState != m.State
	if transitioned {
		appendTransition(metadata, m.State, newState, now)
		if newState == models.StateArchived && !m.IsCompressed && e.compressor != nil {
			if err := e.archiveCompress(ctx, m, metadata); err != nil {
				e.logger.Warn("archive compression failed", map[string]interface{}{
					"memory_id": m.ID,
					"error":     err.Error(),
				})
			} else {
				// SetCompressed already wrote metadata with the
				// compression record folded in.
				metadata = m.Metadata
			}
		}
	}

	expire := transitioned && newState == models.StateExpired
	if err := e.store.UpdateDecay(ctx, m.ID, score, newState, metadata, expire); err != nil {
		return false, err
	}
	return transitioned, nil
}

func appendTransition(metadata models.JSONMap, from, to models.MemoryState, now time.Time) {
	transition := models.StateTransition{From: from, To: to, Timestamp: now}
	var history []interface{}
	if existing, ok := metadata["transitions"].([]interface{}); ok {
		history = existing
	}
	metadata["transitions"] = append(history, transition)
}

func (e *Engine) archiveCompress(ctx context.Context, m *models.Memory, metadata models.JSONMap) error {
	text := m.Content.Text()
	result := e.compressor.Compress(text, m.Type)

	metadata["compression"] = map[string]interface{}{
		"strategy":       result.Strategy,
		"originalSize":   result.OriginalSize,
		"compressedSize": result.CompressedSize,
		"ratio":          result.Ratio,
		"compressedAt":   time.Now().UTC().Format(time.RFC3339),
	}

	content, err := models.NewJSONValue(map[string]string{"summary": result.Compressed})
	if err != nil {
		return err
	}
	if err := e.store.SetCompressed(ctx, m.ID, content, metadata); err != nil {
		return err
	}
	m.Metadata = metadata
	m.IsCompressed = true
	return nil
}

// Status reports where a memory sits in the decay lifecycle.
type Status struct {
	MemoryID     string             `json:"memoryId"`
	State        models.MemoryState `json:"state"`
	StoredScore  float64            `json:"storedScore"`
	CurrentScore float64            `json:"currentScore"`
	Preserved    bool               `json:"preserved"`
	AccessCount  int                `json:"accessCount"`
	LastAccess   time.Time          `json:"lastAccess"`
	Transitions  interface{}        `json:"transitions,omitempty"`
}

// DecayStatus returns the stored decay state of a memory alongside a score
// recomputed as of now, so callers can see drift since the last pass.
func (e *Engine) DecayStatus(ctx context.Context, userContext, id string) (*Status, error) {
	m, err := e.store.GetByID(ctx, userContext, id)
	if err != nil {
		return nil, err
	}

	degree := 0
	if e.degrees != nil {
		if d, err := e.degrees.DegreeCount(ctx, m.ID); err == nil {
			degree = d
		}
	}
	now := time.Now().UTC()
	status := &Status{
		MemoryID:     m.ID,
		State:        m.State,
		StoredScore:  m.DecayScore,
		CurrentScore: e.CalculateDecayScore(m, degree, now),
		Preserved:    e.isPreserved(m, now),
		AccessCount:  m.AccessCount,
		LastAccess:   m.LastAccess(),
	}
	if transitions, ok := m.Metadata["transitions"]; ok {
		status.Transitions = transitions
	}
	return status, nil
}

// PreserveMemory pins a memory active with a full decay score and tags it
// preserved. A nil until preserves it indefinitely; otherwise the deadline
// is recorded in metadata and preservation lapses when it passes.
func (e *Engine) PreserveMemory(ctx context.Context, userContext, id string, until *time.Time) (*models.Memory, error) {
	m, err := e.store.GetByID(ctx, userContext, id)
	if err != nil {
		return nil, err
	}

	metadata := m.Metadata
	if metadata == nil {
		metadata = models.JSONMap{}
	}
	tags := m.Tags
	if until != nil {
		metadata["preservedUntil"] = until.UTC().Format(time.RFC3339)
	}
	if !tags.Contains("preserved") {
		tags = append(tags, "preserved")
	}

	if err := e.store.Preserve(ctx, id, metadata, tags); err != nil {
		return nil, err
	}
	return e.store.GetByID(ctx, userContext, id)
}

// CleanupExpiredMemories permanently removes expired memories soft-deleted
// longer ago than the retention window, in batches. Returns the total
// number of rows removed.
func (e *Engine) CleanupExpiredMemories(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -e.cfg.RetentionDays)

	var total int64
	for {
		n, err := e.store.HardDeleteExpired(ctx, cutoff, batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to clean up expired memories: %w", err)
		}
		total += n
		if n < int64(batchSize) {
			break
		}
	}
	if total > 0 {
		e.logger.Info("retention cleanup removed expired memories", map[string]interface{}{
			"removed": total,
			"cutoff":  cutoff.Format(time.RFC3339),
		})
	}
	return total, nil
}
