package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/engram-ai/engram/pkg/lifecycle"
	"github.com/engram-ai/engram/pkg/observability"
	"github.com/engram-ai/engram/pkg/queue"
)

// decayRunner is the lifecycle surface the decay handler drives.
type decayRunner interface {
	ProcessBatch(ctx context.Context, userContext string, size int) (*lifecycle.BatchResult, error)
	CleanupExpiredMemories(ctx context.Context, batchSize int) (int64, error)
}

// defaultDecayBatchSize bounds one decay pass.
const defaultDecayBatchSize = 100

// decayRunKeyPrefix holds the latest per-context run summary; entries
// expire after decayRunTTL.
const (
	decayRunKeyPrefix = "engram:decay:runs:"
	decayRunTTL       = 24 * time.Hour
)

// runStore persists per-run decay summaries. *redis.Client satisfies it.
type runStore interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// DecayHandler runs decay passes. It can be paused at runtime without
// draining the queue; paused jobs complete as no-ops.
type DecayHandler struct {
	lifecycle decayRunner
	runs      runStore
	paused    atomic.Bool
	enabled   bool
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// NewDecayHandler creates the handler. enabled false acts as a kill
// switch: every decay job completes without processing. runs may be nil,
// which skips the per-run summaries.
func NewDecayHandler(lc decayRunner, runs runStore, enabled bool, logger observability.Logger, metrics observability.MetricsClient) *DecayHandler {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &DecayHandler{lifecycle: lc, runs: runs, enabled: enabled, logger: logger, metrics: metrics}
}

// Type implements Handler.
func (h *DecayHandler) Type() queue.JobType { return queue.JobDecay }

// Pause stops processing until Resume is called.
func (h *DecayHandler) Pause() { h.paused.Store(true) }

// Resume re-enables processing.
func (h *DecayHandler) Resume() { h.paused.Store(false) }

// Paused reports the current pause state.
func (h *DecayHandler) Paused() bool { return h.paused.Load() }

// Handle implements Handler.
func (h *DecayHandler) Handle(ctx context.Context, job *queue.Job) error {
	if !h.enabled || h.paused.Load() {
		return nil
	}

	var payload queue.DecayPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode decay payload: %w", err)
	}
	batchSize := payload.BatchSize
	if batchSize <= 0 {
		batchSize = defaultDecayBatchSize
	}

	start := time.Now()
	result, err := h.lifecycle.ProcessBatch(ctx, payload.UserContext, batchSize)
	if err != nil {
		return err
	}
	duration := time.Since(start)

	labels := map[string]string{"user_context": payload.UserContext}
	h.metrics.IncrementCounter("decay_memories_processed", float64(result.Processed), labels)
	h.metrics.IncrementCounter("decay_transitions", float64(result.Transitioned), labels)
	if result.Errors > 0 {
		h.metrics.IncrementCounter("decay_errors", float64(result.Errors), labels)
	}
	h.metrics.RecordHistogram("decay_run_duration_seconds", duration.Seconds(), labels)
	h.recordRun(ctx, payload.UserContext, result, duration)

	removed, err := h.lifecycle.CleanupExpiredMemories(ctx, batchSize)
	if err != nil {
		h.logger.Warn("retention cleanup failed", map[string]interface{}{
			"user_context": payload.UserContext,
			"error":        err.Error(),
		})
	} else if removed > 0 {
		h.metrics.IncrementCounter("decay_hard_deleted", float64(removed), nil)
	}
	return nil
}

// recordRun keeps the latest run summary readable for a day per context.
func (h *DecayHandler) recordRun(ctx context.Context, userContext string, result *lifecycle.BatchResult, duration time.Duration) {
	if h.runs == nil {
		return
	}
	summary, err := json.Marshal(map[string]interface{}{
		"userContext":  userContext,
		"processed":    result.Processed,
		"transitioned": result.Transitioned,
		"errors":       result.Errors,
		"durationMs":   duration.Milliseconds(),
		"completedAt":  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := h.runs.Set(ctx, decayRunKeyPrefix+userContext, summary, decayRunTTL).Err(); err != nil {
		h.logger.Warn("failed to record decay run summary", map[string]interface{}{
			"user_context": userContext,
			"error":        err.Error(),
		})
	}
}

// contextLister enumerates the user contexts with live memories.
type contextLister interface {
	ListUserContexts(ctx context.Context) ([]string, error)
}

// DecayScheduler enqueues one decay job per user context on an interval
// with jitter, so multiple workers never thundering-herd the same hour
// boundary.
type DecayScheduler struct {
	contexts contextLister
	jobs     enqueuerFunc
	interval time.Duration
	jitter   time.Duration
	logger   observability.Logger
}

type enqueuerFunc interface {
	Enqueue(ctx context.Context, jobType queue.JobType, priority int, payload interface{}) (string, error)
}

// NewDecayScheduler creates a scheduler that fires every interval
// (default one hour) with up to jitter of random delay.
func NewDecayScheduler(contexts contextLister, jobs enqueuerFunc, interval, jitter time.Duration, logger observability.Logger) *DecayScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if jitter < 0 {
		jitter = 0
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &DecayScheduler{contexts: contexts, jobs: jobs, interval: interval, jitter: jitter, logger: logger}
}

// Run blocks until ctx is cancelled, enqueueing decay jobs each tick.
func (s *DecayScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.jitter > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Duration(rand.Int63n(int64(s.jitter)))):
				}
			}
			s.tick(ctx)
		}
	}
}

func (s *DecayScheduler) tick(ctx context.Context) {
	contexts, err := s.contexts.ListUserContexts(ctx)
	if err != nil {
		s.logger.Error("failed to list user contexts for decay", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	for _, userContext := range contexts {
		if _, err := s.jobs.Enqueue(ctx, queue.JobDecay, queue.DefaultPriority, queue.DecayPayload{
			UserContext: userContext,
		}); err != nil {
			s.logger.Error("failed to enqueue decay job", map[string]interface{}{
				"user_context": userContext,
				"error":        err.Error(),
			})
		}
	}
}
