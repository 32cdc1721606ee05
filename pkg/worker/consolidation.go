package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/engram-ai/engram/pkg/engine"
	"github.com/engram-ai/engram/pkg/models"
	"github.com/engram-ai/engram/pkg/observability"
	"github.com/engram-ai/engram/pkg/queue"
)

// consolidator is the engine surface the consolidation handler drives.
type consolidator interface {
	Consolidate(ctx context.Context, in engine.ConsolidateInput) (*engine.ConsolidateResult, error)
	MergeMemories(ctx context.Context, userContext string, ids []string) (*models.Memory, error)
	SummarizeMemories(ctx context.Context, userContext string, ids []string) ([]*models.Memory, error)
}

// ConsolidationHandler runs merge, summarize, and cluster consolidation
// jobs.
type ConsolidationHandler struct {
	engine  consolidator
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewConsolidationHandler creates the handler.
func NewConsolidationHandler(eng consolidator, logger observability.Logger, metrics observability.MetricsClient) *ConsolidationHandler {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &ConsolidationHandler{engine: eng, logger: logger, metrics: metrics}
}

// Type implements Handler.
func (h *ConsolidationHandler) Type() queue.JobType { return queue.JobConsolidation }

// Handle implements Handler.
func (h *ConsolidationHandler) Handle(ctx context.Context, job *queue.Job) error {
	var payload queue.ConsolidationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode consolidation payload: %w", err)
	}

	switch payload.Strategy {
	case "merge":
		merged, err := h.engine.MergeMemories(ctx, payload.UserContext, payload.MemoryIDs)
		if err != nil {
			return err
		}
		h.logger.Info("memories merged", map[string]interface{}{
			"merged_id": merged.ID,
			"sources":   len(payload.MemoryIDs),
		})
		h.metrics.IncrementCounter("consolidation_merges", 1, nil)
		return nil

	case "summarize":
		summaries, err := h.engine.SummarizeMemories(ctx, payload.UserContext, payload.MemoryIDs)
		if err != nil {
			return err
		}
		h.metrics.IncrementCounter("consolidation_summaries", float64(len(summaries)), nil)
		return nil

	case "cluster", "":
		result, err := h.engine.Consolidate(ctx, engine.ConsolidateInput{
			UserContext:    payload.UserContext,
			Threshold:      payload.Threshold,
			MinClusterSize: payload.MinClusters,
			MemoryIDs:      payload.MemoryIDs,
		})
		if err != nil {
			return err
		}
		h.metrics.IncrementCounter("consolidation_clusters_created", float64(result.ClustersCreated), nil)
		return nil

	default:
		// Unknown strategies are operator typos; retrying cannot help.
		h.logger.Error("unknown consolidation strategy dropped", map[string]interface{}{
			"strategy": payload.Strategy,
			"job_id":   job.ID,
		})
		return nil
	}
}
