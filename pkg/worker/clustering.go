package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/engram-ai/engram/pkg/cache"
	"github.com/engram-ai/engram/pkg/clustering"
	"github.com/engram-ai/engram/pkg/models"
	"github.com/engram-ai/engram/pkg/observability"
	"github.com/engram-ai/engram/pkg/queue"
)

// clusterStore is the repository surface the clustering handler needs.
type clusterStore interface {
	ListEmbedded(ctx context.Context, userContext string, ids []string) ([]*models.Memory, error)
	SetClusterIDs(ctx context.Context, ids []string, clusterID *string) error
}

// clusterCache drops cached rows whose cluster assignment changed.
type clusterCache interface {
	Delete(ctx context.Context, namespace, identifier string) error
}

// ClusteringHandler maintains cluster assignments: incremental passes for
// newly embedded memories and full passes that recluster, merge, and split.
type ClusteringHandler struct {
	store   clusterStore
	cache   clusterCache
	opts    clustering.Options
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewClusteringHandler creates the handler with the default DBSCAN
// parameters. memoryCache may be nil.
func NewClusteringHandler(store clusterStore, memoryCache clusterCache, logger observability.Logger, metrics observability.MetricsClient) *ClusteringHandler {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &ClusteringHandler{
		store:   store,
		cache:   memoryCache,
		opts:    clustering.DefaultOptions(),
		logger:  logger,
		metrics: metrics,
	}
}

// invalidate drops the cached rows for reassigned memories.
func (h *ClusteringHandler) invalidate(ctx context.Context, ids []string) {
	if h.cache == nil {
		return
	}
	for _, id := range ids {
		if err := h.cache.Delete(ctx, cache.NamespaceMemory, id); err != nil {
			h.logger.Warn("memory cache delete failed after clustering", map[string]interface{}{
				"memory_id": id,
				"error":     err.Error(),
			})
		}
	}
}

// Type implements Handler.
func (h *ClusteringHandler) Type() queue.JobType { return queue.JobClustering }

// Handle implements Handler.
func (h *ClusteringHandler) Handle(ctx context.Context, job *queue.Job) error {
	var payload queue.ClusteringPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode clustering payload: %w", err)
	}

	if payload.Full || len(payload.MemoryIDs) == 0 {
		return h.fullPass(ctx, payload.UserContext)
	}
	return h.incrementalPass(ctx, payload.UserContext, payload.MemoryIDs)
}

func (h *ClusteringHandler) fullPass(ctx context.Context, userContext string) error {
	memories, err := h.store.ListEmbedded(ctx, userContext, nil)
	if err != nil {
		return err
	}
	if len(memories) == 0 {
		return nil
	}

	points := make([]clustering.Point, 0, len(memories))
	for _, m := range memories {
		points = append(points, clustering.Point{ID: m.ID, Vector: m.Embedding})
	}

	result := clustering.DBSCAN(points, h.opts)

	byID := make(map[string]clustering.Point, len(points))
	for _, p := range points {
		byID[p.ID] = p
	}
	clusters := make([]*clustering.Cluster, 0, len(result.Clusters))
	for id, members := range result.Clusters {
		c := &clustering.Cluster{ID: id}
		for _, memberID := range members {
			c.Members = append(c.Members, byID[memberID])
		}
		clusters = append(clusters, c)
	}

	merged, absorbed := clustering.MergeSimilarClusters(clusters, 0.8)
	final := clustering.SplitLargeClusters(merged, clustering.DefaultSplitOptions())

	for _, c := range final {
		label := strconv.Itoa(c.ID)
		ids := make([]string, 0, len(c.Members))
		for _, m := range c.Members {
			ids = append(ids, m.ID)
		}
		if err := h.store.SetClusterIDs(ctx, ids, &label); err != nil {
			return fmt.Errorf("failed to persist cluster %d: %w", c.ID, err)
		}
		h.invalidate(ctx, ids)
	}
	// Noise points carry no cluster.
	if len(result.Noise) > 0 {
		if err := h.store.SetClusterIDs(ctx, result.Noise, nil); err != nil {
			return err
		}
		h.invalidate(ctx, result.Noise)
	}

	silhouette := result.Silhouette()
	h.logger.Info("full clustering pass complete", map[string]interface{}{
		"user_context": userContext,
		"clusters":     len(final),
		"merged":       len(absorbed),
		"noise":        len(result.Noise),
		"silhouette":   silhouette,
	})
	h.metrics.RecordGauge("clustering_clusters", float64(len(final)), nil)
	h.metrics.RecordGauge("clustering_silhouette", silhouette, nil)
	return nil
}

func (h *ClusteringHandler) incrementalPass(ctx context.Context, userContext string, newIDs []string) error {
	all, err := h.store.ListEmbedded(ctx, userContext, nil)
	if err != nil {
		return err
	}

	isNew := make(map[string]bool, len(newIDs))
	for _, id := range newIDs {
		isNew[id] = true
	}

	existing := map[string][]float32{}
	assignments := map[string]int{}
	var fresh []clustering.Point
	for _, m := range all {
		if isNew[m.ID] {
			fresh = append(fresh, clustering.Point{ID: m.ID, Vector: m.Embedding})
			continue
		}
		existing[m.ID] = m.Embedding
		if m.ClusterID != nil {
			if cid, err := strconv.Atoi(*m.ClusterID); err == nil {
				assignments[m.ID] = cid
			}
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	assigned := clustering.Incremental(existing, assignments, fresh, h.opts)
	byCluster := map[int][]string{}
	for _, a := range assigned {
		byCluster[a.ClusterID] = append(byCluster[a.ClusterID], a.ID)
	}
	for cid, ids := range byCluster {
		var label *string
		if cid > 0 {
			s := strconv.Itoa(cid)
			label = &s
		}
		if err := h.store.SetClusterIDs(ctx, ids, label); err != nil {
			return err
		}
		h.invalidate(ctx, ids)
	}

	h.metrics.IncrementCounter("clustering_incremental_assigned", float64(len(assigned)), nil)
	return nil
}
