package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/engram-ai/engram/pkg/embedding"
	"github.com/engram-ai/engram/pkg/models"
	"github.com/engram-ai/engram/pkg/observability"
	"github.com/engram-ai/engram/pkg/queue"
	"github.com/engram-ai/engram/pkg/repository"
)

// embeddingStore is the repository surface the embedding handler needs.
type embeddingStore interface {
	GetByID(ctx context.Context, userContext, id string) (*models.Memory, error)
	SetEmbedding(ctx context.Context, id string, vec models.Vector) (bool, error)
	SetMetadata(ctx context.Context, id string, metadata models.JSONMap) error
}

// EmbeddingHandler computes and stores embeddings for queued memories. The
// handler is idempotent: a memory that already has an embedding completes
// without work, and SetEmbedding never overwrites an existing vector.
type EmbeddingHandler struct {
	store    embeddingStore
	provider embedding.Provider
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewEmbeddingHandler creates the handler.
func NewEmbeddingHandler(store embeddingStore, provider embedding.Provider, logger observability.Logger, metrics observability.MetricsClient) *EmbeddingHandler {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &EmbeddingHandler{store: store, provider: provider, logger: logger, metrics: metrics}
}

// Type implements Handler.
func (h *EmbeddingHandler) Type() queue.JobType { return queue.JobEmbedding }

// Handle implements Handler.
func (h *EmbeddingHandler) Handle(ctx context.Context, job *queue.Job) error {
	var payload queue.EmbeddingPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode embedding payload: %w", err)
	}

	memory, err := h.store.GetByID(ctx, payload.UserContext, payload.MemoryID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Deleted before the job ran; nothing to embed.
			return nil
		}
		return err
	}
	if memory.HasEmbedding() {
		return nil
	}

	vec, err := h.provider.Embed(ctx, memory.Content.Text())
	if err != nil {
		if !embedding.IsRetryable(err) {
			h.recordFailure(ctx, memory, err)
			return nil
		}
		return fmt.Errorf("failed to embed memory %s: %w", memory.ID, err)
	}

	updated, err := h.store.SetEmbedding(ctx, memory.ID, vec)
	if err != nil {
		return err
	}
	if updated {
		h.metrics.IncrementCounter("embeddings_generated", 1, nil)
	}
	return nil
}

// recordFailure stores a sanitized error message on the memory so operators
// can see why embedding never completed.
func (h *EmbeddingHandler) recordFailure(ctx context.Context, memory *models.Memory, cause error) {
	metadata := memory.Metadata
	if metadata == nil {
		metadata = models.JSONMap{}
	}
	metadata["embeddingError"] = SanitizeErrorMessage(cause.Error())

	if err := h.store.SetMetadata(ctx, memory.ID, metadata); err != nil {
		h.logger.Error("failed to record embedding error", map[string]interface{}{
			"memory_id": memory.ID,
			"error":     err.Error(),
		})
		return
	}
	h.logger.Warn("embedding permanently failed", map[string]interface{}{
		"memory_id": memory.ID,
		"error":     cause.Error(),
	})
	h.metrics.IncrementCounter("embeddings_failed_permanent", 1, nil)
}

// SanitizeErrorMessage prepares an error string for storage: control
// characters stripped, quotes doubled, length capped at 500.
func SanitizeErrorMessage(msg string) string {
	var sb strings.Builder
	for _, r := range msg {
		if r < 0x20 || r == 0x7F {
			continue
		}
		sb.WriteRune(r)
	}
	clean := strings.ReplaceAll(sb.String(), "'", "''")
	if len(clean) > 500 {
		cut := 500
		for cut > 0 && !utf8.RuneStart(clean[cut]) {
			cut--
		}
		clean = clean[:cut]
	}
	return clean
}
