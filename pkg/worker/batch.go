package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/engram-ai/engram/pkg/engine"
	"github.com/engram-ai/engram/pkg/models"
	"github.com/engram-ai/engram/pkg/observability"
	"github.com/engram-ai/engram/pkg/queue"
)

// storer is the ingest surface the batch handler drives.
type storer interface {
	Store(ctx context.Context, in engine.StoreInput) (*engine.StoreResult, error)
}

// batchChunkSize bounds how many items run concurrently.
const batchChunkSize = 10

// BatchImportHandler ingests bulk imports chunk by chunk. Items within a
// chunk run in parallel; a failing item never aborts the batch.
type BatchImportHandler struct {
	engine  storer
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewBatchImportHandler creates the handler.
func NewBatchImportHandler(eng storer, logger observability.Logger, metrics observability.MetricsClient) *BatchImportHandler {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &BatchImportHandler{engine: eng, logger: logger, metrics: metrics}
}

// Type implements Handler.
func (h *BatchImportHandler) Type() queue.JobType { return queue.JobBatchImport }

// Handle implements Handler.
func (h *BatchImportHandler) Handle(ctx context.Context, job *queue.Job) error {
	var payload queue.BatchImportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode batch import payload: %w", err)
	}

	var stored, failed int
	var mu sync.Mutex

	for offset := 0; offset < len(payload.Items); offset += batchChunkSize {
		end := offset + batchChunkSize
		if end > len(payload.Items) {
			end = len(payload.Items)
		}

		var wg sync.WaitGroup
		for _, item := range payload.Items[offset:end] {
			wg.Add(1)
			go func(item queue.BatchImportItem) {
				defer wg.Done()
				err := h.storeItem(ctx, payload.UserContext, item)
				mu.Lock()
				if err != nil {
					failed++
				} else {
					stored++
				}
				mu.Unlock()
				if err != nil {
					h.logger.Warn("batch import item failed", map[string]interface{}{
						"error": err.Error(),
					})
				}
			}(item)
		}
		wg.Wait()

		h.logger.Info("batch import progress", map[string]interface{}{
			"job_id":    job.ID,
			"processed": end,
			"total":     len(payload.Items),
		})
	}

	h.metrics.IncrementCounter("batch_import_items_stored", float64(stored), nil)
	h.metrics.IncrementCounter("batch_import_items_failed", float64(failed), nil)
	return nil
}

func (h *BatchImportHandler) storeItem(ctx context.Context, userContext string, item queue.BatchImportItem) error {
	content, err := models.NewJSONValue(item.Content)
	if err != nil {
		return err
	}
	_, err = h.engine.Store(ctx, engine.StoreInput{
		Content:     content,
		Type:        models.MemoryType(item.Type),
		Tags:        item.Tags,
		Source:      item.Source,
		Confidence:  item.Confidence,
		Importance:  item.Importance,
		UserContext: userContext,
		Metadata:    item.Metadata,
	})
	return err
}
