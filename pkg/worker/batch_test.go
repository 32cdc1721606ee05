package worker

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-ai/engram/pkg/engine"
	"github.com/engram-ai/engram/pkg/queue"
)

type fakeStorer struct {
	mu     sync.Mutex
	inputs []engine.StoreInput
}

func (s *fakeStorer) Store(ctx context.Context, in engine.StoreInput) (*engine.StoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.Contains(string(in.Content), "poison") {
		return nil, assert.AnError
	}
	s.inputs = append(s.inputs, in)
	return &engine.StoreResult{}, nil
}

func TestBatchImportStoresAllItems(t *testing.T) {
	storer := &fakeStorer{}
	h := NewBatchImportHandler(storer, nil, nil)

	items := make([]queue.BatchImportItem, 0, 25)
	for i := 0; i < 25; i++ {
		items = append(items, queue.BatchImportItem{
			Content: map[string]interface{}{"text": "note", "n": i},
			Type:    "fact",
			Tags:    []string{"import"},
		})
	}
	job := makeJob(t, queue.JobBatchImport, queue.BatchImportPayload{
		UserContext: "user-a",
		Items:       items,
	})

	err := h.Handle(context.Background(), job)
	require.NoError(t, err)
	assert.Len(t, storer.inputs, 25)
	for _, in := range storer.inputs {
		assert.Equal(t, "user-a", in.UserContext)
	}
}

func TestBatchImportToleratesItemFailures(t *testing.T) {
	storer := &fakeStorer{}
	h := NewBatchImportHandler(storer, nil, nil)

	job := makeJob(t, queue.JobBatchImport, queue.BatchImportPayload{
		UserContext: "user-a",
		Items: []queue.BatchImportItem{
			{Content: "fine"},
			{Content: "poison pill"},
			{Content: "also fine"},
		},
	})

	err := h.Handle(context.Background(), job)
	require.NoError(t, err)
	assert.Len(t, storer.inputs, 2)
}

func TestBatchImportRejectsMalformedPayload(t *testing.T) {
	h := NewBatchImportHandler(&fakeStorer{}, nil, nil)
	job := makeJob(t, queue.JobBatchImport, nil)
	job.Payload = []byte("{not json")
	assert.Error(t, h.Handle(context.Background(), job))
}
