package worker

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-ai/engram/pkg/embedding"
	"github.com/engram-ai/engram/pkg/models"
	"github.com/engram-ai/engram/pkg/queue"
	"github.com/engram-ai/engram/pkg/repository"
)

type fakeEmbeddingStore struct {
	memories map[string]*models.Memory
	metadata map[string]models.JSONMap
}

func newFakeEmbeddingStore() *fakeEmbeddingStore {
	return &fakeEmbeddingStore{
		memories: map[string]*models.Memory{},
		metadata: map[string]models.JSONMap{},
	}
}

func (s *fakeEmbeddingStore) GetByID(ctx context.Context, userContext, id string) (*models.Memory, error) {
	m, ok := s.memories[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return m, nil
}

func (s *fakeEmbeddingStore) SetEmbedding(ctx context.Context, id string, vec models.Vector) (bool, error) {
	m, ok := s.memories[id]
	if !ok || m.HasEmbedding() {
		return false, nil
	}
	m.Embedding = vec
	return true, nil
}

func (s *fakeEmbeddingStore) SetMetadata(ctx context.Context, id string, metadata models.JSONMap) error {
	s.metadata[id] = metadata
	return nil
}

type fakeProvider struct {
	embed func(text string) ([]float32, error)
	calls int
}

func (p *fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.calls++
	return p.embed(text)
}

func (p *fakeProvider) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := p.embed(text)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func (p *fakeProvider) Dimensions(ctx context.Context) (int, error) { return 4, nil }

func (p *fakeProvider) ModelID() string { return "fake" }

func embeddingJob(t *testing.T, memoryID string) *queue.Job {
	return makeJob(t, queue.JobEmbedding, queue.EmbeddingPayload{
		MemoryID:    memoryID,
		UserContext: "user-a",
	})
}

func TestEmbeddingHandlerEmbedsMemory(t *testing.T) {
	store := newFakeEmbeddingStore()
	store.memories["m1"] = &models.Memory{ID: "m1", Content: models.JSONValue(`"hello"`)}
	provider := &fakeProvider{embed: func(string) ([]float32, error) {
		return []float32{1, 0, 0, 0}, nil
	}}

	h := NewEmbeddingHandler(store, provider, nil, nil)
	err := h.Handle(context.Background(), embeddingJob(t, "m1"))
	require.NoError(t, err)
	assert.True(t, store.memories["m1"].HasEmbedding())
}

func TestEmbeddingHandlerSkipsMissingMemory(t *testing.T) {
	store := newFakeEmbeddingStore()
	provider := &fakeProvider{embed: func(string) ([]float32, error) {
		return []float32{1, 0, 0, 0}, nil
	}}

	h := NewEmbeddingHandler(store, provider, nil, nil)
	err := h.Handle(context.Background(), embeddingJob(t, "gone"))
	assert.NoError(t, err)
	assert.Zero(t, provider.calls)
}

func TestEmbeddingHandlerIdempotent(t *testing.T) {
	store := newFakeEmbeddingStore()
	store.memories["m1"] = &models.Memory{
		ID:        "m1",
		Content:   models.JSONValue(`"hello"`),
		Embedding: models.Vector{1, 0, 0, 0},
	}
	provider := &fakeProvider{embed: func(string) ([]float32, error) {
		return []float32{0, 1, 0, 0}, nil
	}}

	h := NewEmbeddingHandler(store, provider, nil, nil)
	err := h.Handle(context.Background(), embeddingJob(t, "m1"))
	require.NoError(t, err)
	assert.Zero(t, provider.calls)
	assert.Equal(t, models.Vector{1, 0, 0, 0}, store.memories["m1"].Embedding)
}

func TestEmbeddingHandlerNonRetryableFailure(t *testing.T) {
	store := newFakeEmbeddingStore()
	store.memories["m1"] = &models.Memory{ID: "m1", Content: models.JSONValue(`"hello"`)}
	provider := &fakeProvider{embed: func(string) ([]float32, error) {
		return nil, fmt.Errorf("model broke: %w", embedding.ErrDimensionMismatch)
	}}

	h := NewEmbeddingHandler(store, provider, nil, nil)
	err := h.Handle(context.Background(), embeddingJob(t, "m1"))
	// Completes the job so the queue does not spin on a config problem.
	assert.NoError(t, err)
	require.Contains(t, store.metadata, "m1")
	assert.Contains(t, store.metadata["m1"]["embeddingError"], "dimension mismatch")
}

func TestEmbeddingHandlerRetryableFailure(t *testing.T) {
	store := newFakeEmbeddingStore()
	store.memories["m1"] = &models.Memory{ID: "m1", Content: models.JSONValue(`"hello"`)}
	provider := &fakeProvider{embed: func(string) ([]float32, error) {
		return nil, assert.AnError
	}}

	h := NewEmbeddingHandler(store, provider, nil, nil)
	err := h.Handle(context.Background(), embeddingJob(t, "m1"))
	assert.Error(t, err)
	assert.NotContains(t, store.metadata, "m1")
}

func TestSanitizeErrorMessage(t *testing.T) {
	assert.Equal(t, "abc", SanitizeErrorMessage("a\x00b\x1fc\x7f"))
	assert.Equal(t, "it''s broken", SanitizeErrorMessage("it's broken"))

	long := strings.Repeat("x", 600)
	assert.Len(t, SanitizeErrorMessage(long), 500)

	// Truncation lands on a rune boundary even when a multi-byte
	// character straddles the cap.
	multi := strings.Repeat("x", 499) + strings.Repeat("é", 10)
	got := SanitizeErrorMessage(multi)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 499, len(got))
}
