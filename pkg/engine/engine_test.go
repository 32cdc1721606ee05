package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-ai/engram/pkg/cache"
	"github.com/engram-ai/engram/pkg/compression"
	"github.com/engram-ai/engram/pkg/config"
	"github.com/engram-ai/engram/pkg/embedding"
	"github.com/engram-ai/engram/pkg/models"
	"github.com/engram-ai/engram/pkg/queue"
	"github.com/engram-ai/engram/pkg/repository"
	"github.com/engram-ai/engram/pkg/vectormath"
)

// fakeMemoryStore is an in-memory stand-in for the Postgres repository.
type fakeMemoryStore struct {
	mu     sync.Mutex
	nextID int
	rows   map[string]*models.Memory
}

func newFakeMemoryStore() *fakeMemoryStore {
	return &fakeMemoryStore{rows: map[string]*models.Memory{}}
}

func (f *fakeMemoryStore) Create(_ context.Context, m *models.Memory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	m.ID = fmt.Sprintf("id-%d", f.nextID)
	copied := *m
	f.rows[m.ID] = &copied
	return nil
}

func (f *fakeMemoryStore) visible(m *models.Memory, userContext string) bool {
	return m != nil && m.DeletedAt == nil && m.UserContext == userContext
}

func (f *fakeMemoryStore) GetByID(_ context.Context, userContext, id string) (*models.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.rows[id]
	if !f.visible(m, userContext) {
		return nil, repository.ErrNotFound
	}
	copied := *m
	return &copied, nil
}

func (f *fakeMemoryStore) FindByHash(_ context.Context, userContext, hash string) (*models.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.rows {
		if f.visible(m, userContext) && m.ContentHash == hash {
			copied := *m
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeMemoryStore) KNNSearch(_ context.Context, userContext string, qvec models.Vector, filters repository.SearchFilters, threshold float64, limit int) ([]*models.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Memory
	for _, m := range f.rows {
		if !f.visible(m, userContext) || !m.HasEmbedding() {
			continue
		}
		if filters.Type != nil && m.Type != *filters.Type {
			continue
		}
		sim := vectormath.CosineSimilarity(qvec, m.Embedding)
		if sim < threshold {
			continue
		}
		copied := *m
		copied.Similarity = sim
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeMemoryStore) List(_ context.Context, userContext string, filters repository.SearchFilters, limit, offset int) ([]*models.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Memory
	for _, m := range f.rows {
		if !f.visible(m, userContext) {
			continue
		}
		if filters.Type != nil && m.Type != *filters.Type {
			continue
		}
		copied := *m
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if offset < len(out) {
		out = out[offset:]
	} else {
		out = nil
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeMemoryStore) BumpAccess(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if m := f.rows[id]; m != nil {
			m.AccessCount++
		}
	}
	return nil
}

func (f *fakeMemoryStore) UpdateFields(_ context.Context, userContext, id string, updates map[string]interface{}, _ bool) (*models.Memory, error) {
	f.mu.Lock()
	m := f.rows[id]
	if !f.visible(m, userContext) {
		f.mu.Unlock()
		return nil, repository.ErrNotFound
	}
	for col, val := range updates {
		switch col {
		case "tags":
			m.Tags = val.(models.StringArray)
		case "confidence":
			m.Confidence = val.(float64)
		case "importance_score":
			m.ImportanceScore = val.(float64)
		case "type":
			m.Type = models.MemoryType(fmt.Sprint(val))
		case "source":
			m.Source = fmt.Sprint(val)
		case "state":
			m.State = val.(models.MemoryState)
		}
	}
	f.mu.Unlock()
	return f.GetByID(context.Background(), userContext, id)
}

func (f *fakeMemoryStore) SoftDelete(_ context.Context, userContext string, ids []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, id := range ids {
		if m := f.rows[id]; f.visible(m, userContext) {
			now := m.CreatedAt
			m.DeletedAt = &now
			n++
		}
	}
	return n, nil
}

func (f *fakeMemoryStore) SetClusterIDs(_ context.Context, ids []string, clusterID *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if m := f.rows[id]; m != nil {
			m.ClusterID = clusterID
		}
	}
	return nil
}

func (f *fakeMemoryStore) ListEmbedded(_ context.Context, userContext string, ids []string) ([]*models.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []*models.Memory
	for _, m := range f.rows {
		if !f.visible(m, userContext) || !m.HasEmbedding() {
			continue
		}
		if len(want) > 0 && !want[m.ID] {
			continue
		}
		copied := *m
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeMemoryStore) Exists(_ context.Context, userContext, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visible(f.rows[id], userContext), nil
}

func (f *fakeMemoryStore) Stats(_ context.Context, userContext string) (*models.MemoryStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &models.MemoryStats{
		MemoriesByType:  map[string]int{},
		MemoriesByState: map[string]int{},
	}
	for _, m := range f.rows {
		if !f.visible(m, userContext) {
			continue
		}
		stats.TotalMemories++
		stats.MemoriesByType[string(m.Type)]++
		stats.MemoriesByState[string(m.State)]++
	}
	return stats, nil
}

func (f *fakeMemoryStore) ListTags(_ context.Context, userContext string) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int{}
	for _, m := range f.rows {
		if f.visible(m, userContext) {
			for _, tag := range m.Tags {
				out[tag]++
			}
		}
	}
	return out, nil
}

func (f *fakeMemoryStore) ListClusters(_ context.Context, userContext string) ([]models.ClusterInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := map[string]int{}
	for _, m := range f.rows {
		if f.visible(m, userContext) && m.ClusterID != nil {
			counts[*m.ClusterID]++
		}
	}
	var out []models.ClusterInfo
	for id, n := range counts {
		out = append(out, models.ClusterInfo{ClusterID: id, Size: n})
	}
	return out, nil
}

// fakeRelationStore is an in-memory edge table.
type fakeRelationStore struct {
	mu    sync.Mutex
	edges map[string]*models.MemoryRelation
}

func newFakeRelationStore() *fakeRelationStore {
	return &fakeRelationStore{edges: map[string]*models.MemoryRelation{}}
}

func edgeKey(from, to string) string { return from + "->" + to }

func (f *fakeRelationStore) Upsert(_ context.Context, from, to string, relType models.RelationType, strength float64) (*models.MemoryRelation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rel := &models.MemoryRelation{
		ID: edgeKey(from, to), FromMemoryID: from, ToMemoryID: to,
		RelationType: relType, Strength: strength,
	}
	f.edges[rel.ID] = rel
	return rel, nil
}

func (f *fakeRelationStore) Delete(_ context.Context, from, to string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := edgeKey(from, to)
	if _, ok := f.edges[key]; !ok {
		return false, nil
	}
	delete(f.edges, key)
	return true, nil
}

func (f *fakeRelationStore) ForMemory(_ context.Context, id string) ([]*models.MemoryRelation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.MemoryRelation
	for _, rel := range f.edges {
		if rel.FromMemoryID == id || rel.ToMemoryID == id {
			out = append(out, rel)
		}
	}
	return out, nil
}

func (f *fakeRelationStore) Outgoing(_ context.Context, id string, _ []string) ([]*models.MemoryRelation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.MemoryRelation
	for _, rel := range f.edges {
		if rel.FromMemoryID == id {
			out = append(out, rel)
		}
	}
	return out, nil
}

func (f *fakeRelationStore) Incoming(_ context.Context, id string, _ []string) ([]*models.MemoryRelation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.MemoryRelation
	for _, rel := range f.edges {
		if rel.ToMemoryID == id {
			out = append(out, rel)
		}
	}
	return out, nil
}

func (f *fakeRelationStore) Count(context.Context, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.edges), nil
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []struct {
		Type     queue.JobType
		Priority int
		Payload  interface{}
	}
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, jobType queue.JobType, priority int, payload interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, struct {
		Type     queue.JobType
		Priority int
		Payload  interface{}
	}{jobType, priority, payload})
	return fmt.Sprintf("job-%d", len(f.jobs)), nil
}

type testEnv struct {
	engine    *Engine
	memories  *fakeMemoryStore
	relations *fakeRelationStore
	jobs      *fakeEnqueuer
}

func newTestEngine(t *testing.T, async bool) *testEnv {
	t.Helper()
	memories := newFakeMemoryStore()
	relations := newFakeRelationStore()
	jobs := &fakeEnqueuer{}
	tiered := cache.NewTieredCache(nil, cache.NewMemoryCache(100, 0), nil)

	eng := New(Options{
		Memories:   memories,
		Relations:  relations,
		Provider:   embedding.NewLocalProvider(64),
		Cache:      tiered,
		Compressor: compression.New(0.3, 500, nil),
		Jobs:       jobs,
		Config: config.EngineConfig{
			DefaultSearchLimit:         10,
			DefaultSimilarityThreshold: 0.3,
			EnableAsyncProcessing:      async,
			CompressionThreshold:       500,
		},
	})
	return &testEnv{engine: eng, memories: memories, relations: relations, jobs: jobs}
}

func storeInput(text string) StoreInput {
	content, _ := models.NewJSONValue(text)
	return StoreInput{Content: content, Type: models.MemoryTypeFact, Importance: 0.5}
}

func TestStoreCreatesWithSyncEmbedding(t *testing.T) {
	env := newTestEngine(t, false)

	result, err := env.engine.Store(context.Background(), storeInput("the deploy pipeline uses blue-green"))
	require.NoError(t, err)

	assert.False(t, result.Deduplicated)
	assert.NotEmpty(t, result.Memory.ID)
	stored := env.memories.rows[result.Memory.ID]
	assert.True(t, stored.HasEmbedding())
	assert.Empty(t, env.jobs.jobs)
}

func TestStoreDeduplicatesByContentHash(t *testing.T) {
	env := newTestEngine(t, false)
	ctx := context.Background()

	first, err := env.engine.Store(ctx, storeInput("identical content"))
	require.NoError(t, err)
	second, err := env.engine.Store(ctx, storeInput("identical content"))
	require.NoError(t, err)

	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Memory.ID, second.Memory.ID)
	assert.Equal(t, 1, env.memories.rows[first.Memory.ID].AccessCount)
	assert.Equal(t, 1, second.Memory.AccessCount)

	third, err := env.engine.Store(ctx, storeInput("identical content"))
	require.NoError(t, err)
	assert.Equal(t, 2, third.Memory.AccessCount)
}

func TestStoreDedupInvalidatesCachedRow(t *testing.T) {
	env := newTestEngine(t, false)
	ctx := context.Background()

	first, err := env.engine.Store(ctx, storeInput("cached row"))
	require.NoError(t, err)

	// Prime the cache with the pre-bump row.
	got, err := env.engine.Get(ctx, models.DefaultUserContext, first.Memory.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.AccessCount)

	_, err = env.engine.Store(ctx, storeInput("cached row"))
	require.NoError(t, err)

	got, err = env.engine.Get(ctx, models.DefaultUserContext, first.Memory.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AccessCount)
}

func TestStoreAsyncQueuesEmbeddingWithImportancePriority(t *testing.T) {
	env := newTestEngine(t, true)

	in := storeInput("queued for embedding")
	in.Importance = 0.9
	result, err := env.engine.Store(context.Background(), in)
	require.NoError(t, err)

	assert.True(t, result.EmbeddingQueued)
	assert.False(t, env.memories.rows[result.Memory.ID].HasEmbedding())
	require.Len(t, env.jobs.jobs, 1)
	assert.Equal(t, queue.JobEmbedding, env.jobs.jobs[0].Type)
	assert.Equal(t, 9, env.jobs.jobs[0].Priority)
}

func TestStoreCompressesOversizedContent(t *testing.T) {
	env := newTestEngine(t, false)

	big := strings.Repeat("A sentence that fills space in the content body. ", 30)
	result, err := env.engine.Store(context.Background(), storeInput(big))
	require.NoError(t, err)

	assert.True(t, result.Compressed)
	stored := env.memories.rows[result.Memory.ID]
	assert.True(t, stored.IsCompressed)
	assert.Contains(t, stored.Metadata, "compression")

	// Callers see the summary as plain text, not the compressed flag.
	assert.False(t, result.Memory.IsCompressed)
	var out map[string]string
	require.NoError(t, json.Unmarshal(result.Memory.Content, &out))
	assert.NotEmpty(t, out["text"])
}

func TestStoreRelateToBestEffort(t *testing.T) {
	env := newTestEngine(t, false)
	ctx := context.Background()

	anchor, err := env.engine.Store(ctx, storeInput("anchor memory"))
	require.NoError(t, err)

	in := storeInput("related memory")
	in.RelateTo = []string{anchor.Memory.ID, "missing-id"}
	result, err := env.engine.Store(ctx, in)
	require.NoError(t, err)

	rels, err := env.relations.ForMemory(ctx, result.Memory.ID)
	require.NoError(t, err)
	assert.Len(t, rels, 1)
}

func TestSearchFindsSimilarAndBumpsAccess(t *testing.T) {
	env := newTestEngine(t, false)
	ctx := context.Background()

	stored, err := env.engine.Store(ctx, storeInput("kubernetes cluster upgrade procedure"))
	require.NoError(t, err)

	results, err := env.engine.Search(ctx, SearchInput{
		Query: "kubernetes cluster upgrade procedure", Threshold: 0.5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, stored.Memory.ID, results[0].ID)
	assert.Positive(t, env.memories.rows[stored.Memory.ID].AccessCount)
}

func TestSearchUsesCacheUntilInvalidated(t *testing.T) {
	env := newTestEngine(t, false)
	ctx := context.Background()

	_, err := env.engine.Store(ctx, storeInput("alpha beta gamma"))
	require.NoError(t, err)

	in := SearchInput{Query: "alpha beta gamma", Threshold: 0.5}
	first, err := env.engine.Search(ctx, in)
	require.NoError(t, err)
	require.NotEmpty(t, first)
	accessAfterFirst := env.memories.rows[first[0].ID].AccessCount

	// A cached second search must not bump access again.
	_, err = env.engine.Search(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, accessAfterFirst, env.memories.rows[first[0].ID].AccessCount)

	// A new store clears the search namespace; the third search hits the DB.
	_, err = env.engine.Store(ctx, storeInput("unrelated new memory"))
	require.NoError(t, err)
	_, err = env.engine.Search(ctx, in)
	require.NoError(t, err)
	assert.Greater(t, env.memories.rows[first[0].ID].AccessCount, accessAfterFirst)
}

func TestUpdateWhitelistsFields(t *testing.T) {
	env := newTestEngine(t, false)
	ctx := context.Background()

	stored, err := env.engine.Store(ctx, storeInput("to update"))
	require.NoError(t, err)

	updated, err := env.engine.Update(ctx, "", stored.Memory.ID, map[string]interface{}{
		"importance_score": 0.9,
	}, false)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, updated.ImportanceScore, 1e-9)

	_, err = env.engine.Update(ctx, "", stored.Memory.ID, map[string]interface{}{
		"content_hash": "forged",
	}, false)
	assert.Error(t, err)
}

func TestDeleteIsIdempotent(t *testing.T) {
	env := newTestEngine(t, false)
	ctx := context.Background()

	stored, err := env.engine.Store(ctx, storeInput("to delete"))
	require.NoError(t, err)

	deleted, err := env.engine.Delete(ctx, "", stored.Memory.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = env.engine.Delete(ctx, "", stored.Memory.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestBatchStorePartialFailure(t *testing.T) {
	env := newTestEngine(t, false)

	bad := StoreInput{Content: models.JSONValue("{not json")}
	results := env.engine.BatchStore(context.Background(), []StoreInput{
		storeInput("good one"), bad, storeInput("good two"),
	})

	require.Len(t, results, 3)
	assert.Empty(t, results[0].Error)
	assert.NotEmpty(t, results[1].Error)
	assert.Empty(t, results[2].Error)
}

func TestCreateRelationBidirectional(t *testing.T) {
	env := newTestEngine(t, false)
	ctx := context.Background()

	a, err := env.engine.Store(ctx, storeInput("memory a"))
	require.NoError(t, err)
	b, err := env.engine.Store(ctx, storeInput("memory b"))
	require.NoError(t, err)

	rels, err := env.engine.CreateRelation(ctx, "", a.Memory.ID, b.Memory.ID, models.RelationCauses, 0.8, true)
	require.NoError(t, err)
	require.Len(t, rels, 2)
	assert.Equal(t, models.RelationCauses, rels[0].RelationType)
	assert.Equal(t, models.RelationCausedBy, rels[1].RelationType)
}

func TestCreateRelationRejectsMissingEndpoint(t *testing.T) {
	env := newTestEngine(t, false)
	ctx := context.Background()

	a, err := env.engine.Store(ctx, storeInput("memory a"))
	require.NoError(t, err)

	_, err = env.engine.CreateRelation(ctx, "", a.Memory.ID, "ghost", models.RelationSupports, 0.5, false)
	assert.Error(t, err)
}

func TestGraphSearchExpandsRelations(t *testing.T) {
	env := newTestEngine(t, false)
	ctx := context.Background()

	seed, err := env.engine.Store(ctx, storeInput("incident retrospective for outage"))
	require.NoError(t, err)
	related, err := env.engine.Store(ctx, storeInput("root cause was connection pool exhaustion"))
	require.NoError(t, err)
	_, err = env.engine.CreateRelation(ctx, "", seed.Memory.ID, related.Memory.ID, models.RelationCauses, 0.9, false)
	require.NoError(t, err)

	matches, err := env.engine.GraphSearch(ctx, GraphSearchInput{
		SearchInput: SearchInput{Query: "incident retrospective for outage", Threshold: 0.5, Limit: 1},
		Depth:       2,
	})
	require.NoError(t, err)
	require.NotEmpty(t, matches)

	var withRelated *GraphMatch
	for _, m := range matches {
		if len(m.Related) > 0 {
			withRelated = m
		}
	}
	require.NotNil(t, withRelated)
	assert.Contains(t, withRelated.Memory.Metadata, "relationships")
}

func TestConsolidateAssignsClusters(t *testing.T) {
	env := newTestEngine(t, false)
	ctx := context.Background()

	// Near-duplicate texts embed to nearby vectors under the local provider.
	for i := 0; i < 4; i++ {
		_, err := env.engine.Store(ctx, storeInput(fmt.Sprintf("database backup schedule runs nightly %d", i)))
		require.NoError(t, err)
	}

	result, err := env.engine.Consolidate(ctx, ConsolidateInput{Threshold: 0.5, MinClusterSize: 2})
	require.NoError(t, err)

	if result.ClustersCreated > 0 {
		clusters, err := env.engine.Clusters(ctx, "")
		require.NoError(t, err)
		assert.NotEmpty(t, clusters)
		assert.Equal(t, result.MemoriesClustered, clustersSize(clusters))
	}
}

func TestConsolidateInvalidatesCachedRows(t *testing.T) {
	env := newTestEngine(t, false)
	ctx := context.Background()

	// Identical vectors guarantee one cluster.
	vec := make(models.Vector, 64)
	vec[0] = 1
	var ids []string
	for i := 0; i < 3; i++ {
		res, err := env.engine.Store(ctx, storeInput(fmt.Sprintf("replica sync note %d", i)))
		require.NoError(t, err)
		env.memories.rows[res.Memory.ID].Embedding = vec
		ids = append(ids, res.Memory.ID)
	}

	// Prime the cache with rows that carry no cluster id yet.
	for _, id := range ids {
		m, err := env.engine.Get(ctx, models.DefaultUserContext, id)
		require.NoError(t, err)
		assert.Nil(t, m.ClusterID)
	}

	result, err := env.engine.Consolidate(ctx, ConsolidateInput{Threshold: 0.5, MinClusterSize: 2})
	require.NoError(t, err)
	require.Equal(t, 3, result.MemoriesClustered)

	for _, id := range ids {
		m, err := env.engine.Get(ctx, models.DefaultUserContext, id)
		require.NoError(t, err)
		assert.NotNil(t, m.ClusterID)
	}
}

func clustersSize(infos []models.ClusterInfo) int {
	total := 0
	for _, c := range infos {
		total += c.Size
	}
	return total
}

func TestStatsIncludesRelations(t *testing.T) {
	env := newTestEngine(t, false)
	ctx := context.Background()

	a, _ := env.engine.Store(ctx, storeInput("stat memory a"))
	b, _ := env.engine.Store(ctx, storeInput("stat memory b"))
	_, err := env.engine.CreateRelation(ctx, "", a.Memory.ID, b.Memory.ID, models.RelationSupports, 0.5, false)
	require.NoError(t, err)

	stats, err := env.engine.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalMemories)
	assert.Equal(t, 1, stats.TotalRelations)
}

func TestMergeMemoriesArchivesSources(t *testing.T) {
	env := newTestEngine(t, false)
	ctx := context.Background()

	a, _ := env.engine.Store(ctx, storeInput("first fragment"))
	b, _ := env.engine.Store(ctx, storeInput("second fragment"))

	merged, err := env.engine.MergeMemories(ctx, "", []string{a.Memory.ID, b.Memory.ID})
	require.NoError(t, err)

	assert.Equal(t, models.MemoryTypeMerged, merged.Type)
	assert.InDelta(t, 0.8, merged.ImportanceScore, 1e-9)
	assert.Equal(t, models.StateArchived, env.memories.rows[a.Memory.ID].State)
	assert.Equal(t, models.StateArchived, env.memories.rows[b.Memory.ID].State)
}
