package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/engram-ai/engram/pkg/models"
	"github.com/engram-ai/engram/pkg/observability"
)

// MemoryRepository is the typed access layer for the memories table. Every
// read it exposes filters on user_context and excludes soft-deleted rows.
type MemoryRepository struct {
	db     *sqlx.DB
	logger observability.Logger
}

// NewMemoryRepository creates a repository over the given database.
func NewMemoryRepository(db *sqlx.DB, logger observability.Logger) *MemoryRepository {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &MemoryRepository{db: db, logger: logger}
}

// Create inserts a memory and fills in the generated id and timestamps.
func (r *MemoryRepository) Create(ctx context.Context, m *models.Memory) error {
	if m.UserContext == "" {
		m.UserContext = models.DefaultUserContext
	}
	if m.State == "" {
		m.State = models.StateActive
	}
	if m.Metadata == nil {
		m.Metadata = models.JSONMap{}
	}
	if m.Tags == nil {
		m.Tags = models.StringArray{}
	}

	query := `
		INSERT INTO memories (
			user_context, content, content_hash, embedding, embedding_dimension,
			tags, type, source, confidence, importance_score, similarity_threshold,
			decay_rate, access_count, parent_id, relation_type, state, decay_score,
			is_compressed, metadata, last_decay_update
		) VALUES (
			$1, $2, $3, $4::vector, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, now()
		)
		RETURNING id, created_at, updated_at`

	var embedding interface{}
	if m.HasEmbedding() {
		embedding = m.Embedding.String()
	}

	err := r.db.QueryRowxContext(ctx, query,
		m.UserContext, m.Content, m.ContentHash, embedding, m.EmbeddingDimension,
		m.Tags, m.Type, m.Source, m.Confidence, m.ImportanceScore, m.SimilarityThreshold,
		m.DecayRate, m.AccessCount, m.ParentID, m.RelationType, m.State, m.DecayScore,
		m.IsCompressed, m.Metadata,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

// GetByID fetches a non-deleted memory scoped to the user context.
func (r *MemoryRepository) GetByID(ctx context.Context, userContext, id string) (*models.Memory, error) {
	var m models.Memory
	err := r.db.GetContext(ctx, &m,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE id = $1 AND user_context = $2 AND deleted_at IS NULL`,
		id, userContext)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get memory: %w", err)
	}
	return &m, nil
}

// FindByHash returns the first non-deleted memory with the given content
// hash in the user context, or ErrNotFound.
func (r *MemoryRepository) FindByHash(ctx context.Context, userContext, hash string) (*models.Memory, error) {
	var m models.Memory
	err := r.db.GetContext(ctx, &m,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE user_context = $1 AND content_hash = $2 AND deleted_at IS NULL
		 LIMIT 1`,
		userContext, hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find memory by hash: %w", err)
	}
	return &m, nil
}

// KNNSearch returns non-deleted, embedded memories whose cosine similarity
// to qvec meets threshold, most similar first.
func (r *MemoryRepository) KNNSearch(ctx context.Context, userContext string, qvec models.Vector, filters SearchFilters, threshold float64, limit int) ([]*models.Memory, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + memoryColumns + `,
		1 - (embedding <=> $1::vector) AS similarity
		FROM memories
		WHERE user_context = $2
		  AND deleted_at IS NULL
		  AND embedding IS NOT NULL
		  AND 1 - (embedding <=> $1::vector) >= $3`)

	args := []interface{}{qvec.String(), userContext, threshold}
	if filters.Type != nil {
		args = append(args, *filters.Type)
		sb.WriteString(fmt.Sprintf(" AND type = $%d", len(args)))
	}
	if len(filters.Tags) > 0 {
		args = append(args, pq.Array(filters.Tags))
		sb.WriteString(fmt.Sprintf(" AND tags && $%d", len(args)))
	}
	args = append(args, limit)
	sb.WriteString(fmt.Sprintf(" ORDER BY embedding <=> $1::vector LIMIT $%d", len(args)))

	var results []*models.Memory
	if err := r.db.SelectContext(ctx, &results, sb.String(), args...); err != nil {
		return nil, fmt.Errorf("failed to run vector search: %w", err)
	}
	return results, nil
}

// List pages non-deleted memories by created_at descending.
func (r *MemoryRepository) List(ctx context.Context, userContext string, filters SearchFilters, limit, offset int) ([]*models.Memory, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + memoryColumns + ` FROM memories
		WHERE user_context = $1 AND deleted_at IS NULL`)

	args := []interface{}{userContext}
	if filters.Type != nil {
		args = append(args, *filters.Type)
		sb.WriteString(fmt.Sprintf(" AND type = $%d", len(args)))
	}
	if len(filters.Tags) > 0 {
		args = append(args, pq.Array(filters.Tags))
		sb.WriteString(fmt.Sprintf(" AND tags && $%d", len(args)))
	}
	args = append(args, limit, offset)
	sb.WriteString(fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args)))

	var results []*models.Memory
	if err := r.db.SelectContext(ctx, &results, sb.String(), args...); err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	return results, nil
}

// BumpAccess atomically increments access_count and stamps accessed_at.
func (r *MemoryRepository) BumpAccess(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE memories SET access_count = access_count + 1, accessed_at = now()
		 WHERE id = ANY($1)`,
		pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to bump access: %w", err)
	}
	return nil
}

// UpdateFields applies whitelisted column updates. Stamps updated_at
// unless preserveTimestamps is set.
func (r *MemoryRepository) UpdateFields(ctx context.Context, userContext, id string, updates map[string]interface{}, preserveTimestamps bool) (*models.Memory, error) {
	if len(updates) == 0 {
		return r.GetByID(ctx, userContext, id)
	}

	var sets []string
	args := []interface{}{}
	for col, val := range updates {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if !preserveTimestamps {
		sets = append(sets, "updated_at = now()")
	}
	args = append(args, id, userContext)

	query := fmt.Sprintf(
		`UPDATE memories SET %s WHERE id = $%d AND user_context = $%d AND deleted_at IS NULL`,
		strings.Join(sets, ", "), len(args)-1, len(args))

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return r.GetByID(ctx, userContext, id)
}

// SoftDelete tombstones the given memories. Returns how many rows changed.
func (r *MemoryRepository) SoftDelete(ctx context.Context, userContext string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE memories SET deleted_at = now(), updated_at = now()
		 WHERE id = ANY($1) AND user_context = $2 AND deleted_at IS NULL`,
		pq.Array(ids), userContext)
	if err != nil {
		return 0, fmt.Errorf("failed to soft delete: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SoftDeleteByHash tombstones the memory with the given content hash.
func (r *MemoryRepository) SoftDeleteByHash(ctx context.Context, userContext, hash string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE memories SET deleted_at = now(), updated_at = now()
		 WHERE user_context = $1 AND content_hash = $2 AND deleted_at IS NULL`,
		userContext, hash)
	if err != nil {
		return 0, fmt.Errorf("failed to soft delete by hash: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SetEmbedding stores the vector for a memory. A no-op when the memory
// already has one, which keeps the embedding worker idempotent.
func (r *MemoryRepository) SetEmbedding(ctx context.Context, id string, vec models.Vector) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE memories
		 SET embedding = $1::vector, embedding_dimension = $2, updated_at = now()
		 WHERE id = $3 AND embedding IS NULL AND deleted_at IS NULL`,
		vec.String(), len(vec), id)
	if err != nil {
		return false, fmt.Errorf("failed to set embedding: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// HasEmbedding reports whether the memory already has a stored vector.
func (r *MemoryRepository) HasEmbedding(ctx context.Context, id string) (bool, error) {
	var has bool
	err := r.db.GetContext(ctx, &has,
		`SELECT embedding IS NOT NULL FROM memories WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("failed to check embedding: %w", err)
	}
	return has, nil
}

// SetMetadata replaces the metadata object on a memory.
func (r *MemoryRepository) SetMetadata(ctx context.Context, id string, metadata models.JSONMap) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE memories SET metadata = $1, updated_at = now() WHERE id = $2`, metadata, id)
	if err != nil {
		return fmt.Errorf("failed to set metadata: %w", err)
	}
	return nil
}

// SetClusterIDs assigns cluster membership for a batch of memories.
func (r *MemoryRepository) SetClusterIDs(ctx context.Context, ids []string, clusterID *string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE memories SET cluster_id = $1, updated_at = now() WHERE id = ANY($2)`,
		clusterID, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to set cluster ids: %w", err)
	}
	return nil
}

// ListEmbedded returns non-deleted memories with embeddings for the user
// context, the working set for clustering.
func (r *MemoryRepository) ListEmbedded(ctx context.Context, userContext string, ids []string) ([]*models.Memory, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories
		WHERE user_context = $1 AND deleted_at IS NULL AND embedding IS NOT NULL`
	args := []interface{}{userContext}
	if len(ids) > 0 {
		args = append(args, pq.Array(ids))
		query += ` AND id = ANY($2)`
	}

	var results []*models.Memory
	if err := r.db.SelectContext(ctx, &results, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list embedded memories: %w", err)
	}
	return results, nil
}

// SetCompressed swaps in the compressed content and metadata for a memory.
func (r *MemoryRepository) SetCompressed(ctx context.Context, id string, content models.JSONValue, metadata models.JSONMap) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE memories
		 SET content = $1, is_compressed = TRUE, metadata = $2, updated_at = now()
		 WHERE id = $3`,
		content, metadata, id)
	if err != nil {
		return fmt.Errorf("failed to store compressed content: %w", err)
	}
	return nil
}

// UpdateDecay writes the recomputed decay score, state, and transition log.
func (r *MemoryRepository) UpdateDecay(ctx context.Context, id string, score float64, state models.MemoryState, metadata models.JSONMap, expire bool) error {
	query := `UPDATE memories
		SET decay_score = $1, state = $2, metadata = $3,
		    last_decay_update = now(), updated_at = now()`
	if expire {
		query += `, deleted_at = now()`
	}
	query += ` WHERE id = $4`

	_, err := r.db.ExecContext(ctx, query, score, state, metadata, id)
	if err != nil {
		return fmt.Errorf("failed to update decay state: %w", err)
	}
	return nil
}

// UpdateTags replaces the tag array on a memory.
func (r *MemoryRepository) UpdateTags(ctx context.Context, id string, tags models.StringArray) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE memories SET tags = $1, updated_at = now() WHERE id = $2`, tags, id)
	if err != nil {
		return fmt.Errorf("failed to update tags: %w", err)
	}
	return nil
}

// Preserve pins a memory active with a full decay score.
func (r *MemoryRepository) Preserve(ctx context.Context, id string, metadata models.JSONMap, tags models.StringArray) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE memories
		 SET decay_score = 1.0, state = $1, last_decay_update = now(),
		     metadata = $2, tags = $3, updated_at = now()
		 WHERE id = $4 AND deleted_at IS NULL`,
		models.StateActive, metadata, tags, id)
	if err != nil {
		return fmt.Errorf("failed to preserve memory: %w", err)
	}
	return nil
}

// SelectDecayBatch returns up to size memories due for decay processing:
// not deleted, not expired, last processed over an hour ago, oldest first.
func (r *MemoryRepository) SelectDecayBatch(ctx context.Context, userContext string, size int) ([]*models.Memory, error) {
	var results []*models.Memory
	err := r.db.SelectContext(ctx, &results,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE user_context = $1
		   AND deleted_at IS NULL
		   AND state <> $2
		   AND (last_decay_update IS NULL OR last_decay_update < now() - interval '1 hour')
		 ORDER BY last_decay_update ASC NULLS FIRST
		 LIMIT $3`,
		userContext, models.StateExpired, size)
	if err != nil {
		return nil, fmt.Errorf("failed to select decay batch: %w", err)
	}
	return results, nil
}

// HardDeleteExpired permanently removes soft-deleted, expired memories past
// the retention window, edges first, inside one transaction. Returns the
// number of memories removed.
func (r *MemoryRepository) HardDeleteExpired(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin cleanup transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var ids []string
	if err := tx.SelectContext(ctx, &ids,
		`SELECT id FROM memories
		 WHERE deleted_at < $1 AND state = $2
		 LIMIT $3`,
		cutoff, models.StateExpired, batch); err != nil {
		return 0, fmt.Errorf("failed to select expired memories: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_relations
		 WHERE from_memory_id = ANY($1) OR to_memory_id = ANY($1)`,
		pq.Array(ids)); err != nil {
		return 0, fmt.Errorf("failed to delete expired edges: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM memories WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired memories: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Exists reports whether a non-deleted memory exists in the user context.
func (r *MemoryRepository) Exists(ctx context.Context, userContext, id string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS (
			SELECT 1 FROM memories
			WHERE id = $1 AND user_context = $2 AND deleted_at IS NULL
		)`, id, userContext)
	if err != nil {
		return false, fmt.Errorf("failed to check memory existence: %w", err)
	}
	return exists, nil
}

// ListUserContexts returns every user context that still owns live
// memories. The decay scheduler fans out one job per context.
func (r *MemoryRepository) ListUserContexts(ctx context.Context) ([]string, error) {
	var contexts []string
	err := r.db.SelectContext(ctx, &contexts,
		`SELECT DISTINCT user_context FROM memories WHERE deleted_at IS NULL ORDER BY user_context`)
	if err != nil {
		return nil, fmt.Errorf("failed to list user contexts: %w", err)
	}
	return contexts, nil
}

// Children returns the non-deleted memories whose parent_id is id.
func (r *MemoryRepository) Children(ctx context.Context, userContext, id string) ([]*models.Memory, error) {
	var results []*models.Memory
	err := r.db.SelectContext(ctx, &results,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE parent_id = $1 AND user_context = $2 AND deleted_at IS NULL`,
		id, userContext)
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	return results, nil
}

// Stats aggregates counts for the stats resource, scoped to the context.
func (r *MemoryRepository) Stats(ctx context.Context, userContext string) (*models.MemoryStats, error) {
	stats := &models.MemoryStats{
		MemoriesByType:  map[string]int{},
		MemoriesByState: map[string]int{},
	}

	err := r.db.QueryRowxContext(ctx,
		`SELECT count(*),
		        count(*) FILTER (WHERE is_compressed),
		        count(*) FILTER (WHERE embedding IS NULL),
		        coalesce(avg(decay_score), 0),
		        count(DISTINCT cluster_id) FILTER (WHERE cluster_id IS NOT NULL)
		 FROM memories
		 WHERE user_context = $1 AND deleted_at IS NULL`,
		userContext,
	).Scan(&stats.TotalMemories, &stats.CompressedMemories, &stats.PendingEmbeddings,
		&stats.AvgDecayScore, &stats.TotalClusters)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate memory stats: %w", err)
	}

	rows, err := r.db.QueryxContext(ctx,
		`SELECT type, count(*) FROM memories
		 WHERE user_context = $1 AND deleted_at IS NULL GROUP BY type`,
		userContext)
	if err != nil {
		return nil, fmt.Errorf("failed to count memories by type: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var typ string
		var count int
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, fmt.Errorf("failed to scan type count: %w", err)
		}
		stats.MemoriesByType[typ] = count
	}

	stateRows, err := r.db.QueryxContext(ctx,
		`SELECT state, count(*) FROM memories
		 WHERE user_context = $1 AND deleted_at IS NULL GROUP BY state`,
		userContext)
	if err != nil {
		return nil, fmt.Errorf("failed to count memories by state: %w", err)
	}
	defer func() { _ = stateRows.Close() }()
	for stateRows.Next() {
		var state string
		var count int
		if err := stateRows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan state count: %w", err)
		}
		stats.MemoriesByState[state] = count
	}

	return stats, nil
}

// ListTags returns distinct tags and their usage counts.
func (r *MemoryRepository) ListTags(ctx context.Context, userContext string) (map[string]int, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT tag, count(*) FROM memories, unnest(tags) AS tag
		 WHERE user_context = $1 AND deleted_at IS NULL
		 GROUP BY tag ORDER BY count(*) DESC`,
		userContext)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string]int{}
	for rows.Next() {
		var tag string
		var count int
		if err := rows.Scan(&tag, &count); err != nil {
			return nil, fmt.Errorf("failed to scan tag count: %w", err)
		}
		out[tag] = count
	}
	return out, nil
}

// ListClusters returns each cluster id with its member count.
func (r *MemoryRepository) ListClusters(ctx context.Context, userContext string) ([]models.ClusterInfo, error) {
	var out []models.ClusterInfo
	err := r.db.SelectContext(ctx, &out,
		`SELECT cluster_id, count(*) AS size, max(updated_at) AS updated_at
		 FROM memories
		 WHERE user_context = $1 AND deleted_at IS NULL AND cluster_id IS NOT NULL
		 GROUP BY cluster_id ORDER BY size DESC`,
		userContext)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	return out, nil
}
