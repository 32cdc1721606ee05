package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/engram-ai/engram/pkg/models"
	"github.com/engram-ai/engram/pkg/observability"
)

// RelationRepository manages directed edges between memories. (from, to) is
// unique; concurrent creates converge on the last writer's type and
// strength through the upsert.
type RelationRepository struct {
	db     *sqlx.DB
	logger observability.Logger
}

// NewRelationRepository creates a repository over the given database.
func NewRelationRepository(db *sqlx.DB, logger observability.Logger) *RelationRepository {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &RelationRepository{db: db, logger: logger}
}

// Upsert creates the edge or, on the (from, to) conflict, updates its type
// and strength.
func (r *RelationRepository) Upsert(ctx context.Context, from, to string, relType models.RelationType, strength float64) (*models.MemoryRelation, error) {
	var rel models.MemoryRelation
	err := r.db.GetContext(ctx, &rel,
		`INSERT INTO memory_relations (from_memory_id, to_memory_id, relation_type, strength)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (from_memory_id, to_memory_id)
		 DO UPDATE SET relation_type = EXCLUDED.relation_type,
		               strength = EXCLUDED.strength
		 RETURNING id, from_memory_id, to_memory_id, relation_type, strength,
		           created_at, updated_at`,
		from, to, relType, strength)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert relation: %w", err)
	}
	return &rel, nil
}

// Delete removes the edge from -> to. Returns whether a row was deleted.
func (r *RelationRepository) Delete(ctx context.Context, from, to string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM memory_relations WHERE from_memory_id = $1 AND to_memory_id = $2`,
		from, to)
	if err != nil {
		return false, fmt.Errorf("failed to delete relation: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ForMemory returns every edge touching the memory in either direction.
func (r *RelationRepository) ForMemory(ctx context.Context, id string) ([]*models.MemoryRelation, error) {
	var out []*models.MemoryRelation
	err := r.db.SelectContext(ctx, &out,
		`SELECT id, from_memory_id, to_memory_id, relation_type, strength,
		        created_at, updated_at
		 FROM memory_relations
		 WHERE from_memory_id = $1 OR to_memory_id = $1
		 ORDER BY created_at`,
		id)
	if err != nil {
		return nil, fmt.Errorf("failed to list relations: %w", err)
	}
	return out, nil
}

// Outgoing returns edges with the memory as source, optionally filtered by
// relation type.
func (r *RelationRepository) Outgoing(ctx context.Context, id string, relationTypes []string) ([]*models.MemoryRelation, error) {
	return r.directed(ctx, "from_memory_id", id, relationTypes)
}

// Incoming returns edges with the memory as target, optionally filtered by
// relation type.
func (r *RelationRepository) Incoming(ctx context.Context, id string, relationTypes []string) ([]*models.MemoryRelation, error) {
	return r.directed(ctx, "to_memory_id", id, relationTypes)
}

func (r *RelationRepository) directed(ctx context.Context, column, id string, relationTypes []string) ([]*models.MemoryRelation, error) {
	query := `SELECT id, from_memory_id, to_memory_id, relation_type, strength,
	                 created_at, updated_at
	          FROM memory_relations WHERE ` + column + ` = $1`
	args := []interface{}{id}
	if len(relationTypes) > 0 {
		args = append(args, pq.Array(relationTypes))
		query += ` AND relation_type = ANY($2)`
	}

	var out []*models.MemoryRelation
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list directed relations: %w", err)
	}
	return out, nil
}

// Degree computes connectivity stats for a memory. Both endpoints must be
// non-deleted rows in the same user context.
func (r *RelationRepository) Degree(ctx context.Context, userContext, id string) (*DegreeStats, error) {
	stats := &DegreeStats{RelationTypes: map[string]int{}}

	err := r.db.QueryRowxContext(ctx,
		`SELECT
			count(*) FILTER (WHERE rel.to_memory_id = $1),
			count(*) FILTER (WHERE rel.from_memory_id = $1)
		 FROM memory_relations rel
		 JOIN memories mf ON mf.id = rel.from_memory_id
		     AND mf.deleted_at IS NULL AND mf.user_context = $2
		 JOIN memories mt ON mt.id = rel.to_memory_id
		     AND mt.deleted_at IS NULL AND mt.user_context = $2
		 WHERE rel.from_memory_id = $1 OR rel.to_memory_id = $1`,
		id, userContext,
	).Scan(&stats.InDegree, &stats.OutDegree)
	if err != nil {
		return nil, fmt.Errorf("failed to compute degree: %w", err)
	}
	stats.TotalConnections = stats.InDegree + stats.OutDegree

	rows, err := r.db.QueryxContext(ctx,
		`SELECT rel.relation_type, count(*)
		 FROM memory_relations rel
		 JOIN memories mf ON mf.id = rel.from_memory_id
		     AND mf.deleted_at IS NULL AND mf.user_context = $2
		 JOIN memories mt ON mt.id = rel.to_memory_id
		     AND mt.deleted_at IS NULL AND mt.user_context = $2
		 WHERE rel.from_memory_id = $1 OR rel.to_memory_id = $1
		 GROUP BY rel.relation_type`,
		id, userContext)
	if err != nil {
		return nil, fmt.Errorf("failed to compute relation histogram: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var relType string
		var count int
		if err := rows.Scan(&relType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan relation histogram: %w", err)
		}
		stats.RelationTypes[relType] = count
	}
	return stats, nil
}

// DegreeCount returns the total distinct edge count for a memory, used by
// decay relationship boosts.
func (r *RelationRepository) DegreeCount(ctx context.Context, id string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT count(*) FROM memory_relations
		 WHERE from_memory_id = $1 OR to_memory_id = $1`,
		id)
	if err != nil {
		return 0, fmt.Errorf("failed to count degree: %w", err)
	}
	return n, nil
}

// TopConnectors returns memories ordered by distinct edge count descending.
func (r *RelationRepository) TopConnectors(ctx context.Context, userContext string, limit int) ([]Connector, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT m.id, count(DISTINCT rel.id) AS connections
		 FROM memories m
		 JOIN memory_relations rel
		     ON rel.from_memory_id = m.id OR rel.to_memory_id = m.id
		 WHERE m.user_context = $1 AND m.deleted_at IS NULL
		 GROUP BY m.id
		 ORDER BY connections DESC
		 LIMIT $2`,
		userContext, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find top connectors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type idCount struct {
		id    string
		count int
	}
	var ranked []idCount
	for rows.Next() {
		var ic idCount
		if err := rows.Scan(&ic.id, &ic.count); err != nil {
			return nil, fmt.Errorf("failed to scan connector: %w", err)
		}
		ranked = append(ranked, ic)
	}

	memories := NewMemoryRepository(r.db, r.logger)
	out := make([]Connector, 0, len(ranked))
	for _, ic := range ranked {
		m, err := memories.GetByID(ctx, userContext, ic.id)
		if err != nil {
			continue
		}
		out = append(out, Connector{Memory: m, Connections: ic.count})
	}
	return out, nil
}

// Count returns the number of edges between non-deleted memories in the
// user context.
func (r *RelationRepository) Count(ctx context.Context, userContext string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT count(*)
		 FROM memory_relations rel
		 JOIN memories mf ON mf.id = rel.from_memory_id
		     AND mf.deleted_at IS NULL AND mf.user_context = $1
		 JOIN memories mt ON mt.id = rel.to_memory_id
		     AND mt.deleted_at IS NULL AND mt.user_context = $1`,
		userContext)
	if err != nil {
		return 0, fmt.Errorf("failed to count relations: %w", err)
	}
	return n, nil
}
