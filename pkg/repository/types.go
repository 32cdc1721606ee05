// Package repository provides typed Postgres access for memories and their
// relations: vector-aware queries, soft-delete discipline, and the
// aggregation queries behind the stats resources.
package repository

import (
	"errors"

	"github.com/engram-ai/engram/pkg/models"
)

// ErrNotFound is returned when a referenced row does not exist or is
// soft-deleted.
var ErrNotFound = errors.New("memory not found")

// SearchFilters narrow vector search and listing.
type SearchFilters struct {
	Type *models.MemoryType
	Tags []string
}

// DegreeStats describes one memory's connectivity.
type DegreeStats struct {
	InDegree         int            `json:"inDegree"`
	OutDegree        int            `json:"outDegree"`
	TotalConnections int            `json:"totalConnections"`
	RelationTypes    map[string]int `json:"relationTypes"`
}

// Connector pairs a memory with its distinct edge count.
type Connector struct {
	Memory      *models.Memory `json:"memory"`
	Connections int            `json:"connections"`
}

// memoryColumns is the canonical select list for memory rows.
const memoryColumns = `
	id, user_context, content, content_hash, embedding, embedding_dimension,
	tags, type, source, confidence, importance_score, similarity_threshold,
	decay_rate, access_count, parent_id, relation_type, cluster_id, state,
	decay_score, is_compressed, metadata, created_at, updated_at, accessed_at,
	deleted_at, last_decay_update`
