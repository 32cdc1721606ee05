// Package models defines the core entities of the memory service: memories,
// relations between them, and the database-facing value types they use.
package models

import (
	"time"
)

// MemoryType classifies what kind of knowledge a memory holds.
type MemoryType string

const (
	MemoryTypeFact         MemoryType = "fact"
	MemoryTypeConversation MemoryType = "conversation"
	MemoryTypeDecision     MemoryType = "decision"
	MemoryTypeInsight      MemoryType = "insight"
	MemoryTypeError        MemoryType = "error"
	MemoryTypeContext      MemoryType = "context"
	MemoryTypePreference   MemoryType = "preference"
	MemoryTypeTask         MemoryType = "task"

	// System-generated types. Not accepted from callers.
	MemoryTypeMerged  MemoryType = "merged"
	MemoryTypeSummary MemoryType = "summary"
)

// UserStorableTypes are the memory types accepted on ingest.
var UserStorableTypes = []MemoryType{
	MemoryTypeFact,
	MemoryTypeConversation,
	MemoryTypeDecision,
	MemoryTypeInsight,
	MemoryTypeError,
	MemoryTypeContext,
	MemoryTypePreference,
	MemoryTypeTask,
}

// IsUserStorableType reports whether t may be supplied by a caller.
func IsUserStorableType(t MemoryType) bool {
	for _, v := range UserStorableTypes {
		if v == t {
			return true
		}
	}
	return false
}

// MemoryState is the lifecycle state driven by decay scoring.
type MemoryState string

const (
	StateActive   MemoryState = "active"
	StateDormant  MemoryState = "dormant"
	StateArchived MemoryState = "archived"
	StateExpired  MemoryState = "expired"
)

// DefaultUserContext scopes memories that were stored without an explicit
// tenant key.
const DefaultUserContext = "default"

// Memory is a single record of semi-structured knowledge.
type Memory struct {
	ID                  string      `json:"id" db:"id"`
	UserContext         string      `json:"user_context" db:"user_context"`
	Content             JSONValue   `json:"content" db:"content"`
	ContentHash         string      `json:"content_hash" db:"content_hash"`
	Embedding           Vector      `json:"-" db:"embedding"`
	EmbeddingDimension  *int        `json:"embedding_dimension,omitempty" db:"embedding_dimension"`
	Tags                StringArray `json:"tags" db:"tags"`
	Type                MemoryType  `json:"type" db:"type"`
	Source              string      `json:"source" db:"source"`
	Confidence          float64     `json:"confidence" db:"confidence"`
	ImportanceScore     float64     `json:"importance_score" db:"importance_score"`
	SimilarityThreshold float64     `json:"similarity_threshold" db:"similarity_threshold"`
	DecayRate           float64     `json:"decay_rate" db:"decay_rate"`
	AccessCount         int         `json:"access_count" db:"access_count"`
	ParentID            *string     `json:"parent_id,omitempty" db:"parent_id"`
	RelationType        *string     `json:"relation_type,omitempty" db:"relation_type"`
	ClusterID           *string     `json:"cluster_id,omitempty" db:"cluster_id"`
	State               MemoryState `json:"state" db:"state"`
	DecayScore          float64     `json:"decay_score" db:"decay_score"`
	IsCompressed        bool        `json:"is_compressed" db:"is_compressed"`
	Metadata            JSONMap     `json:"metadata" db:"metadata"`
	CreatedAt           time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at" db:"updated_at"`
	AccessedAt          *time.Time  `json:"accessed_at,omitempty" db:"accessed_at"`
	DeletedAt           *time.Time  `json:"deleted_at,omitempty" db:"deleted_at"`
	LastDecayUpdate     *time.Time  `json:"last_decay_update,omitempty" db:"last_decay_update"`

	// Similarity is populated by vector search results only.
	Similarity float64 `json:"similarity,omitempty" db:"similarity"`
}

// LastAccess returns the timestamp decay calculations run from.
func (m *Memory) LastAccess() time.Time {
	if m.AccessedAt != nil {
		return *m.AccessedAt
	}
	return m.CreatedAt
}

// HasEmbedding reports whether the async embedding pipeline has completed
// for this memory.
func (m *Memory) HasEmbedding() bool {
	return len(m.Embedding) > 0
}

// StateTransition is appended to metadata.transitions by the lifecycle
// engine whenever a memory changes state.
type StateTransition struct {
	From      MemoryState `json:"from"`
	To        MemoryState `json:"to"`
	Timestamp time.Time   `json:"timestamp"`
}

// MemoryStats is the aggregate view returned by the stats resource.
type MemoryStats struct {
	TotalMemories      int            `json:"total_memories"`
	MemoriesByType     map[string]int `json:"memories_by_type"`
	MemoriesByState    map[string]int `json:"memories_by_state"`
	TotalRelations     int            `json:"total_relations"`
	TotalClusters      int            `json:"total_clusters"`
	CompressedMemories int            `json:"compressed_memories"`
	PendingEmbeddings  int            `json:"pending_embeddings"`
	AvgDecayScore      float64        `json:"avg_decay_score"`
}

// ClusterInfo summarizes one cluster for the clusters resource.
type ClusterInfo struct {
	ClusterID string     `json:"cluster_id" db:"cluster_id"`
	Size      int        `json:"size" db:"size"`
	Coherence float64    `json:"coherence,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty" db:"updated_at"`
}
