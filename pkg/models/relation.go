package models

import "time"

// RelationType labels a directed edge between two memories.
type RelationType string

const (
	RelationReferences  RelationType = "references"
	RelationContradicts RelationType = "contradicts"
	RelationSupports    RelationType = "supports"
	RelationExtends     RelationType = "extends"
	RelationCauses      RelationType = "causes"
	RelationCausedBy    RelationType = "caused_by"
	RelationPrecedes    RelationType = "precedes"
	RelationFollows     RelationType = "follows"
	RelationPartOf      RelationType = "part_of"
	RelationContains    RelationType = "contains"
	RelationRelatesTo   RelationType = "relates_to"
)

var canonicalRelationTypes = map[RelationType]bool{
	RelationReferences:  true,
	RelationContradicts: true,
	RelationSupports:    true,
	RelationExtends:     true,
	RelationCauses:      true,
	RelationCausedBy:    true,
	RelationPrecedes:    true,
	RelationFollows:     true,
	RelationPartOf:      true,
	RelationContains:    true,
	RelationRelatesTo:   true,
}

// NormalizeRelationType maps unknown relation labels to relates_to so the
// edge table only ever holds canonical types.
func NormalizeRelationType(t string) RelationType {
	rt := RelationType(t)
	if canonicalRelationTypes[rt] {
		return rt
	}
	return RelationRelatesTo
}

// reverseRelationTypes drives bidirectional edge creation. Types without an
// entry reverse to themselves.
var reverseRelationTypes = map[RelationType]RelationType{
	RelationExtends:    RelationReferences,
	RelationReferences: RelationExtends,
	RelationCauses:     RelationCausedBy,
	RelationCausedBy:   RelationCauses,
	RelationPrecedes:   RelationFollows,
	RelationFollows:    RelationPrecedes,
	RelationPartOf:     RelationContains,
	RelationContains:   RelationPartOf,
}

// ReverseRelationType returns the label for the opposite direction of t.
func ReverseRelationType(t RelationType) RelationType {
	if rev, ok := reverseRelationTypes[t]; ok {
		return rev
	}
	return t
}

// MemoryRelation is a directed edge between two memories. (from, to) is
// unique; bidirectional semantics require two rows.
type MemoryRelation struct {
	ID           string       `json:"id" db:"id"`
	FromMemoryID string       `json:"from_memory_id" db:"from_memory_id"`
	ToMemoryID   string       `json:"to_memory_id" db:"to_memory_id"`
	RelationType RelationType `json:"relation_type" db:"relation_type"`
	Strength     float64      `json:"strength" db:"strength"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at" db:"updated_at"`
}
