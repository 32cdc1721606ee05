package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/engram-ai/engram/pkg/observability"
)

// Migration is one ordered, idempotent schema step.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrations returns the ordered schema migrations. The embedding column is
// typed to the deployment's fixed dimension, which the HNSW index requires.
func Migrations(dimensions int) []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "extensions",
			SQL: `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE EXTENSION IF NOT EXISTS pgcrypto;
`,
		},
		{
			Version: 2,
			Name:    "memories",
			SQL: fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS memories (
    id                   UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    user_context         VARCHAR(100) NOT NULL DEFAULT 'default',
    content              JSONB NOT NULL,
    content_hash         VARCHAR(64) NOT NULL,
    embedding            vector(%d),
    embedding_dimension  INTEGER,
    tags                 TEXT[] NOT NULL DEFAULT '{}',
    type                 VARCHAR(20) NOT NULL,
    source               VARCHAR(255) NOT NULL DEFAULT '',
    confidence           DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    importance_score     DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    similarity_threshold DOUBLE PRECISION NOT NULL DEFAULT 0.7,
    decay_rate           DOUBLE PRECISION NOT NULL DEFAULT 0.01,
    access_count         INTEGER NOT NULL DEFAULT 0,
    parent_id            UUID REFERENCES memories(id) ON DELETE SET NULL,
    relation_type        VARCHAR(50),
    cluster_id           TEXT,
    state                VARCHAR(10) NOT NULL DEFAULT 'active',
    decay_score          DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    is_compressed        BOOLEAN NOT NULL DEFAULT FALSE,
    metadata             JSONB NOT NULL DEFAULT '{}',
    created_at           TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
    updated_at           TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
    accessed_at          TIMESTAMP WITH TIME ZONE,
    deleted_at           TIMESTAMP WITH TIME ZONE,
    last_decay_update    TIMESTAMP WITH TIME ZONE
);
`, dimensions),
		},
		{
			Version: 3,
			Name:    "memory_relations",
			SQL: `
CREATE TABLE IF NOT EXISTS memory_relations (
    id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    from_memory_id UUID NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    to_memory_id   UUID NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    relation_type  VARCHAR(20) NOT NULL DEFAULT 'relates_to',
    strength       DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    created_at     TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
    updated_at     TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
    CONSTRAINT memory_relations_from_to_unique UNIQUE (from_memory_id, to_memory_id)
);
`,
		},
		{
			Version: 4,
			Name:    "indexes",
			SQL: `
CREATE UNIQUE INDEX IF NOT EXISTS idx_memories_context_hash
    ON memories (user_context, content_hash) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_memories_embedding_hnsw
    ON memories USING hnsw (embedding vector_cosine_ops);
CREATE INDEX IF NOT EXISTS idx_memories_tags ON memories USING gin (tags);
CREATE INDEX IF NOT EXISTS idx_memories_state ON memories (state);
CREATE INDEX IF NOT EXISTS idx_memories_decay_score ON memories (decay_score);
CREATE INDEX IF NOT EXISTS idx_memories_is_compressed ON memories (is_compressed);
CREATE INDEX IF NOT EXISTS idx_memories_deleted_at ON memories (deleted_at);
CREATE INDEX IF NOT EXISTS idx_relations_from_type
    ON memory_relations (from_memory_id, relation_type);
CREATE INDEX IF NOT EXISTS idx_relations_to_type
    ON memory_relations (to_memory_id, relation_type);
`,
		},
		{
			Version: 5,
			Name:    "updated_at_trigger",
			SQL: `
CREATE OR REPLACE FUNCTION set_updated_at() RETURNS TRIGGER AS $$
BEGIN
    NEW.updated_at = now();
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

-- memories stamps updated_at inside each UPDATE statement instead: a
-- BEFORE UPDATE trigger would overwrite the preserve_timestamps path,
-- which must keep the previous value.
DROP TRIGGER IF EXISTS memories_set_updated_at ON memories;

DROP TRIGGER IF EXISTS memory_relations_set_updated_at ON memory_relations;
CREATE TRIGGER memory_relations_set_updated_at
    BEFORE UPDATE ON memory_relations
    FOR EACH ROW EXECUTE FUNCTION set_updated_at();
`,
		},
		{
			Version: 6,
			Name:    "lifecycle_backfill",
			SQL: `
UPDATE memories SET state = 'active' WHERE state IS NULL;
UPDATE memories SET decay_score = 1.0 WHERE decay_score IS NULL;
UPDATE memories SET last_decay_update = created_at WHERE last_decay_update IS NULL;
UPDATE memories SET accessed_at = created_at WHERE accessed_at IS NULL;
UPDATE memories SET embedding_dimension = vector_dims(embedding)
    WHERE embedding IS NOT NULL AND embedding_dimension IS NULL;
`,
		},
	}
}

// Migrate applies every unapplied migration in order, each inside its own
// transaction, and records it in schema_migrations. Re-running is a no-op.
func Migrate(ctx context.Context, db *sqlx.DB, dimensions int, logger observability.Logger) error {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	applied := map[int]bool{}
	var versions []int
	if err := db.SelectContext(ctx, &versions, `SELECT version FROM schema_migrations`); err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}
	for _, v := range versions {
		applied[v] = true
	}

	for _, m := range Migrations(dimensions) {
		if applied[m.Version] {
			continue
		}
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`,
			m.Version, m.Name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
		logger.Info("Applied migration", map[string]interface{}{
			"version": m.Version,
			"name":    m.Name,
		})
	}
	return nil
}
