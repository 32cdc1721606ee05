// Package database manages the Postgres connection pool and schema
// migrations for the memory store.
package database

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/engram-ai/engram/pkg/observability"
)

// Config holds connection pool settings.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// New connects to Postgres, applies pool limits, and verifies the
// connection with a bounded ping.
func New(ctx context.Context, cfg Config, logger observability.Logger) (*sqlx.DB, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	logger.Info("Connected to database", map[string]interface{}{
		"max_open_conns": cfg.MaxOpenConns,
	})
	return db, nil
}
