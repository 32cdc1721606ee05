// Command migrate applies the database schema. Migrations are ordered,
// transactional, and recorded, so reruns are no-ops.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/engram-ai/engram/pkg/config"
	"github.com/engram-ai/engram/pkg/database"
	"github.com/engram-ai/engram/pkg/observability"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := observability.NewStandardLoggerWithLevel("engram-migrate", observability.LogLevel(cfg.LogLevel))

	ctx := context.Background()
	db, err := database.New(ctx, database.Config{
		URL:            cfg.Database.URL,
		ConnectTimeout: cfg.Database.ConnectTimeout,
	}, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	return database.Migrate(ctx, db, cfg.Embedding.Dimensions, logger)
}
