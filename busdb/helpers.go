package busdb

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"buswatch.org/internal/appconf"
	"buswatch.org/internal/logging"
)

//go:embed schema.sql
var ddl string

func createDB(config Config) (*sql.DB, error) {
	if config.Env == appconf.Test && config.DBPath != ":memory:" {
		return nil, fmt.Errorf("test database must use in-memory storage, got path: %s", config.DBPath)
	}

	db, err := sql.Open("sqlite3", config.DBPath)
	if err != nil {
		return nil, err
	}

	// :memory: gives every connection its own database, so the pool must be
	// sized before the schema is applied.
	configureConnectionPool(db, config)

	ctx := context.Background()
	if err := configureSQLitePerformance(ctx, db, config); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error configuring SQLite performance: %w", err)
	}

	if err := performDatabaseMigration(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error performing database migration: %w", err)
	}

	return db, nil
}

func performDatabaseMigration(ctx context.Context, db *sql.DB) error {
	statements := strings.Split(ddl, "-- migrate")
	for _, stmt := range statements {
		trimmedStmt := strings.TrimSpace(stmt)
		if trimmedStmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, trimmedStmt); err != nil {
			return fmt.Errorf("error executing DDL statement [%s]: %w", trimmedStmt, err)
		}
	}
	return nil
}

type pragma struct {
	name        string
	description string
}

func configureSQLitePerformance(ctx context.Context, db *sql.DB, config Config) error {
	pragmas := []pragma{
		{"PRAGMA cache_size=-64000", "Set cache size to 64MB"},
		{"PRAGMA temp_store=MEMORY", "Store temporary data in memory"},
	}
	if config.DBPath != ":memory:" {
		pragmas = append(pragmas,
			pragma{"PRAGMA journal_mode=WAL", "Enable write-ahead logging"},
			pragma{"PRAGMA busy_timeout=5000", "Wait for locks up to 5s"},
		)
	}

	logger := slog.Default().With(slog.String("component", "sqlite_performance"))

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.name); err != nil {
			logging.LogError(logger, fmt.Sprintf("Failed to set %s", p.description), err)
			return fmt.Errorf("failed to execute %s: %w", p.name, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if config.verbose {
		logging.LogOperation(logger, "sqlite_performance_settings_applied",
			slog.Int("pragma_count", len(pragmas)))
	}
	return nil
}

// configureConnectionPool limits :memory: databases to a single connection,
// which serializes all access. File databases run in WAL mode with a larger
// pool.
func configureConnectionPool(db *sql.DB, config Config) {
	if config.DBPath == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		return
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
