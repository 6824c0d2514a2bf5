package busdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"buswatch.org/internal/appconf"
	"buswatch.org/internal/logging"
	_ "github.com/mattn/go-sqlite3" // CGo-based SQLite driver
)

// Config controls where and how the database is opened.
type Config struct {
	DBPath  string
	Env     appconf.Environment
	verbose bool
}

func NewConfig(dbPath string, env appconf.Environment, verbose bool) Config {
	return Config{DBPath: dbPath, Env: env, verbose: verbose}
}

// Client is the main entry point for the durable store.
type Client struct {
	config  Config
	DB      *sql.DB
	Queries *Queries
}

// NewClient opens the database, applies the schema and returns a Client.
func NewClient(config Config) (*Client, error) {
	db, err := createDB(config)
	if err != nil {
		return nil, fmt.Errorf("unable to create DB: %w", err)
	} else if config.verbose {
		logging.LogOperation(slog.Default().With(slog.String("component", "busdb")),
			"tables_created", slog.String("path", config.DBPath))
	}

	return &Client{
		config:  config,
		DB:      db,
		Queries: New(db),
	}, nil
}

func (c *Client) Close() error {
	return c.DB.Close()
}

func (c *Client) GetDBPath() string {
	return c.config.DBPath
}

// Ping reports whether the database is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

var countedTables = map[string]bool{
	"routes":            true,
	"stops":             true,
	"drivers":           true,
	"buses":             true,
	"students":          true,
	"route_assignments": true,
	"position_history":  true,
	"events":            true,
	"bus_snapshots":     true,
	"travel_times":      true,
}

// TableCounts returns row counts for the known tables.
func (c *Client) TableCounts() (map[string]int, error) {
	rows, err := c.DB.Query("SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'")
	if err != nil {
		return nil, err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if countedTables[name] {
			tables = append(tables, name)
		}
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(tables))
	for _, table := range tables {
		var n int
		// table names come from the whitelist above
		if err := c.DB.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			return nil, err
		}
		counts[table] = n
	}
	return counts, nil
}
