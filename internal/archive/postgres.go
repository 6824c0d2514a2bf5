package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"buswatch.org/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS bus_events (
	id          UUID PRIMARY KEY,
	kind        TEXT NOT NULL,
	subject     TEXT NOT NULL,
	seq         BIGINT NOT NULL,
	bus_id      TEXT,
	route_id    TEXT,
	payload     JSONB,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS bus_events_subject_created ON bus_events (subject, created_at, seq);
`

const insertEvent = `
INSERT INTO bus_events (id, kind, subject, seq, bus_id, route_id, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING`

// PostgresStore keeps events in PostgreSQL for long-term retention.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn, pings the server and creates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to archive database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging archive database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating archive schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// WriteEvents inserts events in one batch. Events already archived are
// skipped, so a retried batch is harmless.
func (s *PostgresStore) WriteEvents(ctx context.Context, events []models.Event) error {
	batch := &pgx.Batch{}
	for _, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encoding payload of %s: %w", e.ID, err)
		}
		batch.Queue(insertEvent, e.ID, string(e.Kind), e.Subject.String(), int64(e.Seq),
			nullable(e.BusID), nullable(e.RouteID), payload, e.CreatedAt.UTC())
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("archiving %d events: %w", len(events), err)
	}
	return nil
}

// ListEvents returns archived events for subject created at or after since.
func (s *PostgresStore) ListEvents(ctx context.Context, subject string, since time.Time, limit int) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, subject, seq, COALESCE(bus_id, ''), COALESCE(route_id, ''), payload, created_at
		FROM bus_events
		WHERE subject = $1 AND created_at >= $2
		ORDER BY created_at, seq
		LIMIT $3`, subject, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying archive: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var (
			e       models.Event
			kind    string
			subj    string
			seq     int64
			payload []byte
		)
		if err := rows.Scan(&e.ID, &kind, &subj, &seq, &e.BusID, &e.RouteID, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning archived event: %w", err)
		}
		e.Kind = models.EventKind(kind)
		e.Seq = uint64(seq)
		if e.Subject, err = models.ParseSubject(subj); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("decoding payload of %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
