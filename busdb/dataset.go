package busdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"buswatch.org/internal/logging"
	"buswatch.org/internal/models"
)

// HashBytes returns the hex SHA-256 of raw dataset bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ImportDataset replaces the stored dataset with ds unless the stored one
// came from the same source with the same hash. It reports whether anything
// was written.
func (c *Client) ImportDataset(ctx context.Context, ds models.Dataset, source, hash string) (bool, error) {
	logger := slog.Default().With(slog.String("component", "dataset_importer"))
	startTime := time.Now()

	existing, err := c.Queries.GetImportMetadata(ctx)
	switch {
	case err == nil:
		if existing.FileHash == hash && existing.FileSource == source {
			logging.LogOperation(logger, "dataset_unchanged_skipping_import",
				slog.String("hash", shortHash(hash)))
			return false, nil
		}
	case errors.Is(err, sql.ErrNoRows):
		// first import
	default:
		return false, fmt.Errorf("error checking import metadata: %w", err)
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()
	q := c.Queries.WithTx(tx)

	if err := q.ClearDataset(ctx); err != nil {
		return false, err
	}
	for _, r := range ds.Routes {
		if err := q.CreateRoute(ctx, r); err != nil {
			return false, fmt.Errorf("unable to create route %s: %w", r.ID, err)
		}
	}
	for _, d := range ds.Drivers {
		if err := q.CreateDriver(ctx, d); err != nil {
			return false, fmt.Errorf("unable to create driver %s: %w", d.ID, err)
		}
	}
	for _, b := range ds.Buses {
		if err := q.CreateBus(ctx, b); err != nil {
			return false, fmt.Errorf("unable to create bus %s: %w", b.ID, err)
		}
	}
	for _, s := range ds.Students {
		if err := q.CreateStudent(ctx, s); err != nil {
			return false, fmt.Errorf("unable to create student %s: %w", s.ID, err)
		}
	}
	for _, a := range ds.Assignments {
		if err := q.UpsertAssignment(ctx, a); err != nil {
			return false, fmt.Errorf("unable to store assignment for bus %s: %w", a.BusID, err)
		}
	}
	for _, t := range ds.TravelTimes {
		if err := q.UpsertTravelTime(ctx, t); err != nil {
			return false, fmt.Errorf("unable to store travel time %s -> %s: %w", t.FromStopID, t.ToStopID, err)
		}
	}
	if err := q.UpsertImportMetadata(ctx, ImportMetadata{FileHash: hash, FileSource: source, ImportedAt: time.Now()}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	logging.LogOperation(logger, "dataset_import_completed",
		slog.Duration("duration", time.Since(startTime)),
		slog.String("source", source),
		slog.Int("routes", len(ds.Routes)),
		slog.Int("buses", len(ds.Buses)),
		slog.Int("students", len(ds.Students)))
	return true, nil
}

// LoadDataset reads the stored dataset back.
func (c *Client) LoadDataset(ctx context.Context) (models.Dataset, error) {
	var ds models.Dataset
	var err error
	if ds.Routes, err = c.Queries.ListRoutes(ctx); err != nil {
		return ds, fmt.Errorf("loading routes: %w", err)
	}
	if ds.Drivers, err = c.Queries.ListDrivers(ctx); err != nil {
		return ds, fmt.Errorf("loading drivers: %w", err)
	}
	if ds.Buses, err = c.Queries.ListBuses(ctx); err != nil {
		return ds, fmt.Errorf("loading buses: %w", err)
	}
	if ds.Students, err = c.Queries.ListStudents(ctx); err != nil {
		return ds, fmt.Errorf("loading students: %w", err)
	}
	if ds.Assignments, err = c.Queries.ListAssignments(ctx); err != nil {
		return ds, fmt.Errorf("loading assignments: %w", err)
	}
	if ds.TravelTimes, err = c.Queries.ListTravelTimes(ctx); err != nil {
		return ds, fmt.Errorf("loading travel times: %w", err)
	}
	return ds, nil
}

// SaveSnapshots stores the state of every bus for serviceDate in one
// transaction. archived marks the end-of-day snapshot, which Restore ignores.
func (c *Client) SaveSnapshots(ctx context.Context, serviceDate string, buses []models.BusSnapshot, archived bool) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	q := c.Queries.WithTx(tx)
	for _, b := range buses {
		if err := q.UpsertSnapshot(ctx, serviceDate, b, archived); err != nil {
			return fmt.Errorf("snapshot of bus %s: %w", b.ID, err)
		}
	}
	return tx.Commit()
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
