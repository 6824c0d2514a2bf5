package busdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"buswatch.org/internal/models"
	"buswatch.org/internal/utils"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type ImportMetadata struct {
	FileHash   string
	FileSource string
	ImportedAt time.Time
}

func (q *Queries) GetImportMetadata(ctx context.Context) (ImportMetadata, error) {
	var m ImportMetadata
	var importedAt int64
	err := q.db.QueryRowContext(ctx,
		`SELECT file_hash, file_source, imported_at FROM import_metadata WHERE id = 1`,
	).Scan(&m.FileHash, &m.FileSource, &importedAt)
	m.ImportedAt = time.UnixMilli(importedAt)
	return m, err
}

func (q *Queries) UpsertImportMetadata(ctx context.Context, m ImportMetadata) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO import_metadata (id, file_hash, file_source, imported_at) VALUES (1, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    file_hash = excluded.file_hash,
    file_source = excluded.file_source,
    imported_at = excluded.imported_at`,
		m.FileHash, m.FileSource, m.ImportedAt.UnixMilli())
	return err
}

// ClearDataset removes routes, stops, fleet and roster. History, events and
// snapshots are kept.
func (q *Queries) ClearDataset(ctx context.Context) error {
	for _, table := range []string{"stops", "routes", "buses", "drivers", "students", "route_assignments", "travel_times"} {
		if _, err := q.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	return nil
}

func (q *Queries) CreateRoute(ctx context.Context, r models.Route) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO routes (id, name, school, direction, polyline) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.School, string(r.Direction), utils.EncodePolyline(r.Polyline))
	if err != nil {
		return err
	}
	for _, s := range r.Stops {
		_, err := q.db.ExecContext(ctx,
			`INSERT INTO stops (id, route_id, name, lat, lon, scheduled_seconds, ordinal) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.ID, r.ID, s.Name, s.Position.Lat, s.Position.Lon, int64(s.ScheduledTime/time.Second), s.Ordinal)
		if err != nil {
			return fmt.Errorf("stop %s: %w", s.ID, err)
		}
	}
	return nil
}

// ListRoutes returns every route with its stops ordered by ordinal.
func (q *Queries) ListRoutes(ctx context.Context) ([]models.Route, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id, name, school, direction, polyline FROM routes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck
	var routes []models.Route
	for rows.Next() {
		var r models.Route
		var direction, encoded string
		if err := rows.Scan(&r.ID, &r.Name, &r.School, &direction, &encoded); err != nil {
			return nil, err
		}
		r.Direction = models.RouteDirection(direction)
		if r.Polyline, err = utils.DecodePolyline(encoded); err != nil {
			return nil, fmt.Errorf("route %s polyline: %w", r.ID, err)
		}
		routes = append(routes, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	for i := range routes {
		stops, err := q.listStops(ctx, routes[i].ID)
		if err != nil {
			return nil, err
		}
		routes[i].Stops = stops
	}
	return routes, nil
}

func (q *Queries) listStops(ctx context.Context, routeID string) ([]models.Stop, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, name, lat, lon, scheduled_seconds, ordinal
FROM stops WHERE route_id = ? ORDER BY ordinal`, routeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck
	var stops []models.Stop
	for rows.Next() {
		var s models.Stop
		var seconds int64
		if err := rows.Scan(&s.ID, &s.Name, &s.Position.Lat, &s.Position.Lon, &seconds, &s.Ordinal); err != nil {
			return nil, err
		}
		s.ScheduledTime = time.Duration(seconds) * time.Second
		stops = append(stops, s)
	}
	return stops, rows.Err()
}

func (q *Queries) CreateDriver(ctx context.Context, d models.Driver) error {
	_, err := q.db.ExecContext(ctx, `INSERT INTO drivers (id, name) VALUES (?, ?)`, d.ID, d.Name)
	return err
}

func (q *Queries) ListDrivers(ctx context.Context) ([]models.Driver, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id, name FROM drivers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck
	var items []models.Driver
	for rows.Next() {
		var d models.Driver
		if err := rows.Scan(&d.ID, &d.Name); err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

func (q *Queries) CreateBus(ctx context.Context, b models.Bus) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO buses (id, vehicle_number, route_id, driver_id, capacity, wheelchair_accessible)
VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.VehicleNumber, b.RouteID, b.DriverID, b.Capacity, boolToInt(b.WheelchairAccessible))
	return err
}

func (q *Queries) ListBuses(ctx context.Context) ([]models.Bus, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, vehicle_number, route_id, driver_id, capacity, wheelchair_accessible
FROM buses ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck
	var items []models.Bus
	for rows.Next() {
		var b models.Bus
		var wheelchair int64
		if err := rows.Scan(&b.ID, &b.VehicleNumber, &b.RouteID, &b.DriverID, &b.Capacity, &wheelchair); err != nil {
			return nil, err
		}
		b.WheelchairAccessible = wheelchair == 1
		b.Status = models.BusStatusInactive
		items = append(items, b)
	}
	return items, rows.Err()
}

func (q *Queries) CreateStudent(ctx context.Context, s models.Student) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO students (id, name, grade, stop_id, bus_id, parent_ids) VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.Grade, s.StopID, s.BusID, strings.Join(s.ParentIDs, ","))
	return err
}

func (q *Queries) ListStudents(ctx context.Context) ([]models.Student, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, name, grade, stop_id, bus_id, parent_ids FROM students ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck
	var items []models.Student
	for rows.Next() {
		var s models.Student
		var parents string
		if err := rows.Scan(&s.ID, &s.Name, &s.Grade, &s.StopID, &s.BusID, &parents); err != nil {
			return nil, err
		}
		if parents != "" {
			s.ParentIDs = strings.Split(parents, ",")
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (q *Queries) UpsertAssignment(ctx context.Context, a models.RouteAssignment) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO route_assignments (bus_id, service_date, route_id, driver_id) VALUES (?, ?, ?, ?)
ON CONFLICT (bus_id, service_date) DO UPDATE SET
    route_id = excluded.route_id,
    driver_id = excluded.driver_id`,
		a.BusID, a.ServiceDate, a.RouteID, a.DriverID)
	return err
}

func (q *Queries) ListAssignments(ctx context.Context) ([]models.RouteAssignment, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT bus_id, service_date, route_id, driver_id FROM route_assignments ORDER BY service_date, bus_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck
	var items []models.RouteAssignment
	for rows.Next() {
		var a models.RouteAssignment
		if err := rows.Scan(&a.BusID, &a.ServiceDate, &a.RouteID, &a.DriverID); err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (q *Queries) UpsertTravelTime(ctx context.Context, t models.TravelTime) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO travel_times (from_stop_id, to_stop_id, time_of_day, day_of_week, duration_seconds) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (from_stop_id, to_stop_id, time_of_day, day_of_week) DO UPDATE SET
    duration_seconds = excluded.duration_seconds`,
		t.FromStopID, t.ToStopID, string(t.TimeOfDay), t.DayOfWeek, int64(t.Duration/time.Second))
	return err
}

func (q *Queries) ListTravelTimes(ctx context.Context) ([]models.TravelTime, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT from_stop_id, to_stop_id, time_of_day, day_of_week, duration_seconds
FROM travel_times
ORDER BY from_stop_id, to_stop_id, time_of_day, day_of_week`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck
	var items []models.TravelTime
	for rows.Next() {
		var t models.TravelTime
		var tod string
		var seconds int64
		if err := rows.Scan(&t.FromStopID, &t.ToStopID, &tod, &t.DayOfWeek, &seconds); err != nil {
			return nil, err
		}
		t.TimeOfDay = models.TimeOfDay(tod)
		t.Duration = time.Duration(seconds) * time.Second
		items = append(items, t)
	}
	return items, rows.Err()
}

func (q *Queries) InsertPosition(ctx context.Context, r models.PositionReport) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO position_history (bus_id, lat, lon, speed, heading, device_ts, received_ts)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.BusID, r.Position.Lat, r.Position.Lon, r.SpeedMps, r.HeadingDegrees,
		r.DeviceTimestamp.UnixMilli(), r.ReceivedAt.UnixMilli())
	return err
}

// ListPositions returns a bus's reports with device timestamp at or after
// since, oldest first.
func (q *Queries) ListPositions(ctx context.Context, busID string, since time.Time, limit int) ([]models.PositionReport, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT bus_id, lat, lon, speed, heading, device_ts, received_ts
FROM position_history
WHERE bus_id = ? AND device_ts >= ?
ORDER BY device_ts
LIMIT ?`, busID, since.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck
	var items []models.PositionReport
	for rows.Next() {
		var r models.PositionReport
		var deviceTS, receivedTS int64
		if err := rows.Scan(&r.BusID, &r.Position.Lat, &r.Position.Lon, &r.SpeedMps, &r.HeadingDegrees, &deviceTS, &receivedTS); err != nil {
			return nil, err
		}
		r.DeviceTimestamp = time.UnixMilli(deviceTS).UTC()
		r.ReceivedAt = time.UnixMilli(receivedTS).UTC()
		items = append(items, r)
	}
	return items, rows.Err()
}

// PrunePositions deletes history with a device timestamp before cutoff.
func (q *Queries) PrunePositions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM position_history WHERE device_ts < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) InsertEvent(ctx context.Context, e models.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
INSERT INTO events (id, kind, subject, bus_id, route_id, seq, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`,
		e.ID, string(e.Kind), e.Subject.String(), e.BusID, e.RouteID, int64(e.Seq), string(payload), e.CreatedAt.UnixMilli())
	return err
}

const selectEvents = `SELECT id, kind, subject, bus_id, route_id, seq, payload, created_at FROM events`

func (q *Queries) GetEvent(ctx context.Context, id string) (models.Event, error) {
	return scanEvent(q.db.QueryRowContext(ctx, selectEvents+` WHERE id = ?`, id))
}

// ListEvents returns events for subject created at or after since, in
// creation order. An empty subject matches every subject.
func (q *Queries) ListEvents(ctx context.Context, subject string, since time.Time, limit int) ([]models.Event, error) {
	query := selectEvents + ` WHERE created_at >= ?`
	args := []any{since.UnixMilli()}
	if subject != "" {
		query += ` AND subject = ?`
		args = append(args, subject)
	}
	query += ` ORDER BY created_at, seq LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck
	var items []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

// MaxEventSeqs returns the highest sequence number per subject that was
// either logged with an event or reserved for unlogged eta-updates.
func (q *Queries) MaxEventSeqs(ctx context.Context) (map[string]uint64, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT subject, MAX(seq) FROM (
    SELECT subject, seq FROM events
    UNION ALL
    SELECT subject, reserved AS seq FROM subject_sequences
)
GROUP BY subject`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck
	out := make(map[string]uint64)
	for rows.Next() {
		var subject string
		var seq int64
		if err := rows.Scan(&subject, &seq); err != nil {
			return nil, err
		}
		out[subject] = uint64(seq)
	}
	return out, rows.Err()
}

// ReserveSeq records that sequence numbers up to ceiling may be handed out
// for subject. A lower ceiling never replaces a higher one.
func (q *Queries) ReserveSeq(ctx context.Context, subject string, ceiling uint64) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO subject_sequences (subject, reserved) VALUES (?, ?)
ON CONFLICT (subject) DO UPDATE SET reserved = MAX(reserved, excluded.reserved)`,
		subject, int64(ceiling))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (models.Event, error) {
	var e models.Event
	var kind, subject, payload string
	var seq, createdAt int64
	if err := row.Scan(&e.ID, &kind, &subject, &e.BusID, &e.RouteID, &seq, &payload, &createdAt); err != nil {
		return models.Event{}, err
	}
	e.Kind = models.EventKind(kind)
	e.Seq = uint64(seq)
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	s, err := models.ParseSubject(subject)
	if err != nil {
		return models.Event{}, err
	}
	e.Subject = s
	if payload != "" && payload != "null" {
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return models.Event{}, fmt.Errorf("decoding payload of %s: %w", e.ID, err)
		}
	}
	return e, nil
}

// UpsertSnapshot stores the state of a bus for a service date.
func (q *Queries) UpsertSnapshot(ctx context.Context, serviceDate string, snap models.BusSnapshot, archived bool) error {
	arrived, err := json.Marshal(snap.ArrivedStops)
	if err != nil {
		return fmt.Errorf("encoding arrived stops: %w", err)
	}
	b := snap.Bus
	_, err = q.db.ExecContext(ctx, `
INSERT INTO bus_snapshots (bus_id, service_date, route_id, status, lat, lon, heading, speed, last_report_ms, students_onboard, last_emitted, arrived_stops, archived)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (bus_id, service_date) DO UPDATE SET
    route_id = excluded.route_id,
    status = excluded.status,
    lat = excluded.lat,
    lon = excluded.lon,
    heading = excluded.heading,
    speed = excluded.speed,
    last_report_ms = excluded.last_report_ms,
    students_onboard = excluded.students_onboard,
    last_emitted = excluded.last_emitted,
    arrived_stops = excluded.arrived_stops,
    archived = excluded.archived`,
		b.ID, serviceDate, b.RouteID, string(b.Status), b.Position.Lat, b.Position.Lon,
		b.HeadingDegrees, b.SpeedMps, lastReportMillis(b.LastReportAt), b.StudentsOnboard,
		string(snap.LastEmitted), string(arrived), boolToInt(archived))
	return err
}

// ListSnapshots returns the snapshots of serviceDate that were not archived.
func (q *Queries) ListSnapshots(ctx context.Context, serviceDate string) ([]models.BusSnapshot, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT bus_id, route_id, status, lat, lon, heading, speed, last_report_ms, students_onboard, last_emitted, arrived_stops
FROM bus_snapshots
WHERE service_date = ? AND archived = 0
ORDER BY bus_id`, serviceDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck
	var items []models.BusSnapshot
	for rows.Next() {
		var snap models.BusSnapshot
		b := &snap.Bus
		var status, lastEmitted, arrived string
		var lastReport int64
		if err := rows.Scan(&b.ID, &b.RouteID, &status, &b.Position.Lat, &b.Position.Lon,
			&b.HeadingDegrees, &b.SpeedMps, &lastReport, &b.StudentsOnboard, &lastEmitted, &arrived); err != nil {
			return nil, err
		}
		b.Status = models.BusStatus(status)
		if lastReport > 0 {
			b.LastReportAt = time.UnixMilli(lastReport).UTC()
		}
		snap.LastEmitted = models.AlertState(lastEmitted)
		if arrived != "" && arrived != "null" {
			if err := json.Unmarshal([]byte(arrived), &snap.ArrivedStops); err != nil {
				return nil, fmt.Errorf("decoding arrived stops of bus %s: %w", b.ID, err)
			}
		}
		items = append(items, snap)
	}
	return items, rows.Err()
}

func lastReportMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
