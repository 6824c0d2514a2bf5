// Package busstate holds the authoritative live state of every bus.
package busstate

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"buswatch.org/internal/models"
	"buswatch.org/internal/routeindex"
)

var (
	ErrNotFound = errors.New("bus not found")
	// ErrStaleReport is returned when a report is not newer than the last
	// accepted report of the bus.
	ErrStaleReport = errors.New("report is not newer than the last accepted report")
)

const shardCount = 32

// Projector maps a position onto a route.
type Projector interface {
	NearestProgress(routeID string, pos models.Coordinate) (routeindex.Progress, error)
}

type Config struct {
	CorridorWidthMeters float64
	// OffRouteReports is N: a bus is off-route after more than N consecutive
	// reports outside the corridor.
	OffRouteReports int
	StalenessWindow time.Duration
	// SpeedSamples is the size of the recent-speed ring.
	SpeedSamples    int
	StoppedSpeedMps float64
}

// BusState is a copy of a bus record plus the tracking state kept with it.
type BusState struct {
	Bus          models.Bus
	Progress     routeindex.Progress
	PrevProgress routeindex.Progress
	// HasProgress is false until the first accepted report on the current
	// route.
	HasProgress bool
	// Speeds holds the most recent reported speeds, oldest first.
	Speeds        []float64
	OffRouteCount int
	// StoppedSince is the device time at which the bus dropped below the
	// stopped threshold, zero while moving.
	StoppedSince time.Time
	LastEmitted  models.AlertState
	// ArrivedStops records stops whose arrival already fired today.
	ArrivedStops map[string]time.Time
}

// Transition is a status change, the raw material for alerts.
type Transition struct {
	BusID   string           `json:"busId"`
	RouteID string           `json:"routeId"`
	From    models.BusStatus `json:"from"`
	To      models.BusStatus `json:"to"`
	At      time.Time        `json:"at"`
}

// Result is returned by Update.
type Result struct {
	State      BusState
	Transition *Transition
}

type entry struct {
	state BusState
}

type shard struct {
	mu    sync.Mutex
	buses map[string]*entry
}

// Store shards buses across independently locked maps so that updates to
// different buses never contend on a global lock.
type Store struct {
	config    Config
	projector Projector
	shards    [shardCount]*shard
}

func NewStore(config Config, projector Projector) *Store {
	if config.SpeedSamples < 1 {
		config.SpeedSamples = 5
	}
	if config.OffRouteReports < 1 {
		config.OffRouteReports = 3
	}
	s := &Store{config: config, projector: projector}
	for i := range s.shards {
		s.shards[i] = &shard{buses: make(map[string]*entry)}
	}
	return s
}

func (s *Store) shardFor(busID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(busID))
	return s.shards[h.Sum32()%shardCount]
}

// withBus runs fn with the bus's shard locked.
func (s *Store) withBus(busID string, fn func(e *entry) error) error {
	sh := s.shardFor(busID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.buses[busID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, busID)
	}
	return fn(e)
}

// Register adds a bus, or replaces its static fields if already present.
// Live position and status are kept for a known bus.
func (s *Store) Register(bus models.Bus) {
	sh := s.shardFor(bus.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.buses[bus.ID]; ok {
		cur := &e.state.Bus
		cur.VehicleNumber = bus.VehicleNumber
		cur.DriverID = bus.DriverID
		cur.Capacity = bus.Capacity
		cur.WheelchairAccessible = bus.WheelchairAccessible
		return
	}
	if !bus.Status.Valid() {
		bus.Status = models.BusStatusInactive
	}
	sh.buses[bus.ID] = &entry{state: BusState{
		Bus:          bus,
		LastEmitted:  models.AlertInactive,
		ArrivedStops: make(map[string]time.Time),
	}}
}

// Known reports whether busID is registered.
func (s *Store) Known(busID string) bool {
	sh := s.shardFor(busID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.buses[busID]
	return ok
}

// Update applies an accepted report. The newer-than check and the write
// happen under the bus lock, so concurrent reports for one bus are applied
// in device-timestamp order and older ones are rejected with ErrStaleReport.
func (s *Store) Update(report models.PositionReport) (Result, error) {
	var res Result
	err := s.withBus(report.BusID, func(e *entry) error {
		st := &e.state
		if !report.DeviceTimestamp.After(st.Bus.LastReportAt) {
			return fmt.Errorf("%w: bus %s at %s", ErrStaleReport, report.BusID, report.DeviceTimestamp.Format(time.RFC3339))
		}

		progress, err := s.projector.NearestProgress(st.Bus.RouteID, report.Position)
		if err != nil {
			return err
		}

		st.Bus.Position = report.Position
		st.Bus.SpeedMps = report.SpeedMps
		st.Bus.HeadingDegrees = report.HeadingDegrees
		st.Bus.LastReportAt = report.DeviceTimestamp

		if st.HasProgress {
			st.PrevProgress = st.Progress
		} else {
			st.PrevProgress = progress
		}
		st.Progress = progress
		st.HasProgress = true

		st.Speeds = append(st.Speeds, report.SpeedMps)
		if over := len(st.Speeds) - s.config.SpeedSamples; over > 0 {
			st.Speeds = append(st.Speeds[:0], st.Speeds[over:]...)
		}
		if report.SpeedMps < s.config.StoppedSpeedMps {
			if st.StoppedSince.IsZero() {
				st.StoppedSince = report.DeviceTimestamp
			}
		} else {
			st.StoppedSince = time.Time{}
		}

		if progress.PerpendicularOffset > s.config.CorridorWidthMeters {
			st.OffRouteCount++
		} else {
			st.OffRouteCount = 0
		}

		from := st.Bus.Status
		to := s.nextStatus(st)
		if to != from {
			st.Bus.Status = to
			res.Transition = &Transition{
				BusID: st.Bus.ID, RouteID: st.Bus.RouteID,
				From: from, To: to, At: report.DeviceTimestamp,
			}
		}
		res.State = st.copy()
		return nil
	})
	return res, err
}

func (s *Store) nextStatus(st *BusState) models.BusStatus {
	cur := st.Bus.Status
	if st.OffRouteCount > s.config.OffRouteReports {
		return models.BusStatusOffRoute
	}
	switch cur {
	case models.BusStatusInactive:
		return models.BusStatusEnRoute
	case models.BusStatusOffRoute:
		if st.OffRouteCount == 0 {
			return models.BusStatusEnRoute
		}
	}
	return cur
}

// Get returns a copy of the bus state.
func (s *Store) Get(busID string) (BusState, error) {
	var out BusState
	err := s.withBus(busID, func(e *entry) error {
		out = e.state.copy()
		return nil
	})
	return out, err
}

// List returns copies of every bus, ordered by id.
func (s *Store) List() []BusState {
	var out []BusState
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, e := range sh.buses {
			out = append(out, e.state.copy())
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bus.ID < out[j].Bus.ID })
	return out
}

// SweepStale marks every reporting bus that has been silent for longer than
// the staleness window as inactive and returns the transitions.
func (s *Store) SweepStale(now time.Time) []Transition {
	var out []Transition
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, e := range sh.buses {
			b := &e.state.Bus
			if b.Status == models.BusStatusInactive || !b.HasReported() {
				continue
			}
			if now.Sub(b.LastReportAt) <= s.config.StalenessWindow {
				continue
			}
			out = append(out, Transition{
				BusID: b.ID, RouteID: b.RouteID,
				From: b.Status, To: models.BusStatusInactive, At: now,
			})
			b.Status = models.BusStatusInactive
			e.state.OffRouteCount = 0
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BusID < out[j].BusID })
	return out
}

// SetStatus sets the status to `to` if it currently is `from`. It reports
// whether the swap happened and returns the transition when it did.
func (s *Store) SetStatus(busID string, from, to models.BusStatus, at time.Time) (*Transition, error) {
	var tr *Transition
	err := s.withBus(busID, func(e *entry) error {
		b := &e.state.Bus
		if b.Status != from || from == to {
			return nil
		}
		b.Status = to
		tr = &Transition{BusID: b.ID, RouteID: b.RouteID, From: from, To: to, At: at}
		return nil
	})
	return tr, err
}

// MarkEmitted records state as the last alert state emitted for the bus. It
// returns the previous state and whether it changed; only the caller that
// observes changed == true may emit.
func (s *Store) MarkEmitted(busID string, state models.AlertState) (models.AlertState, bool, error) {
	var prev models.AlertState
	var changed bool
	err := s.withBus(busID, func(e *entry) error {
		prev = e.state.LastEmitted
		if prev != state {
			e.state.LastEmitted = state
			changed = true
		}
		return nil
	})
	return prev, changed, err
}

// RevertEmitted undoes a MarkEmitted whose event could not be emitted: the
// last emitted state goes back to prev only if it is still state.
func (s *Store) RevertEmitted(busID string, state, prev models.AlertState) error {
	return s.withBus(busID, func(e *entry) error {
		if e.state.LastEmitted == state {
			e.state.LastEmitted = prev
		}
		return nil
	})
}

// MarkArrived records the arrival at stopID. It returns false if that stop
// already fired.
func (s *Store) MarkArrived(busID, stopID string, at time.Time) (bool, error) {
	var first bool
	err := s.withBus(busID, func(e *entry) error {
		if _, done := e.state.ArrivedStops[stopID]; done {
			return nil
		}
		e.state.ArrivedStops[stopID] = at
		first = true
		return nil
	})
	return first, err
}

// UnmarkArrived forgets an arrival recorded at at, so that a later report
// can fire it again.
func (s *Store) UnmarkArrived(busID, stopID string, at time.Time) error {
	return s.withBus(busID, func(e *entry) error {
		if got, ok := e.state.ArrivedStops[stopID]; ok && got.Equal(at) {
			delete(e.state.ArrivedStops, stopID)
		}
		return nil
	})
}

// AdjustOnboard changes the students-onboard count by delta, clamped to
// [0, capacity] when a capacity is set.
func (s *Store) AdjustOnboard(busID string, delta int) (int, error) {
	var n int
	err := s.withBus(busID, func(e *entry) error {
		b := &e.state.Bus
		b.StudentsOnboard += delta
		if b.StudentsOnboard < 0 {
			b.StudentsOnboard = 0
		}
		if b.Capacity > 0 && b.StudentsOnboard > b.Capacity {
			b.StudentsOnboard = b.Capacity
		}
		n = b.StudentsOnboard
		return nil
	})
	return n, err
}

// Reassign moves the bus to another route and resets route-relative state.
// It returns the previous route id.
func (s *Store) Reassign(busID, routeID, driverID string) (string, error) {
	var prev string
	err := s.withBus(busID, func(e *entry) error {
		st := &e.state
		prev = st.Bus.RouteID
		st.Bus.RouteID = routeID
		if driverID != "" {
			st.Bus.DriverID = driverID
		}
		if prev != routeID {
			st.HasProgress = false
			st.Progress = routeindex.Progress{}
			st.PrevProgress = routeindex.Progress{}
			st.OffRouteCount = 0
			st.ArrivedStops = make(map[string]time.Time)
		}
		return nil
	})
	return prev, err
}

// Restore applies persisted snapshots to registered buses, including the
// alert state and arrivals already emitted today. Unknown buses are skipped
// and counted.
func (s *Store) Restore(snaps []models.BusSnapshot) (restored, skipped int) {
	for _, snap := range snaps {
		err := s.withBus(snap.ID, func(e *entry) error {
			b := &e.state.Bus
			if snap.RouteID != "" {
				b.RouteID = snap.RouteID
			}
			b.Position = snap.Position
			b.HeadingDegrees = snap.HeadingDegrees
			b.SpeedMps = snap.SpeedMps
			b.LastReportAt = snap.LastReportAt
			b.StudentsOnboard = snap.StudentsOnboard
			if snap.Status.Valid() {
				b.Status = snap.Status
			}
			if snap.LastEmitted != "" {
				e.state.LastEmitted = snap.LastEmitted
			}
			for stopID, at := range snap.ArrivedStops {
				e.state.ArrivedStops[stopID] = at
			}
			return nil
		})
		if err != nil {
			skipped++
			continue
		}
		restored++
	}
	return restored, skipped
}

// Snapshot returns the persistable state of every bus, ordered by id.
func (s *Store) Snapshot() []models.BusSnapshot {
	states := s.List()
	out := make([]models.BusSnapshot, len(states))
	for i, st := range states {
		out[i] = snapshotOf(&st)
	}
	return out
}

// Archive ends the service day: it returns the final state of every bus and
// resets every bus to a fresh inactive state.
func (s *Store) Archive() []models.BusSnapshot {
	var out []models.BusSnapshot
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, e := range sh.buses {
			out = append(out, snapshotOf(&e.state))
			b := e.state.Bus
			b.Status = models.BusStatusInactive
			b.Position = models.Coordinate{}
			b.SpeedMps = 0
			b.HeadingDegrees = 0
			b.LastReportAt = time.Time{}
			b.StudentsOnboard = 0
			e.state = BusState{
				Bus:          b,
				LastEmitted:  models.AlertInactive,
				ArrivedStops: make(map[string]time.Time),
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func snapshotOf(st *BusState) models.BusSnapshot {
	snap := models.BusSnapshot{Bus: st.Bus, LastEmitted: st.LastEmitted}
	if len(st.ArrivedStops) > 0 {
		snap.ArrivedStops = make(map[string]time.Time, len(st.ArrivedStops))
		for stopID, at := range st.ArrivedStops {
			snap.ArrivedStops[stopID] = at
		}
	}
	return snap
}

func (st BusState) copy() BusState {
	out := st
	out.Speeds = append([]float64(nil), st.Speeds...)
	out.ArrivedStops = make(map[string]time.Time, len(st.ArrivedStops))
	for k, v := range st.ArrivedStops {
		out.ArrivedStops[k] = v
	}
	return out
}

// StoppedFor returns how long the bus has been below the stopped threshold
// as of now.
func (st BusState) StoppedFor(now time.Time) time.Duration {
	if st.StoppedSince.IsZero() || now.Before(st.StoppedSince) {
		return 0
	}
	return now.Sub(st.StoppedSince)
}
