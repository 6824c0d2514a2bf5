// Package tracker wires the tracking pipeline together: accepted reports
// flow from ingest through the bus state store, the ETA engine and the alert
// dispatcher to the fan-out gateway. It also runs the periodic staleness
// sweep, the ETA refresh and the service-day rollover.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"buswatch.org/busdb"
	"buswatch.org/internal/alerts"
	"buswatch.org/internal/busstate"
	"buswatch.org/internal/clock"
	"buswatch.org/internal/eta"
	"buswatch.org/internal/gateway"
	"buswatch.org/internal/ingest"
	"buswatch.org/internal/logging"
	"buswatch.org/internal/metrics"
	"buswatch.org/internal/models"
	"buswatch.org/internal/roster"
)

type Config struct {
	SweepInterval      time.Duration
	ETARefreshInterval time.Duration
	// HistoryRetention is how long position history is kept.
	HistoryRetention time.Duration
	Location         *time.Location
}

type Tracker struct {
	config     Config
	ingester   *ingest.Ingester
	store      *busstate.Store
	engine     *eta.Engine
	dispatcher *alerts.Dispatcher
	gateway    *gateway.Gateway
	roster     *roster.Roster
	dataset    models.Dataset
	db         *busdb.Client
	clock      clock.Clock
	metrics    *metrics.Metrics
	logger     *slog.Logger

	dayMu       sync.Mutex
	serviceDate string

	shutdownChan chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

type Options struct {
	Config     Config
	Ingester   *ingest.Ingester
	Store      *busstate.Store
	Engine     *eta.Engine
	Dispatcher *alerts.Dispatcher
	Gateway    *gateway.Gateway
	Roster     *roster.Roster
	// Dataset supplies the per-day route assignments.
	Dataset models.Dataset
	DB      *busdb.Client
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func New(opts Options) *Tracker {
	if opts.Config.SweepInterval <= 0 {
		opts.Config.SweepInterval = 15 * time.Second
	}
	if opts.Config.ETARefreshInterval <= 0 {
		opts.Config.ETARefreshInterval = 60 * time.Second
	}
	if opts.Config.HistoryRetention <= 0 {
		opts.Config.HistoryRetention = 7 * 24 * time.Hour
	}
	if opts.Config.Location == nil {
		opts.Config.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	t := &Tracker{
		config:       opts.Config,
		ingester:     opts.Ingester,
		store:        opts.Store,
		engine:       opts.Engine,
		dispatcher:   opts.Dispatcher,
		gateway:      opts.Gateway,
		roster:       opts.Roster,
		dataset:      opts.Dataset,
		db:           opts.DB,
		clock:        opts.Clock,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With(slog.String("component", "tracker")),
		shutdownChan: make(chan struct{}),
	}
	t.serviceDate = t.dateOf(t.clock.Now())
	return t
}

func (t *Tracker) dateOf(now time.Time) string {
	return clock.ServiceDate(now, t.config.Location).Format("2006-01-02")
}

// ServiceDate returns the service day currently being tracked.
func (t *Tracker) ServiceDate() string {
	t.dayMu.Lock()
	defer t.dayMu.Unlock()
	return t.serviceDate
}

// Ingest runs one position report through the whole pipeline. A rejected
// report yields a result with Accepted false and the reason; err is only
// set for failures that are not the report's fault.
func (t *Tracker) Ingest(ctx context.Context, report models.PositionReport) (models.IngestResult, []models.Event, error) {
	res, err := t.ingester.Submit(ctx, report)
	if err != nil {
		if reason, ok := ingest.Reason(err); ok {
			return models.IngestResult{Accepted: false, Reason: reason}, nil, nil
		}
		return models.IngestResult{}, nil, err
	}

	busID := res.State.Bus.ID
	records, err := t.engine.ComputeETAs(busID)
	if err != nil {
		logging.LogError(t.logger, "eta computation failed", err, slog.String("bus_id", busID))
		records = t.engine.Latest(busID)
	}

	events := t.dispatcher.HandleReport(ctx, res, records)
	if len(records) > 0 {
		if _, err := t.dispatcher.PublishETAs(ctx, busID, res.State.Bus.RouteID, records); err != nil {
			logging.LogError(t.logger, "failed to publish etas", err, slog.String("bus_id", busID))
		}
	}

	status := res.State.Bus.Status
	if st, err := t.store.Get(busID); err == nil {
		status = st.Bus.Status
	}
	return models.IngestResult{Accepted: true, Status: status}, events, nil
}

// Sweep marks buses that stopped reporting inactive and emits their
// transitions. It also prunes the gateway and rolls the service day over.
func (t *Tracker) Sweep(ctx context.Context) []models.Event {
	now := t.clock.Now()
	if date := t.dateOf(now); date != t.ServiceDate() {
		if err := t.RollServiceDay(ctx, date); err != nil {
			logging.LogError(t.logger, "service day rollover failed", err, slog.String("service_date", date))
		}
	}

	transitions := t.store.SweepStale(now)
	for _, tr := range transitions {
		t.engine.Forget(tr.BusID)
	}
	events := t.dispatcher.HandleTransitions(ctx, transitions)
	t.gateway.Prune(now)
	t.updateStatusGauges()
	if len(transitions) > 0 {
		logging.LogOperation(t.logger, "stale_buses_swept", slog.Int("count", len(transitions)))
	}
	return events
}

// RefreshETAs recomputes every predicted bus so that confidence bands widen
// with report age, re-evaluates the delay threshold and republishes.
func (t *Tracker) RefreshETAs(ctx context.Context) []models.Event {
	var events []models.Event
	for busID, records := range t.engine.Refresh() {
		events = append(events, t.dispatcher.Evaluate(ctx, busID, records)...)
		if len(records) == 0 {
			continue
		}
		if _, err := t.dispatcher.PublishETAs(ctx, busID, records[0].RouteID, records); err != nil {
			logging.LogError(t.logger, "failed to publish etas", err, slog.String("bus_id", busID))
		}
	}
	return events
}

func (t *Tracker) updateStatusGauges() {
	counts := make(map[string]int)
	for _, st := range t.store.List() {
		counts[string(st.Bus.Status)]++
	}
	t.metrics.SetBusStatusCounts(counts)
}

// ChangeRoute reassigns a bus for the rest of the service day.
func (t *Tracker) ChangeRoute(ctx context.Context, busID, routeID, driverID string) (models.Event, bool, error) {
	e, changed, err := t.dispatcher.ChangeRoute(ctx, busID, routeID, driverID)
	if err != nil || !changed {
		return e, changed, err
	}
	t.roster.Reassign(busID, routeID, driverID)
	t.engine.Forget(busID)
	return e, true, nil
}

// ApplyAssignments moves every bus onto its route for date. Buses without
// an assignment keep their current route.
func (t *Tracker) ApplyAssignments(ctx context.Context, date string) int {
	applied := 0
	for _, st := range t.store.List() {
		a, ok := t.dataset.AssignmentFor(st.Bus.ID, date)
		if !ok {
			continue
		}
		_, changed, err := t.ChangeRoute(ctx, a.BusID, a.RouteID, a.DriverID)
		if err != nil {
			logging.LogError(t.logger, "failed to apply route assignment", err,
				slog.String("bus_id", a.BusID),
				slog.String("route_id", a.RouteID))
			continue
		}
		if changed {
			applied++
		}
	}
	if applied > 0 {
		logging.LogOperation(t.logger, "route_assignments_applied",
			slog.String("service_date", date),
			slog.Int("count", applied))
	}
	return applied
}

// RollServiceDay archives the finished day's bus records and starts date.
func (t *Tracker) RollServiceDay(ctx context.Context, date string) error {
	t.dayMu.Lock()
	prev := t.serviceDate
	if prev == date {
		t.dayMu.Unlock()
		return nil
	}
	t.serviceDate = date
	t.dayMu.Unlock()

	buses := t.store.Archive()
	for _, b := range buses {
		t.engine.Forget(b.ID)
	}
	var errs []error
	if t.db != nil {
		if err := t.db.SaveSnapshots(ctx, prev, buses, true); err != nil {
			errs = append(errs, fmt.Errorf("archiving service day %s: %w", prev, err))
		}
		cutoff := t.clock.Now().Add(-t.config.HistoryRetention)
		if n, err := t.db.Queries.PrunePositions(ctx, cutoff); err != nil {
			errs = append(errs, fmt.Errorf("pruning position history: %w", err))
		} else if n > 0 {
			logging.LogOperation(t.logger, "position_history_pruned", slog.Int64("rows", n))
		}
	}
	t.ApplyAssignments(ctx, date)
	logging.LogOperation(t.logger, "service_day_rolled_over",
		slog.String("from", prev),
		slog.String("to", date),
		slog.Int("buses", len(buses)))
	return errors.Join(errs...)
}

// Restore reloads the in-progress service day after a restart.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.db == nil {
		return nil
	}
	date := t.ServiceDate()
	snapshots, err := t.db.Queries.ListSnapshots(ctx, date)
	if err != nil {
		return fmt.Errorf("loading snapshots for %s: %w", date, err)
	}
	restored, skipped := t.store.Restore(snapshots)
	for _, b := range snapshots {
		if st, err := t.store.Get(b.ID); err == nil {
			t.roster.Reassign(b.ID, st.Bus.RouteID, st.Bus.DriverID)
		}
	}
	logging.LogOperation(t.logger, "bus_state_restored",
		slog.String("service_date", date),
		slog.Int("restored", restored),
		slog.Int("skipped", skipped))
	return nil
}

// SaveSnapshot persists the live state so that a restart within the same
// service day resumes from it.
func (t *Tracker) SaveSnapshot(ctx context.Context) error {
	if t.db == nil {
		return nil
	}
	return t.db.SaveSnapshots(ctx, t.ServiceDate(), t.store.Snapshot(), false)
}

// Start launches the sweep and ETA refresh loops.
func (t *Tracker) Start() {
	t.wg.Add(2)
	go t.loop("staleness_sweep", t.config.SweepInterval, func(ctx context.Context) { t.Sweep(ctx) })
	go t.loop("eta_refresh", t.config.ETARefreshInterval, func(ctx context.Context) { t.RefreshETAs(ctx) })
}

func (t *Tracker) loop(name string, interval time.Duration, fn func(ctx context.Context)) {
	defer t.wg.Done()
	logger := t.logger.With(slog.String("loop", name))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.runOnce(logger, interval, fn)
		case <-t.shutdownChan:
			logging.LogOperation(logger, "shutting_down_"+name)
			return
		}
	}
}

func (t *Tracker) runOnce(logger *slog.Logger, timeout time.Duration, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in tracker loop", slog.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	fn(logging.WithLogger(ctx, logger))
}

// Shutdown stops the loops and saves a snapshot of the live state.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.shutdownOnce.Do(func() { close(t.shutdownChan) })
	t.wg.Wait()
	if err := t.SaveSnapshot(ctx); err != nil {
		return fmt.Errorf("saving bus snapshot: %w", err)
	}
	return nil
}
