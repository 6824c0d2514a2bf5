package app

import (
	"context"
	"fmt"
	"log/slog"

	"buswatch.org/internal/alerts"
	"buswatch.org/internal/auth"
	"buswatch.org/internal/busstate"
	"buswatch.org/internal/clock"
	"buswatch.org/internal/eta"
	"buswatch.org/internal/gateway"
	"buswatch.org/internal/ingest"
	"buswatch.org/internal/logging"
	"buswatch.org/internal/models"
	"buswatch.org/internal/roster"
	"buswatch.org/internal/routeindex"
	"buswatch.org/internal/tracker"
)

// historyQueueSize bounds position reports waiting to be written to the
// history table.
const historyQueueSize = 1024

// withAssignments returns ds with every bus moved onto the route and driver
// assigned to it for serviceDate.
func withAssignments(ds models.Dataset, serviceDate string) models.Dataset {
	buses := make([]models.Bus, len(ds.Buses))
	copy(buses, ds.Buses)
	for i, b := range buses {
		a, ok := ds.AssignmentFor(b.ID, serviceDate)
		if !ok {
			continue
		}
		buses[i].RouteID = a.RouteID
		if a.DriverID != "" {
			buses[i].DriverID = a.DriverID
		}
	}
	ds.Buses = buses
	return ds
}

// BuildPipeline wires the tracking components from Config, Dataset and DB.
// Relay, Archive, Metrics, Clock and Logger are used when set. The dispatcher
// sequence counters and the in-progress service day are restored from DB.
func (app *Application) BuildPipeline(ctx context.Context, jwtSecret string) error {
	if app.Clock == nil {
		app.Clock = clock.RealClock{}
	}
	if app.Logger == nil {
		app.Logger = slog.Default()
	}
	if app.DB == nil {
		return fmt.Errorf("building pipeline: no database")
	}
	loc, err := app.Config.Location()
	if err != nil {
		return err
	}
	tc := app.Config.Tracking

	today := clock.ServiceDate(app.Clock.Now(), loc).Format("2006-01-02")
	ds := withAssignments(app.Dataset, today)

	idx, err := routeindex.Load(ds.Routes, routeindex.Config{
		CorridorWidthMeters: tc.CorridorWidthMeters,
		RegionMarginMeters:  tc.RegionMarginMeters,
		TravelTimes:         ds.TravelTimes,
	})
	if err != nil {
		return fmt.Errorf("indexing routes: %w", err)
	}

	store := busstate.NewStore(busstate.Config{
		CorridorWidthMeters: tc.CorridorWidthMeters,
		OffRouteReports:     tc.OffRouteReports,
		StalenessWindow:     tc.StalenessWindow,
		SpeedSamples:        tc.SpeedSamples,
		StoppedSpeedMps:     tc.StoppedSpeedMps,
	}, idx)
	for _, b := range ds.Buses {
		store.Register(b)
	}

	rs := roster.New(ds)
	engine := eta.NewEngine(eta.Config{
		SmoothingAlpha:  tc.SmoothingAlpha,
		StoppedSpeedMps: tc.StoppedSpeedMps,
		StoppedDuration: tc.StoppedDuration,
		Location:        loc,
	}, store, idx, app.Clock)
	gw := gateway.New(gateway.Config{
		QueueSize:    tc.ClientQueueSize,
		ReplayWindow: tc.ReplayWindow,
	}, rs, app.Clock, app.Metrics, app.Logger)

	opts := alerts.Options{
		Config: alerts.Config{
			DelayMargin:         tc.DelayMargin,
			ArrivalRadiusMeters: tc.ArrivalRadiusMeters,
			CorridorWidthMeters: tc.CorridorWidthMeters,
			StoppedSpeedMps:     tc.StoppedSpeedMps,
		},
		Store:     store,
		Routes:    idx,
		Students:  rs,
		Log:       app.DB.Queries,
		Publisher: gw,
		Clock:     app.Clock,
		Metrics:   app.Metrics,
		Logger:    app.Logger,
	}
	// Typed nil pointers must not reach the Forwarder interfaces.
	if app.Relay != nil {
		opts.Relay = app.Relay
	}
	if app.Archive != nil {
		opts.Archive = app.Archive
	}
	dispatcher := alerts.NewDispatcher(opts)
	if err := dispatcher.Seed(ctx); err != nil {
		return fmt.Errorf("seeding event sequences: %w", err)
	}

	history := ingest.NewHistory(app.DB.Queries, historyQueueSize, app.Logger)
	ingester := ingest.New(ingest.Config{
		ClockSkewTolerance: tc.ClockSkewTolerance,
		MaxSpeedMps:        tc.MaxSpeedMps,
	}, store, idx, history, app.Clock, app.Metrics, app.Logger)

	tr := tracker.New(tracker.Options{
		Config: tracker.Config{
			SweepInterval:      tc.SweepInterval,
			ETARefreshInterval: tc.ETARefreshInterval,
			Location:           loc,
		},
		Ingester:   ingester,
		Store:      store,
		Engine:     engine,
		Dispatcher: dispatcher,
		Gateway:    gw,
		Roster:     rs,
		Dataset:    ds,
		DB:         app.DB,
		Clock:      app.Clock,
		Metrics:    app.Metrics,
		Logger:     app.Logger,
	})
	if err := tr.Restore(ctx); err != nil {
		return err
	}

	if jwtSecret != "" {
		authn, err := auth.NewAuthenticator(jwtSecret, app.Clock)
		if err != nil {
			return err
		}
		app.Auth = authn
	}

	app.Dataset = ds
	app.Index = idx
	app.Store = store
	app.Engine = engine
	app.Dispatcher = dispatcher
	app.Gateway = gw
	app.Roster = rs
	app.Ingester = ingester
	app.History = history
	app.Tracker = tr

	logging.LogOperation(app.Logger, "tracking_pipeline_ready",
		slog.String("service_date", today),
		slog.Int("routes", len(ds.Routes)),
		slog.Int("buses", len(ds.Buses)),
		slog.Int("students", len(ds.Students)))
	return nil
}
