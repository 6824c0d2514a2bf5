package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"buswatch.org/busdb"
	"buswatch.org/internal/alerts"
	"buswatch.org/internal/appconf"
	"buswatch.org/internal/archive"
	"buswatch.org/internal/auth"
	"buswatch.org/internal/busstate"
	"buswatch.org/internal/clock"
	"buswatch.org/internal/eta"
	"buswatch.org/internal/gateway"
	"buswatch.org/internal/ingest"
	"buswatch.org/internal/logging"
	"buswatch.org/internal/metrics"
	"buswatch.org/internal/models"
	"buswatch.org/internal/relay"
	"buswatch.org/internal/roster"
	"buswatch.org/internal/routeindex"
	"buswatch.org/internal/tracker"
)

// Application holds the dependencies for our HTTP handlers, helpers,
// and middleware. Relay and Archive are nil when not configured.
type Application struct {
	Config     appconf.Config
	Logger     *slog.Logger
	Clock      clock.Clock
	Metrics    *metrics.Metrics
	DB         *busdb.Client
	Dataset    models.Dataset
	Index      *routeindex.Index
	Store      *busstate.Store
	Engine     *eta.Engine
	Dispatcher *alerts.Dispatcher
	Gateway    *gateway.Gateway
	Roster     *roster.Roster
	Ingester   *ingest.Ingester
	History    *ingest.History
	Tracker    *tracker.Tracker
	Auth       *auth.Authenticator
	Relay      *relay.Queue
	Archive    *archive.Archiver
	// ArchiveStore backs Archive and answers archived event queries. It is
	// closed by Archive.
	ArchiveStore *archive.PostgresStore
}

// Start launches the background workers.
func (app *Application) Start() {
	if app.History != nil {
		app.History.Start()
	}
	if app.Relay != nil {
		app.Relay.Start()
	}
	if app.Archive != nil {
		app.Archive.Start()
	}
	if app.Tracker != nil {
		app.Tracker.Start()
	}
}

// Shutdown stops the tracker loops, flushes the queues and closes the
// databases. Errors are collected; every step runs.
func (app *Application) Shutdown(ctx context.Context) error {
	var errs []error
	if app.Tracker != nil {
		if err := app.Tracker.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if app.History != nil {
		app.History.Close()
	}
	if app.Relay != nil {
		if err := app.Relay.Close(ctx); err != nil && !errors.Is(err, relay.ErrQueueClosed) {
			errs = append(errs, fmt.Errorf("closing relay: %w", err))
		}
	}
	if app.Archive != nil {
		if err := app.Archive.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing archive: %w", err))
		}
	}
	if app.Metrics != nil {
		app.Metrics.Shutdown()
	}
	if app.DB != nil {
		logging.SafeCloseWithLogging(app.DB, app.Logger, "busdb")
	}
	return errors.Join(errs...)
}

// Visible reports whether the session may see bus busID.
func (app *Application) Visible(session auth.Session, busID string) bool {
	if session.Role == models.RoleAdmin {
		return true
	}
	target := models.BusSubject(busID)
	for _, s := range app.Roster.Visible(session.UserID, session.Role) {
		if s == target {
			return true
		}
	}
	return false
}
