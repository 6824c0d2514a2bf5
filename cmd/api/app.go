package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"buswatch.org/busdb"
	"buswatch.org/internal/app"
	"buswatch.org/internal/appconf"
	"buswatch.org/internal/archive"
	"buswatch.org/internal/buildinfo"
	"buswatch.org/internal/logging"
	"buswatch.org/internal/metrics"
	"buswatch.org/internal/models"
	"buswatch.org/internal/relay"
	"buswatch.org/internal/restapi"
	"buswatch.org/internal/serviceday"
	"buswatch.org/internal/webui"
)

const (
	startupTimeout  = 2 * time.Minute
	shutdownTimeout = 30 * time.Second
)

// ParseAPIKeys splits a comma-separated list of API keys, dropping blanks.
func ParseAPIKeys(apiKeysFlag string) []string {
	return appconf.SplitList(apiKeysFlag)
}

// BuildApplication opens the stores, loads the dataset, connects the
// optional relay and archive and wires the tracking pipeline.
func BuildApplication(cfg appconf.Config) (*app.Application, error) {
	level := logging.ParseLevel(cfg.LogLevel)
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := logging.NewStructuredLogger(os.Stdout, level)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	db, err := busdb.NewClient(busdb.NewConfig(cfg.DataPath, cfg.Env, cfg.Verbose))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	coreApp := &app.Application{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewWithLogger(logger),
		DB:      db,
	}
	fail := func(err error) (*app.Application, error) {
		_ = coreApp.Shutdown(context.Background())
		return nil, err
	}
	coreApp.Metrics.StartDBStatsCollector(db.DB, 30*time.Second)

	ds, err := loadDataset(ctx, cfg, db, logger)
	if err != nil {
		return fail(err)
	}
	coreApp.Dataset = ds

	if err := connectRelay(ctx, cfg, coreApp); err != nil {
		return fail(err)
	}
	if cfg.ArchiveDSN != "" {
		store, err := archive.OpenPostgres(ctx, cfg.ArchiveDSN)
		if err != nil {
			return fail(err)
		}
		coreApp.ArchiveStore = store
		coreApp.Archive = archive.New(archive.Config{}, store, logger)
		logging.LogOperation(logger, "archive_connected")
	}

	secret, err := jwtSecret(cfg, logger)
	if err != nil {
		return fail(err)
	}
	if err := coreApp.BuildPipeline(ctx, secret); err != nil {
		return fail(fmt.Errorf("failed to build tracking pipeline: %w", err))
	}
	return coreApp, nil
}

// loadDataset imports the configured dataset files, or falls back to the
// dataset stored by a previous import.
func loadDataset(ctx context.Context, cfg appconf.Config, db *busdb.Client, logger *slog.Logger) (ds models.Dataset, err error) {
	if cfg.DatasetPath == "" {
		ds, err = db.LoadDataset(ctx)
		if err != nil {
			return ds, err
		}
		if len(ds.Routes) == 0 {
			return ds, errors.New("no dataset: set datasetPath or BUSWATCH_DATASET")
		}
		logging.LogOperation(logger, "dataset_loaded_from_store", slog.Int("routes", len(ds.Routes)))
		return ds, nil
	}

	loaded, err := serviceday.LoadFiles(logger, appconf.SplitList(cfg.DatasetPath)...)
	if err != nil {
		return ds, fmt.Errorf("failed to load dataset: %w", err)
	}
	if _, err := db.ImportDataset(ctx, loaded.Dataset, loaded.Source, loaded.Hash); err != nil {
		return ds, fmt.Errorf("failed to import dataset: %w", err)
	}
	return loaded.Dataset, nil
}

func connectRelay(ctx context.Context, cfg appconf.Config, coreApp *app.Application) error {
	var sink relay.Sink
	switch cfg.Relay.Kind {
	case "", "none":
		return nil
	case "nats":
		s, err := relay.NewNATSSink(cfg.Relay.URL, coreApp.Logger)
		if err != nil {
			return err
		}
		sink = s
	case "amqp":
		s, err := relay.NewAMQPSink(ctx, cfg.Relay.URL, cfg.Relay.Exchange, coreApp.Logger)
		if err != nil {
			return err
		}
		sink = s
	default:
		return fmt.Errorf("unknown relay kind %q", cfg.Relay.Kind)
	}
	coreApp.Relay = relay.NewQueue(relay.Config{QueueSize: cfg.Relay.QueueSize}, sink, coreApp.Metrics, coreApp.Logger)
	logging.LogOperation(coreApp.Logger, "relay_connected", slog.String("kind", cfg.Relay.Kind))
	return nil
}

// jwtSecret returns the configured signing secret. Outside production a
// missing secret is replaced by a random one, which invalidates tokens on
// every restart.
func jwtSecret(cfg appconf.Config, logger *slog.Logger) (string, error) {
	if cfg.JWTSecret != "" {
		return cfg.JWTSecret, nil
	}
	if cfg.Env == appconf.Production {
		return "", errors.New("jwtSecret is required in production")
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	logger.Warn("no jwtSecret configured, using a random one")
	return hex.EncodeToString(b), nil
}

// CreateServer creates and configures the HTTP server.
func CreateServer(coreApp *app.Application, cfg appconf.Config) (*http.Server, *restapi.RestAPI) {
	api := restapi.NewRestAPI(coreApp)

	mux := http.NewServeMux()
	api.SetRoutes(mux)
	webUI := &webui.WebUI{Application: coreApp}
	webUI.SetWebUIRoutes(mux)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.Handler(mux),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		ErrorLog:     slog.NewLogLogger(coreApp.Logger.Handler(), slog.LevelError),
	}
	return srv, api
}

// Run starts the background workers and the server and blocks until ctx is
// done or a termination signal arrives, then shuts everything down.
func Run(ctx context.Context, srv *http.Server, coreApp *app.Application, api *restapi.RestAPI) error {
	logger := coreApp.Logger
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	coreApp.Start()

	serverErr := make(chan error, 1)
	go func() {
		logging.LogOperation(logger, "server_starting",
			slog.String("addr", srv.Addr),
			slog.String("env", coreApp.Config.Env.String()),
			slog.String("version", buildinfo.Version),
			slog.String("commit", buildinfo.ShortHash()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case err := <-serverErr:
		runErr = err
	case <-ctx.Done():
		logging.LogOperation(logger, "shutdown_requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Streams are hijacked, so srv.Shutdown does not wait for them.
	api.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.LogError(logger, "server shutdown failed", err)
		runErr = errors.Join(runErr, err)
	}
	if err := coreApp.Shutdown(shutdownCtx); err != nil {
		logging.LogError(logger, "application shutdown failed", err)
		runErr = errors.Join(runErr, err)
	}
	logging.LogOperation(logger, "server_stopped")
	return runErr
}
