package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"buswatch.org/internal/appconf"
	"buswatch.org/internal/buildinfo"
)

func main() {
	var (
		configPath  string
		envFile     string
		port        int
		env         string
		apiKeysFlag string
		datasetPath string
		dataPath    string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "Path to a YAML config file")
	flag.StringVar(&envFile, "env-file", ".env", "Path to a dotenv file")
	flag.IntVar(&port, "port", 0, "API server port (overrides config)")
	flag.StringVar(&env, "env", "", "Environment (development|test|production)")
	flag.StringVar(&apiKeysFlag, "api-keys", "", "Comma-separated device and collaborator API keys")
	flag.StringVar(&datasetPath, "dataset", "", "Comma-separated dataset files (.yml, .yml.gz or GTFS .zip)")
	flag.StringVar(&dataPath, "data-path", "", "SQLite database path")
	flag.BoolVar(&showVersion, "version", false, "Print the version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("buswatch %s (%s, built %s)\n", buildinfo.Version, buildinfo.ShortHash(), buildinfo.BuildTime)
		return
	}

	appconf.LoadDotEnv(envFile)
	cfg, err := appconf.Load(configPath)
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if port != 0 {
		cfg.Port = port
	}
	if env != "" {
		cfg.Env = appconf.EnvFlagToEnvironment(env)
	}
	if apiKeysFlag != "" {
		cfg.ApiKeys = ParseAPIKeys(apiKeysFlag)
	}
	if datasetPath != "" {
		cfg.DatasetPath = datasetPath
	}
	if dataPath != "" {
		cfg.DataPath = dataPath
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	coreApp, err := BuildApplication(cfg)
	if err != nil {
		slog.Error("failed to build application", slog.Any("error", err))
		os.Exit(1)
	}

	srv, api := CreateServer(coreApp, cfg)
	if err := Run(context.Background(), srv, coreApp, api); err != nil {
		coreApp.Logger.Error("server exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}
