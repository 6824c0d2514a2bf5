package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"buswatch.org/internal/app"
	"buswatch.org/internal/appconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const springfield = "../../testdata/springfield.yml"

func testConfig(port int) appconf.Config {
	cfg := appconf.Default()
	cfg.Port = port
	cfg.Env = appconf.Test
	cfg.ApiKeys = []string{"test"}
	cfg.DataPath = ":memory:"
	cfg.DatasetPath = springfield
	cfg.JWTSecret = "cmd-test-secret"
	cfg.LogLevel = "error"
	return cfg
}

func buildTestApplication(t *testing.T, cfg appconf.Config) *app.Application {
	t.Helper()
	coreApp, err := BuildApplication(cfg)
	require.NoError(t, err, "BuildApplication should not return an error")
	t.Cleanup(func() { _ = coreApp.Shutdown(context.Background()) })
	return coreApp
}

func TestParseAPIKeys(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"Single key", "test-key", []string{"test-key"}},
		{"Multiple keys", "key1,key2,key3", []string{"key1", "key2", "key3"}},
		{"Keys with spaces", " key1 , key2 , key3 ", []string{"key1", "key2", "key3"}},
		{"Empty string", "", []string{}},
		{"Only commas", ",,,", []string{}},
		{"Trailing comma", "key1,", []string{"key1"}},
		{"Leading comma", ",key1", []string{"key1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseAPIKeys(tt.input))
		})
	}
}

func TestBuildApplicationWithMemoryDB(t *testing.T) {
	cfg := testConfig(4000)
	coreApp := buildTestApplication(t, cfg)

	assert.NotNil(t, coreApp.Logger, "Logger should be initialized")
	assert.NotNil(t, coreApp.Metrics)
	assert.Equal(t, cfg, coreApp.Config, "Config should match input")
	assert.Len(t, coreApp.Dataset.Routes, 2)
	assert.NotNil(t, coreApp.Tracker, "tracking pipeline should be wired")
	assert.NotNil(t, coreApp.Auth)
	assert.Nil(t, coreApp.Relay, "no relay configured")
	assert.Nil(t, coreApp.Archive, "no archive configured")

	counts, err := coreApp.DB.TableCounts()
	require.NoError(t, err)
	assert.Equal(t, 2, counts["buses"], "dataset should be imported")
}

func TestBuildApplicationGeneratesDevSecret(t *testing.T) {
	cfg := testConfig(4000)
	cfg.JWTSecret = ""
	coreApp := buildTestApplication(t, cfg)

	require.NotNil(t, coreApp.Auth)
	token, err := coreApp.Auth.Issue("skinner", "admin", "desk", time.Minute)
	require.NoError(t, err)
	session, err := coreApp.Auth.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "skinner", session.UserID)
}

func TestBuildApplicationErrorHandling(t *testing.T) {
	t.Run("missing dataset file", func(t *testing.T) {
		cfg := testConfig(4000)
		cfg.DatasetPath = "/nonexistent/path/to/dataset.yml"

		_, err := BuildApplication(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load dataset")
	})

	t.Run("empty store and no dataset", func(t *testing.T) {
		cfg := testConfig(4000)
		cfg.DatasetPath = ""

		_, err := BuildApplication(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no dataset")
	})

	t.Run("unknown relay", func(t *testing.T) {
		cfg := testConfig(4000)
		cfg.Relay.Kind = "carrier-pigeon"

		_, err := BuildApplication(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown relay kind")
	})

	t.Run("production needs a secret", func(t *testing.T) {
		_, err := jwtSecret(appconf.Config{Env: appconf.Production}, nil)
		assert.Error(t, err)
	})
}

func TestCreateServer(t *testing.T) {
	cfg := testConfig(8080)
	coreApp := buildTestApplication(t, cfg)

	srv, api := CreateServer(coreApp, cfg)
	defer api.Shutdown()

	assert.Equal(t, ":8080", srv.Addr, "Server address should match port")
	assert.NotNil(t, srv.Handler, "Server handler should be set")
	assert.Equal(t, time.Minute, srv.IdleTimeout, "IdleTimeout should be 1 minute")
	assert.Equal(t, 5*time.Second, srv.ReadTimeout, "ReadTimeout should be 5 seconds")
	assert.Equal(t, 10*time.Second, srv.WriteTimeout, "WriteTimeout should be 10 seconds")
}

func TestCreateServerHandlerResponds(t *testing.T) {
	cfg := testConfig(8080)
	coreApp := buildTestApplication(t, cfg)

	srv, api := CreateServer(coreApp, cfg)
	defer api.Shutdown()

	tests := []struct {
		path   string
		status int
	}{
		{"/api/v1/current-time?key=test", http.StatusOK},
		{"/api/v1/routes/north?key=test", http.StatusOK},
		{"/healthz", http.StatusOK},
		{"/debug/?dataType=gateway", http.StatusOK},
		{"/api/v1/buses", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, w.Code)
			assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
		})
	}
}

func TestRunStopsWhenContextIsCancelled(t *testing.T) {
	// grab a free port, then hand it to the server
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	cfg := testConfig(port)
	coreApp := buildTestApplication(t, cfg)
	srv, api := CreateServer(coreApp, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, srv, coreApp, api) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "Server should shutdown cleanly")
	case <-time.After(10 * time.Second):
		t.Fatal("Test timeout - server did not shutdown")
	}
}
