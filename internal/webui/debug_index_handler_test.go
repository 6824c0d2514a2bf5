package webui

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"buswatch.org/busdb"
	"buswatch.org/internal/app"
	"buswatch.org/internal/appconf"
	"buswatch.org/internal/clock"
	"buswatch.org/internal/serviceday"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trackingApp(t *testing.T) *app.Application {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	loaded, err := serviceday.LoadFiles(logger, "../../testdata/springfield.yml")
	require.NoError(t, err)

	cfg := appconf.Default()
	cfg.Env = appconf.Test
	cfg.DataPath = ":memory:"
	cfg.JWTSecret = "do-not-print"
	cfg.ApiKeys = []string{"TEST"}

	db, err := busdb.NewClient(busdb.NewConfig(cfg.DataPath, cfg.Env, false))
	require.NoError(t, err)

	application := &app.Application{
		Config:  cfg,
		Logger:  logger,
		Clock:   clock.NewMockClock(time.Date(2026, 9, 14, 7, 30, 0, 0, time.UTC)),
		DB:      db,
		Dataset: loaded.Dataset,
	}
	require.NoError(t, application.BuildPipeline(context.Background(), cfg.JWTSecret))
	t.Cleanup(func() { _ = application.Shutdown(context.Background()) })
	return application
}

func debugRequest(webUI *WebUI, query string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/debug/?"+query, nil)
	rr := httptest.NewRecorder()
	webUI.debugIndexHandler(rr, req)
	return rr
}

func TestDebugIndexHandler_ProductionReturns404(t *testing.T) {
	webUI := &WebUI{
		Application: &app.Application{
			Config: appconf.Config{Env: appconf.Production},
		},
	}

	rr := debugRequest(webUI, "dataType=buses")

	assert.Equal(t, http.StatusNotFound, rr.Code, "Should return 404 in Production")
}

func TestDebugIndexHandler_BeforePipeline(t *testing.T) {
	webUI := &WebUI{
		Application: &app.Application{
			Config: appconf.Config{Env: appconf.Development},
		},
	}

	for _, dataType := range []string{"buses", "etas", "gateway", "tables"} {
		rr := debugRequest(webUI, "dataType="+dataType)
		assert.Equal(t, http.StatusOK, rr.Code, dataType)
		assert.Contains(t, rr.Body.String(), "tracking pipeline not started", dataType)
	}
}

func TestDebugIndexHandler_DumpsState(t *testing.T) {
	webUI := &WebUI{Application: trackingApp(t)}

	tests := []struct {
		dataType string
		title    string
		contains string
	}{
		{"buses", "Bus State", "SB-042"},
		{"routes", "Dataset - Routes", "oak-5th"},
		{"students", "Dataset - Students", "homer"},
		{"etas", "ETA Records", "42"},
		{"gateway", "Fan-out Gateway", "Subscriptions"},
		{"tables", "Database Tables", "buses"},
		{"", "Choose a data type", "Please use one of the following"},
	}

	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			rr := debugRequest(webUI, "dataType="+tt.dataType)

			require.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, "text/html; charset=utf-8", rr.Header().Get("Content-Type"))
			body := rr.Body.String()
			assert.Contains(t, body, "<title>"+tt.title+"</title>")
			assert.Contains(t, body, tt.contains)
		})
	}
}

func TestDebugIndexHandler_ConfigIsRedacted(t *testing.T) {
	webUI := &WebUI{Application: trackingApp(t)}

	rr := debugRequest(webUI, "dataType=config")

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "ClockSkewTolerance")
	assert.NotContains(t, body, "do-not-print")
	assert.NotContains(t, body, "TEST")
}
