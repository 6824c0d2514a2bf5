package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"buswatch.org/busdb"
	"buswatch.org/internal/app"
	"buswatch.org/internal/appconf"
	"buswatch.org/internal/clock"
	"buswatch.org/internal/metrics"
	"buswatch.org/internal/models"
	"buswatch.org/internal/serviceday"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "springfield-test-secret"

// testNow is 07:30 on a school day, five minutes before the first stop.
var testNow = time.Date(2026, 9, 14, 7, 30, 0, 0, time.UTC)

func testConfig() appconf.Config {
	cfg := appconf.Default()
	cfg.Env = appconf.Test
	cfg.ApiKeys = []string{"TEST"}
	cfg.RateLimit = 100
	cfg.DataPath = ":memory:"
	cfg.TimeZone = "UTC"
	cfg.JWTSecret = testJWTSecret
	return cfg
}

func createTestApi(t *testing.T) *RestAPI {
	return createTestApiWithClock(t, clock.NewMockClock(testNow))
}

// createTestApiWithClock builds the full pipeline over the sample dataset
// and an in-memory database.
func createTestApiWithClock(t *testing.T, c clock.Clock) *RestAPI {
	t.Helper()
	cfg := testConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	loaded, err := serviceday.LoadFiles(logger, filepath.Join("..", "..", "testdata", "springfield.yml"))
	require.NoError(t, err)

	db, err := busdb.NewClient(busdb.NewConfig(cfg.DataPath, cfg.Env, false))
	require.NoError(t, err)

	application := &app.Application{
		Config:  cfg,
		Logger:  logger,
		Clock:   c,
		Metrics: metrics.NewWithLogger(logger),
		DB:      db,
		Dataset: loaded.Dataset,
	}
	require.NoError(t, application.BuildPipeline(context.Background(), cfg.JWTSecret))

	api := NewRestAPI(application)
	t.Cleanup(func() {
		api.Shutdown()
		_ = application.Shutdown(context.Background())
	})
	return api
}

func testServer(t *testing.T, api *RestAPI) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	api.SetRoutes(mux)
	server := httptest.NewServer(api.Handler(mux))
	t.Cleanup(server.Close)
	return server
}

func issueToken(t *testing.T, api *RestAPI, userID string, role models.Role) string {
	t.Helper()
	token, err := api.Auth.Issue(userID, role, userID+"-device", time.Hour)
	require.NoError(t, err)
	return token
}

// doRequest sends a request with an optional bearer token and JSON body and
// decodes the envelope when the response is JSON.
func doRequest(t *testing.T, server *httptest.Server, method, endpoint, token string, body any) (*http.Response, models.ResponseModel) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, server.URL+endpoint, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var model models.ResponseModel
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(raw, &model), string(raw))
	}
	return resp, model
}

func serveApiAndRetrieveEndpoint(t *testing.T, api *RestAPI, endpoint string) (*http.Response, models.ResponseModel) {
	t.Helper()
	return doRequest(t, testServer(t, api), http.MethodGet, endpoint, "", nil)
}

func serveAndRetrieveEndpoint(t *testing.T, endpoint string) (*RestAPI, *http.Response, models.ResponseModel) {
	t.Helper()
	api := createTestApi(t)
	resp, model := serveApiAndRetrieveEndpoint(t, api, endpoint)
	return api, resp, model
}

// postReport sends a position report for bus 42 on the north route.
func postReport(t *testing.T, server *httptest.Server, busID string, lat, lon float64, at time.Time) (*http.Response, models.ResponseModel) {
	t.Helper()
	body := map[string]any{
		"busId":           busID,
		"lat":             lat,
		"lon":             lon,
		"speed":           8.0,
		"deviceTimestamp": at.Format(time.RFC3339Nano),
	}
	return doRequest(t, server, http.MethodPost, "/api/v1/positions?key=TEST", "", body)
}

func dataMap(t *testing.T, model models.ResponseModel) map[string]any {
	t.Helper()
	data, ok := model.Data.(map[string]any)
	require.True(t, ok, "data is %T", model.Data)
	return data
}

func entryOf(t *testing.T, model models.ResponseModel) map[string]any {
	t.Helper()
	entry, ok := dataMap(t, model)["entry"].(map[string]any)
	require.True(t, ok, "entry is %T", dataMap(t, model)["entry"])
	return entry
}

func listOf(t *testing.T, model models.ResponseModel) []any {
	t.Helper()
	list, ok := dataMap(t, model)["list"].([]any)
	require.True(t, ok, "list is %T", dataMap(t, model)["list"])
	return list
}
