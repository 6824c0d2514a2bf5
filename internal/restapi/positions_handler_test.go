package restapi

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"buswatch.org/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionsHandlerAcceptsReport(t *testing.T) {
	api := createTestApi(t)
	server := testServer(t, api)

	resp, model := postReport(t, server, "42", 39.7820, -89.6500, testNow)

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, http.StatusAccepted, model.Code)
	assert.Equal(t, "Accepted", model.Text)
	entry := entryOf(t, model)
	assert.Equal(t, true, entry["accepted"])
	assert.Equal(t, string(models.BusStatusEnRoute), entry["status"])

	st, err := api.Store.Get("42")
	require.NoError(t, err)
	assert.Equal(t, testNow, st.Bus.LastReportAt.UTC())
	assert.InDelta(t, 39.7820, st.Bus.Position.Lat, 1e-9)
}

func TestPositionsHandlerRejections(t *testing.T) {
	api := createTestApi(t)
	server := testServer(t, api)

	_, _ = postReport(t, server, "42", 39.7820, -89.6500, testNow)

	tests := []struct {
		name   string
		busID  string
		lat    float64
		lon    float64
		at     time.Time
		reason models.RejectReason
	}{
		{"replayed report", "42", 39.7820, -89.6500, testNow, models.RejectStaleReport},
		{"unknown bus", "99", 39.7820, -89.6500, testNow, models.RejectUnknownBus},
		{"no fix", "43", 0, 0, testNow, models.RejectInvalidCoordinate},
		{"far away", "43", 40.5, -89.6500, testNow, models.RejectOutOfRegion},
		{"device clock off", "43", 39.7600, -89.6350, testNow.Add(-10 * time.Minute), models.RejectClockSkew},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, model := postReport(t, server, tt.busID, tt.lat, tt.lon, tt.at)

			assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
			assert.Equal(t, "report rejected", model.Text)
			entry := entryOf(t, model)
			assert.Equal(t, false, entry["accepted"])
			assert.Equal(t, string(tt.reason), entry["reason"])
		})
	}
}

func TestPositionsHandlerMalformedBody(t *testing.T) {
	api := createTestApi(t)
	server := testServer(t, api)

	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/v1/positions?key=TEST", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPositionsHandlerMissingFields(t *testing.T) {
	api := createTestApi(t)
	server := testServer(t, api)

	resp, model := doRequest(t, server, http.MethodPost, "/api/v1/positions?key=TEST", "", map[string]any{
		"busId": "42",
		"lon":   -89.65,
	})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	fields, ok := dataMap(t, model)["fieldErrors"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, fields, "Lat")
	assert.NotContains(t, fields, "Lon")
}

func TestPositionsHandlerRequiresKey(t *testing.T) {
	api := createTestApi(t)
	server := testServer(t, api)

	resp, _ := doRequest(t, server, http.MethodPost, "/api/v1/positions", "", map[string]any{
		"busId": "42", "lat": 39.782, "lon": -89.65,
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// a session token is not a device key
	token := issueToken(t, api, "skinner", models.RoleAdmin)
	resp, _ = doRequest(t, server, http.MethodPost, "/api/v1/positions", token, map[string]any{
		"busId": "42", "lat": 39.782, "lon": -89.65,
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
