package restapi

import (
	"net/http"
	"testing"

	"buswatch.org/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func busIDs(t *testing.T, model models.ResponseModel) []string {
	t.Helper()
	ids := []string{}
	for _, item := range listOf(t, model) {
		ids = append(ids, item.(map[string]any)["id"].(string))
	}
	return ids
}

func TestBusesHandlerVisibility(t *testing.T) {
	api := createTestApi(t)
	server := testServer(t, api)

	tests := []struct {
		name     string
		userID   string
		role     models.Role
		expected []string
	}{
		{"admin sees the fleet", "skinner", models.RoleAdmin, []string{"42", "43"}},
		{"parent sees their children's bus", "homer", models.RoleParent, []string{"42"}},
		{"driver sees their bus", "dana", models.RoleDriver, []string{"43"}},
		{"stranger sees nothing", "nelson", models.RoleParent, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, model := doRequest(t, server, http.MethodGet, "/api/v1/buses", issueToken(t, api, tt.userID, tt.role), nil)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, tt.expected, busIDs(t, model))
		})
	}
}

func TestBusesHandlerRequiresSession(t *testing.T) {
	api := createTestApi(t)
	server := testServer(t, api)

	resp, _ := doRequest(t, server, http.MethodGet, "/api/v1/buses?key=TEST", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doRequest(t, server, http.MethodGet, "/api/v1/buses", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBusesHandlerFilters(t *testing.T) {
	api := createTestApi(t)
	server := testServer(t, api)
	admin := issueToken(t, api, "skinner", models.RoleAdmin)

	_, _ = postReport(t, server, "42", 39.7820, -89.6500, testNow)

	_, model := doRequest(t, server, http.MethodGet, "/api/v1/buses?status=en-route", admin, nil)
	assert.Equal(t, []string{"42"}, busIDs(t, model))

	_, model = doRequest(t, server, http.MethodGet, "/api/v1/buses?status=inactive", admin, nil)
	assert.Equal(t, []string{"43"}, busIDs(t, model))

	_, model = doRequest(t, server, http.MethodGet, "/api/v1/buses?routeId=south", admin, nil)
	assert.Equal(t, []string{"43"}, busIDs(t, model))

	resp, _ := doRequest(t, server, http.MethodGet, "/api/v1/buses?status=lost", admin, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBusHandler(t *testing.T) {
	api := createTestApi(t)
	server := testServer(t, api)
	homer := issueToken(t, api, "homer", models.RoleParent)

	resp, model := doRequest(t, server, http.MethodGet, "/api/v1/buses/42", homer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entry := entryOf(t, model)
	assert.Equal(t, string(models.BusStatusInactive), entry["status"])
	assert.NotContains(t, entry, "distanceAlongRoute", "no position yet")

	_, _ = postReport(t, server, "42", 39.7820, -89.6500, testNow)

	_, model = doRequest(t, server, http.MethodGet, "/api/v1/buses/42", homer, nil)
	entry = entryOf(t, model)
	assert.Equal(t, string(models.BusStatusEnRoute), entry["status"])
	assert.Equal(t, "north", entry["routeId"])
	assert.Equal(t, "oak-5th", entry["nextStopId"])
	assert.InDelta(t, 222.4, entry["distanceAlongRoute"].(float64), 2)
	assert.InDelta(t, 0, entry["perpendicularOffset"].(float64), 1)
}

func TestBusHandlerHidesOtherBuses(t *testing.T) {
	api := createTestApi(t)
	server := testServer(t, api)
	homer := issueToken(t, api, "homer", models.RoleParent)

	resp, _ := doRequest(t, server, http.MethodGet, "/api/v1/buses/43", homer, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "invisible buses look like missing ones")

	admin := issueToken(t, api, "skinner", models.RoleAdmin)
	resp, _ = doRequest(t, server, http.MethodGet, "/api/v1/buses/99", admin, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBusETAsHandler(t *testing.T) {
	api := createTestApi(t)
	server := testServer(t, api)
	homer := issueToken(t, api, "homer", models.RoleParent)

	_, model := doRequest(t, server, http.MethodGet, "/api/v1/buses/42/etas", homer, nil)
	assert.Empty(t, listOf(t, model), "no prediction before the first report")

	_, _ = postReport(t, server, "42", 39.7820, -89.6500, testNow)

	resp, model := doRequest(t, server, http.MethodGet, "/api/v1/buses/42/etas", homer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := listOf(t, model)
	require.Len(t, list, 3)
	first := list[0].(map[string]any)
	assert.Equal(t, "oak-5th", first["stopId"])
	assert.Equal(t, "42", first["busId"])
	assert.Equal(t, string(models.ETABasisSpeed), first["basis"])

	resp, _ = doRequest(t, server, http.MethodGet, "/api/v1/buses/43/etas", homer, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
