package restapi

import (
	"net/http"
	"testing"

	"buswatch.org/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoardingsHandler(t *testing.T) {
	api := createTestApi(t)
	server := testServer(t, api)
	otto := issueToken(t, api, "otto", models.RoleDriver)

	resp, model := doRequest(t, server, http.MethodPost, "/api/v1/buses/42/boardings", otto, map[string]any{"studentId": "7"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	entry := entryOf(t, model)
	assert.Equal(t, string(models.EventBoarding), entry["kind"])
	assert.Equal(t, "student:7", entry["subject"])
	assert.Equal(t, "42", entry["busId"])
	assert.Equal(t, 1.0, entry["seq"])
	payload := entry["payload"].(map[string]any)
	assert.Equal(t, true, payload["boarded"])
	assert.Equal(t, 1.0, payload["studentsOnboard"])

	resp, model = doRequest(t, server, http.MethodPost, "/api/v1/buses/42/boardings", otto, map[string]any{"studentId": "7", "boarded": false})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	payload = entryOf(t, model)["payload"].(map[string]any)
	assert.Equal(t, false, payload["boarded"])
	assert.Equal(t, 0.0, payload["studentsOnboard"])
	assert.Equal(t, 2.0, entryOf(t, model)["seq"])
}

func TestBoardingsHandlerAuthorization(t *testing.T) {
	api := createTestApi(t)
	server := testServer(t, api)
	body := map[string]any{"studentId": "9"}

	resp, _ := doRequest(t, server, http.MethodPost, "/api/v1/buses/43/boardings", issueToken(t, api, "otto", models.RoleDriver), body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "otto does not drive bus 43")

	resp, _ = doRequest(t, server, http.MethodPost, "/api/v1/buses/43/boardings", issueToken(t, api, "kirk", models.RoleParent), body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "parents cannot record boardings")

	resp, _ = doRequest(t, server, http.MethodPost, "/api/v1/buses/43/boardings", issueToken(t, api, "dana", models.RoleDriver), body)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = doRequest(t, server, http.MethodPost, "/api/v1/buses/43/boardings", issueToken(t, api, "skinner", models.RoleAdmin), body)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestBoardingsHandlerErrors(t *testing.T) {
	api := createTestApi(t)
	server := testServer(t, api)
	admin := issueToken(t, api, "skinner", models.RoleAdmin)

	resp, _ := doRequest(t, server, http.MethodPost, "/api/v1/buses/42/boardings", admin, map[string]any{"studentId": "9"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "Milhouse rides bus 43")

	resp, _ = doRequest(t, server, http.MethodPost, "/api/v1/buses/42/boardings", admin, map[string]any{"studentId": "404"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, model := doRequest(t, server, http.MethodPost, "/api/v1/buses/42/boardings", admin, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, dataMap(t, model)["fieldErrors"], "StudentID")
}

func TestRouteChangeHandler(t *testing.T) {
	api := createTestApi(t)
	server := testServer(t, api)
	admin := issueToken(t, api, "skinner", models.RoleAdmin)

	resp, model := doRequest(t, server, http.MethodPost, "/api/v1/buses/42/route", admin, map[string]any{"routeId": "south"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entry := entryOf(t, model)
	assert.Equal(t, string(models.EventRouteChange), entry["kind"])
	assert.Equal(t, "bus:42", entry["subject"])
	payload := entry["payload"].(map[string]any)
	assert.Equal(t, "north", payload["fromRouteId"])
	assert.Equal(t, "south", payload["toRouteId"])

	_, model = doRequest(t, server, http.MethodGet, "/api/v1/buses/42", admin, nil)
	assert.Equal(t, "south", entryOf(t, model)["routeId"])
	route, _ := api.Roster.RouteOf("42")
	assert.Equal(t, "south", route)

	resp, model = doRequest(t, server, http.MethodPost, "/api/v1/buses/42/route", admin, map[string]any{"routeId": "south"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "unchanged", model.Text)
}

func TestRouteChangeHandlerErrors(t *testing.T) {
	api := createTestApi(t)
	server := testServer(t, api)
	admin := issueToken(t, api, "skinner", models.RoleAdmin)

	resp, model := doRequest(t, server, http.MethodPost, "/api/v1/buses/42/route", admin, map[string]any{"routeId": "nowhere"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, dataMap(t, model)["fieldErrors"], "routeId")

	resp, _ = doRequest(t, server, http.MethodPost, "/api/v1/buses/99/route", admin, map[string]any{"routeId": "south"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doRequest(t, server, http.MethodPost, "/api/v1/buses/42/route", admin, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doRequest(t, server, http.MethodPost, "/api/v1/buses/42/route", issueToken(t, api, "otto", models.RoleDriver), map[string]any{"routeId": "south"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
