package restapi

import (
	"encoding/json"
	"net/http"

	"buswatch.org/internal/logging"
)

// HealthResponse represents the JSON response from the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func writeHealth(w http.ResponseWriter, status int, body HealthResponse) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// healthHandler reports whether the tracker can take traffic: the pipeline
// is built and the local database answers.
func (api *RestAPI) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if api.Application == nil || api.DB == nil {
		writeHealth(w, http.StatusServiceUnavailable, HealthResponse{
			Status: "unavailable",
			Detail: "database not initialized",
		})
		return
	}
	if api.Tracker == nil {
		writeHealth(w, http.StatusServiceUnavailable, HealthResponse{
			Status: "starting",
			Detail: "tracking pipeline not initialized",
		})
		return
	}
	if err := api.DB.Ping(r.Context()); err != nil {
		logging.LogError(api.Logger, "database ping failed", err)
		writeHealth(w, http.StatusServiceUnavailable, HealthResponse{
			Status: "unavailable",
			Detail: "database connection failed",
		})
		return
	}
	if api.ArchiveStore != nil {
		if err := api.ArchiveStore.Ping(r.Context()); err != nil {
			logging.LogError(api.Logger, "archive ping failed", err)
			writeHealth(w, http.StatusOK, HealthResponse{Status: "degraded", Detail: "event archive unreachable"})
			return
		}
	}
	writeHealth(w, http.StatusOK, HealthResponse{Status: "ok"})
}
