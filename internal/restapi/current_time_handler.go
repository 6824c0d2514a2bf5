package restapi

import (
	"net/http"

	"buswatch.org/internal/models"
)

// currentTimeHandler lets devices compare their clock with the server's
// before reporting; reports outside the skew tolerance are rejected.
func (api *RestAPI) currentTimeHandler(w http.ResponseWriter, r *http.Request) {
	response := models.NewEntryResponse(models.NewCurrentTimeData(api.Clock.Now()), api.Clock)
	api.sendResponse(w, r, response)
}
