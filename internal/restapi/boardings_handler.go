package restapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"buswatch.org/internal/alerts"
	"buswatch.org/internal/busstate"
	"buswatch.org/internal/models"
)

type boardingRequest struct {
	StudentID string `json:"studentId" validate:"required"`
	// Boarded defaults to true; false records the student getting off.
	Boarded *bool `json:"boarded"`
}

type routeChangeRequest struct {
	RouteID  string `json:"routeId" validate:"required"`
	DriverID string `json:"driverId"`
}

func decodeBody(r *http.Request, w http.ResponseWriter, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(dst)
}

// boardingsHandler lets the driver of a bus (or an admin) record a student
// getting on or off.
func (api *RestAPI) boardingsHandler(w http.ResponseWriter, r *http.Request) {
	busID := r.PathValue("id")
	session := sessionOf(r)
	if session.Role == models.RoleDriver {
		if driving, ok := api.Roster.BusOfDriver(session.UserID); !ok || driving != busID {
			api.sendForbidden(w, r)
			return
		}
	}

	var req boardingRequest
	if err := decodeBody(r, w, &req); err != nil {
		api.badRequestResponse(w, r, "malformed boarding request")
		return
	}
	if err := validate.Struct(req); err != nil {
		api.validationErrorResponse(w, r, fieldErrors(err))
		return
	}
	boarded := req.Boarded == nil || *req.Boarded

	e, err := api.Dispatcher.RecordBoarding(r.Context(), busID, req.StudentID, boarded)
	switch {
	case err == nil:
		api.sendResponseWithStatus(w, r, http.StatusCreated, models.NewEntryResponse(e, api.Clock))
	case errors.Is(err, alerts.ErrUnknownStudent), errors.Is(err, busstate.ErrNotFound):
		api.sendNotFound(w, r)
	case errors.Is(err, alerts.ErrWrongBus):
		api.sendError(w, r, http.StatusConflict, "student is not assigned to this bus")
	default:
		api.serverErrorResponse(w, r, err)
	}
}

// routeChangeHandler reassigns a bus to another route for the rest of the
// service day. Admin only.
func (api *RestAPI) routeChangeHandler(w http.ResponseWriter, r *http.Request) {
	busID := r.PathValue("id")
	var req routeChangeRequest
	if err := decodeBody(r, w, &req); err != nil {
		api.badRequestResponse(w, r, "malformed route change request")
		return
	}
	if err := validate.Struct(req); err != nil {
		api.validationErrorResponse(w, r, fieldErrors(err))
		return
	}

	e, changed, err := api.Tracker.ChangeRoute(r.Context(), busID, req.RouteID, req.DriverID)
	switch {
	case errors.Is(err, busstate.ErrNotFound):
		api.sendNotFound(w, r)
		return
	case errors.Is(err, alerts.ErrUnknownRoute):
		api.validationErrorResponse(w, r, map[string][]string{"routeId": {"exists"}})
		return
	case err != nil:
		api.serverErrorResponse(w, r, err)
		return
	}
	if !changed {
		response := models.NewOKResponse(nil, api.Clock)
		response.Text = "unchanged"
		api.sendResponse(w, r, response)
		return
	}
	api.sendResponse(w, r, models.NewEntryResponse(e, api.Clock))
}
