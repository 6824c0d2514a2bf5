package restapi

import (
	"encoding/json"
	"net/http"
	"time"

	"buswatch.org/internal/models"
)

// maxReportBytes bounds a single position report body.
const maxReportBytes = 4 << 10

type positionRequest struct {
	BusID           string    `json:"busId" validate:"required"`
	Lat             *float64  `json:"lat" validate:"required"`
	Lon             *float64  `json:"lon" validate:"required"`
	Speed           float64   `json:"speed"`
	HeadingDegrees  float64   `json:"headingDegrees"`
	DeviceTimestamp time.Time `json:"deviceTimestamp"`
}

func (p positionRequest) toReport() models.PositionReport {
	return models.PositionReport{
		BusID:           p.BusID,
		Position:        models.Coordinate{Lat: *p.Lat, Lon: *p.Lon},
		SpeedMps:        p.Speed,
		HeadingDegrees:  p.HeadingDegrees,
		DeviceTimestamp: p.DeviceTimestamp,
	}
}

// positionsHandler ingests one report from a bus device. Accepted reports
// answer 202; reports that fail validation answer 422 with the reason and
// are not retried by the device.
func (api *RestAPI) positionsHandler(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReportBytes))
	if err := dec.Decode(&req); err != nil {
		api.badRequestResponse(w, r, "malformed position report")
		return
	}
	if err := validate.Struct(req); err != nil {
		api.validationErrorResponse(w, r, fieldErrors(err))
		return
	}

	result, _, err := api.Tracker.Ingest(r.Context(), req.toReport())
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}

	response := models.NewEntryResponse(result, api.Clock)
	if !result.Accepted {
		response.Text = "report rejected"
		api.sendResponseWithStatus(w, r, http.StatusUnprocessableEntity, response)
		return
	}
	response.Text = "Accepted"
	api.sendResponseWithStatus(w, r, http.StatusAccepted, response)
}
