package restapi

import (
	"errors"
	"net/http"
	"sort"

	"buswatch.org/internal/busstate"
	"buswatch.org/internal/models"
)

// busEntry is the public view of a bus and where it is on its route.
type busEntry struct {
	models.Bus
	DistanceAlongRoute  *float64 `json:"distanceAlongRoute,omitempty"`
	PerpendicularOffset *float64 `json:"perpendicularOffset,omitempty"`
	NextStopID          string   `json:"nextStopId,omitempty"`
}

func (api *RestAPI) newBusEntry(st busstate.BusState) busEntry {
	entry := busEntry{Bus: st.Bus}
	if !st.HasProgress {
		return entry
	}
	along := st.Progress.DistanceAlongRoute
	offset := st.Progress.PerpendicularOffset
	entry.DistanceAlongRoute = &along
	entry.PerpendicularOffset = &offset
	if stops, err := api.Index.StopsRemaining(st.Bus.RouteID, st.Progress); err == nil && len(stops) > 0 {
		entry.NextStopID = stops[0].ID
	}
	return entry
}

// busesHandler lists the buses the caller may see, ordered by id. The
// optional status and routeId query parameters filter the list.
func (api *RestAPI) busesHandler(w http.ResponseWriter, r *http.Request) {
	session := sessionOf(r)
	status := models.BusStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		api.validationErrorResponse(w, r, map[string][]string{"status": {"oneof"}})
		return
	}
	routeID := r.URL.Query().Get("routeId")

	states := api.Store.List()
	sort.Slice(states, func(i, j int) bool { return states[i].Bus.ID < states[j].Bus.ID })

	entries := make([]busEntry, 0, len(states))
	for _, st := range states {
		if !api.Visible(session, st.Bus.ID) {
			continue
		}
		if status != "" && st.Bus.Status != status {
			continue
		}
		if routeID != "" && st.Bus.RouteID != routeID {
			continue
		}
		entries = append(entries, api.newBusEntry(st))
	}
	api.sendResponse(w, r, models.NewListResponse(entries, api.Clock))
}

// visibleBus loads the bus named by the {id} path value, answering 404 for
// buses that do not exist or that the caller may not see.
func (api *RestAPI) visibleBus(w http.ResponseWriter, r *http.Request) (busstate.BusState, bool) {
	busID := r.PathValue("id")
	if !api.Visible(sessionOf(r), busID) {
		api.sendNotFound(w, r)
		return busstate.BusState{}, false
	}
	st, err := api.Store.Get(busID)
	if errors.Is(err, busstate.ErrNotFound) {
		api.sendNotFound(w, r)
		return busstate.BusState{}, false
	}
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return busstate.BusState{}, false
	}
	return st, true
}

func (api *RestAPI) busHandler(w http.ResponseWriter, r *http.Request) {
	st, ok := api.visibleBus(w, r)
	if !ok {
		return
	}
	api.sendResponse(w, r, models.NewEntryResponse(api.newBusEntry(st), api.Clock))
}

// busETAsHandler returns the latest predictions for the remaining stops of
// a bus. A bus with no current prediction yields an empty list.
func (api *RestAPI) busETAsHandler(w http.ResponseWriter, r *http.Request) {
	st, ok := api.visibleBus(w, r)
	if !ok {
		return
	}
	api.sendResponse(w, r, models.NewListResponse(api.Engine.Latest(st.Bus.ID), api.Clock))
}
