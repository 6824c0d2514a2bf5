package restapi

import (
	"errors"
	"net/http"

	"buswatch.org/internal/models"
	"buswatch.org/internal/routeindex"
)

type stopEntry struct {
	models.Stop
	Scheduled string `json:"scheduled"`
}

// routeEntry is a route as served to clients: geometry as an encoded
// polyline and stops with their scheduled clock time.
type routeEntry struct {
	ID        string                `json:"id"`
	Name      string                `json:"name"`
	School    string                `json:"school"`
	Direction models.RouteDirection `json:"direction"`
	Length    float64               `json:"length"`
	Polyline  string                `json:"polyline"`
	Stops     []stopEntry           `json:"stops"`
}

// loadRouteEntry renders a route. It backs the route cache.
func (api *RestAPI) loadRouteEntry(key any) (any, error) {
	routeID, _ := key.(string)
	route, err := api.Index.Route(routeID)
	if err != nil {
		return nil, err
	}
	encoded, err := api.Index.EncodedPolyline(routeID)
	if err != nil {
		return nil, err
	}
	entry := routeEntry{
		ID:        route.ID,
		Name:      route.Name,
		School:    route.School,
		Direction: route.Direction,
		Length:    route.Length,
		Polyline:  encoded,
		Stops:     make([]stopEntry, 0, len(route.Stops)),
	}
	for _, s := range route.Stops {
		entry.Stops = append(entry.Stops, stopEntry{Stop: s, Scheduled: s.ScheduledClock()})
	}
	return entry, nil
}

func (api *RestAPI) routeHandler(w http.ResponseWriter, r *http.Request) {
	routeID := r.PathValue("id")
	if routeID == "" {
		api.validationErrorResponse(w, r, map[string][]string{"id": {"required"}})
		return
	}

	cached, err := api.routeCache.Get(routeID)
	if errors.Is(err, routeindex.ErrUnknownRoute) {
		api.sendNotFound(w, r)
		return
	}
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}
	api.sendResponse(w, r, models.NewEntryResponse(cached, api.Clock))
}

func (api *RestAPI) routesHandler(w http.ResponseWriter, r *http.Request) {
	routes := api.Index.Routes()
	entries := make([]any, 0, len(routes))
	for _, route := range routes {
		entry, err := api.routeCache.Get(route.ID)
		if err != nil {
			api.serverErrorResponse(w, r, err)
			return
		}
		entries = append(entries, entry)
	}
	api.sendResponse(w, r, models.NewListResponse(entries, api.Clock))
}
