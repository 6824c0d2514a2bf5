package restapi

import (
	"net/http"

	"buswatch.org/internal/models"
	"github.com/klauspost/compress/gzhttp"
)

// SetRoutes registers every endpoint on mux. Device and collaborator
// endpoints take an API key; everything a parent, driver or admin reads
// takes a bearer token.
func (api *RestAPI) SetRoutes(mux *http.ServeMux) {
	withKey := api.requireAPIKey
	anyRole := api.requireSession()
	staff := api.requireSession(models.RoleDriver, models.RoleAdmin)
	admin := api.requireSession(models.RoleAdmin)

	live := func(h http.HandlerFunc) http.Handler {
		return CacheControlMiddleware(cacheLive, gzhttp.GzipHandler(h))
	}
	static := func(h http.HandlerFunc) http.Handler {
		return CacheControlMiddleware(cacheStatic, gzhttp.GzipHandler(h))
	}

	// Device ingest
	mux.Handle("POST /api/v1/positions", api.rateLimiter.Handler()(withKey(http.HandlerFunc(api.positionsHandler))))
	mux.Handle("GET /api/v1/current-time", withKey(live(api.currentTimeHandler)))

	// Route geometry and feeds
	mux.Handle("GET /api/v1/config", withKey(live(api.configHandler)))
	mux.Handle("GET /api/v1/routes", withKey(static(api.routesHandler)))
	mux.Handle("GET /api/v1/routes/{id}", withKey(static(api.routeHandler)))
	mux.Handle("GET /api/v1/gtfs-rt/vehicle-positions", withKey(live(api.vehiclePositionsHandler)))

	// Session endpoints
	mux.Handle("GET /api/v1/buses", anyRole(live(api.busesHandler)))
	mux.Handle("GET /api/v1/buses/{id}", anyRole(live(api.busHandler)))
	mux.Handle("GET /api/v1/buses/{id}/etas", anyRole(live(api.busETAsHandler)))
	mux.Handle("POST /api/v1/buses/{id}/boardings", staff(http.HandlerFunc(api.boardingsHandler)))
	mux.Handle("POST /api/v1/buses/{id}/route", admin(http.HandlerFunc(api.routeChangeHandler)))
	mux.Handle("GET /api/v1/events", anyRole(live(api.eventsHandler)))
	mux.Handle("GET /api/v1/events/{id}", anyRole(live(api.eventHandler)))
	// No compression or caching wrappers: the connection is hijacked.
	mux.Handle("GET /api/v1/stream", anyRole(http.HandlerFunc(api.streamHandler)))

	// Operations
	mux.HandleFunc("GET /healthz", api.healthHandler)
	if api.Metrics != nil {
		mux.Handle("GET /metrics", api.Metrics.Handler())
	}
}

// Handler wraps mux with the standard middleware chain. MetricsHandler sits
// directly on the mux so it can read the matched pattern.
func (api *RestAPI) Handler(mux *http.ServeMux) http.Handler {
	var h http.Handler = MetricsHandler(api.Metrics)(mux)
	h = NewRequestLoggingMiddleware(api.Logger)(h)
	return RequestIDMiddleware(h)
}
