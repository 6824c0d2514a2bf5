package restapi

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"buswatch.org/internal/app"
	"buswatch.org/internal/clock"
	"github.com/bluele/gcache"
	"github.com/gorilla/websocket"
)

type RestAPI struct {
	*app.Application
	rateLimiter *RateLimitMiddleware
	// routeCache holds rendered route payloads keyed by route id. Routes do
	// not change within a service day.
	routeCache gcache.Cache
	upgrader   websocket.Upgrader

	streamsMu sync.Mutex
	streams   map[*streamConn]struct{}
}

// NewRestAPI creates a new RestAPI instance.
func NewRestAPI(app *app.Application) *RestAPI {
	if app.Clock == nil {
		app.Clock = clock.RealClock{}
	}
	if app.Logger == nil {
		app.Logger = slog.Default()
	}
	api := &RestAPI{
		Application: app,
		rateLimiter: NewRateLimitMiddleware(app.Config.RateLimit, time.Second, nil, app.Clock),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser clients authenticate with a bearer token, not cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		streams: make(map[*streamConn]struct{}),
	}
	api.routeCache = gcache.New(256).LRU().LoaderFunc(api.loadRouteEntry).Build()
	return api
}

// Shutdown stops the rate limiter and closes every open stream.
func (api *RestAPI) Shutdown() {
	if api.rateLimiter != nil {
		api.rateLimiter.Stop()
	}
	api.streamsMu.Lock()
	open := make([]*streamConn, 0, len(api.streams))
	for s := range api.streams {
		open = append(open, s)
	}
	api.streamsMu.Unlock()
	for _, s := range open {
		s.close(websocket.CloseGoingAway, "server shutting down")
	}
}

func (api *RestAPI) trackStream(s *streamConn) {
	api.streamsMu.Lock()
	api.streams[s] = struct{}{}
	api.streamsMu.Unlock()
}

func (api *RestAPI) untrackStream(s *streamConn) {
	api.streamsMu.Lock()
	delete(api.streams, s)
	api.streamsMu.Unlock()
}

// OpenStreams returns the number of connected stream clients.
func (api *RestAPI) OpenStreams() int {
	api.streamsMu.Lock()
	defer api.streamsMu.Unlock()
	return len(api.streams)
}
