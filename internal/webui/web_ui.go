// Package webui serves the operator pages that sit next to the API: the
// debug dump of live tracking state and the static assets of the parent map.
package webui

import (
	"net/http"

	"buswatch.org/internal/app"
)

type WebUI struct {
	*app.Application
	// AssetsDir holds the files served under /assets/. Defaults to ./public.
	AssetsDir string
}

func (webUI *WebUI) SetWebUIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /debug/", webUI.debugIndexHandler)
	mux.HandleFunc("GET /assets/", webUI.assetsHandler)
}
