package webui

import (
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"sort"

	"buswatch.org/internal/appconf"
	"buswatch.org/internal/models"
	"github.com/davecgh/go-spew/spew"
)

//go:embed debug_index.html
var templateFS embed.FS

var debugTemplate = template.Must(template.ParseFS(templateFS, "debug_index.html"))

type debugData struct {
	Title string
	Pre   string
}

var dumper = spew.ConfigState{Indent: "  ", SortKeys: true, DisableMethods: true}

func writeDebugData(w http.ResponseWriter, title string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	err := debugTemplate.Execute(w, debugData{Title: title, Pre: dumper.Sdump(data)})
	if err != nil {
		slog.Error("failed to execute debug template", slog.Any("error", err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

const debugChoices = "buses, routes, students, assignments, etas, gateway, tables, config"

func (webUI *WebUI) debugIndexHandler(w http.ResponseWriter, r *http.Request) {
	if webUI.Config.Env == appconf.Production {
		http.NotFound(w, r)
		return
	}
	dataType := r.URL.Query().Get("dataType")

	var data any
	var title string

	switch dataType {
	case "buses":
		if webUI.Store == nil {
			data, title = notReady(), "Bus State"
			break
		}
		data = webUI.Store.List()
		title = "Bus State"
	case "routes":
		data = webUI.Dataset.Routes
		title = "Dataset - Routes"
	case "students":
		data = webUI.Dataset.Students
		title = "Dataset - Students"
	case "assignments":
		data = webUI.Dataset.Assignments
		title = "Dataset - Route Assignments"
	case "etas":
		if webUI.Engine == nil {
			data, title = notReady(), "ETA Records"
			break
		}
		etas := make(map[string][]models.ETARecord, len(webUI.Dataset.Buses))
		ids := make([]string, 0, len(webUI.Dataset.Buses))
		for _, b := range webUI.Dataset.Buses {
			ids = append(ids, b.ID)
		}
		sort.Strings(ids)
		for _, id := range ids {
			etas[id] = webUI.Engine.Latest(id)
		}
		data = etas
		title = "ETA Records"
	case "gateway":
		if webUI.Gateway == nil {
			data, title = notReady(), "Fan-out Gateway"
			break
		}
		data = webUI.Gateway.Stats()
		title = "Fan-out Gateway"
	case "tables":
		if webUI.DB == nil {
			data, title = notReady(), "Database Tables"
			break
		}
		counts, err := webUI.DB.TableCounts()
		if err != nil {
			data = map[string]string{"error": err.Error()}
		} else {
			data = counts
		}
		title = "Database Tables"
	case "config":
		cfg := webUI.Config
		cfg.ApiKeys = nil
		cfg.JWTSecret = ""
		cfg.ArchiveDSN = ""
		data = cfg
		title = "Configuration"
	default:
		data = map[string]string{
			"error": "Please use one of the following: " + debugChoices + ".",
		}
		title = "Choose a data type"
	}

	writeDebugData(w, title, data)
}

func notReady() map[string]string {
	return map[string]string{"error": "tracking pipeline not started"}
}
