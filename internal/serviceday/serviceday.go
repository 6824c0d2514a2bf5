// Package serviceday loads the dataset a service day runs on: route geometry
// and schedule, the fleet, and the student roster.
package serviceday

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"buswatch.org/busdb"
	"buswatch.org/internal/logging"
	"buswatch.org/internal/models"
)

// Loaded is a parsed dataset plus the identity of the files it came from.
type Loaded struct {
	Dataset models.Dataset
	Source  string
	Hash    string
}

// LoadFiles parses and merges every file in paths. Files ending in .zip are
// read as GTFS static feeds; .yml/.yaml files (optionally .gz) as YAML
// datasets. The merged dataset is validated before it is returned.
func LoadFiles(logger *slog.Logger, paths ...string) (Loaded, error) {
	if len(paths) == 0 {
		return Loaded{}, fmt.Errorf("no dataset files given")
	}

	var merged models.Dataset
	var hashes []string
	for _, path := range paths {
		b, err := readFile(path)
		if err != nil {
			return Loaded{}, fmt.Errorf("reading dataset %s: %w", path, err)
		}
		ds, err := Parse(path, b)
		if err != nil {
			return Loaded{}, fmt.Errorf("%s: %w", path, err)
		}
		merged = Merge(merged, ds)
		hashes = append(hashes, busdb.HashBytes(b))

		logging.LogOperation(logger, "dataset_file_parsed",
			slog.String("path", path),
			slog.Int("routes", len(ds.Routes)),
			slog.Int("buses", len(ds.Buses)),
			slog.Int("students", len(ds.Students)))
	}

	if err := Validate(merged); err != nil {
		return Loaded{}, err
	}
	return Loaded{
		Dataset: merged,
		Source:  strings.Join(paths, ","),
		Hash:    busdb.HashBytes([]byte(strings.Join(hashes, ""))),
	}, nil
}

// Parse decodes one dataset file by extension.
func Parse(path string, b []byte) (models.Dataset, error) {
	name := strings.TrimSuffix(strings.ToLower(path), ".gz")
	switch filepath.Ext(name) {
	case ".zip":
		return ParseGTFS(b)
	case ".yml", ".yaml":
		return ParseYAML(b)
	default:
		return models.Dataset{}, fmt.Errorf("unsupported dataset format %q", filepath.Ext(name))
	}
}

// Merge appends b to a. Entities in b replace entities of a with the same id.
func Merge(a, b models.Dataset) models.Dataset {
	a.Routes = mergeByID(a.Routes, b.Routes, func(r models.Route) string { return r.ID })
	a.Buses = mergeByID(a.Buses, b.Buses, func(x models.Bus) string { return x.ID })
	a.Drivers = mergeByID(a.Drivers, b.Drivers, func(d models.Driver) string { return d.ID })
	a.Students = mergeByID(a.Students, b.Students, func(s models.Student) string { return s.ID })
	a.Assignments = mergeByID(a.Assignments, b.Assignments, func(x models.RouteAssignment) string {
		return x.BusID + "/" + x.ServiceDate
	})
	a.TravelTimes = mergeByID(a.TravelTimes, b.TravelTimes, travelTimeKey)
	return a
}

func travelTimeKey(t models.TravelTime) string {
	return strings.Join([]string{t.FromStopID, t.ToStopID, string(t.TimeOfDay), t.DayOfWeek}, "/")
}

func mergeByID[T any](a, b []T, id func(T) string) []T {
	index := make(map[string]int, len(a))
	for i, x := range a {
		index[id(x)] = i
	}
	for _, x := range b {
		if i, ok := index[id(x)]; ok {
			a[i] = x
			continue
		}
		index[id(x)] = len(a)
		a = append(a, x)
	}
	return a
}

// Validate checks references between entities. Route geometry itself is
// validated by the route index when it loads.
func Validate(ds models.Dataset) error {
	if len(ds.Routes) == 0 {
		return fmt.Errorf("dataset has no routes")
	}
	routes := make(map[string]models.Route, len(ds.Routes))
	for _, r := range ds.Routes {
		routes[r.ID] = r
	}
	drivers := make(map[string]bool, len(ds.Drivers))
	for _, d := range ds.Drivers {
		drivers[d.ID] = true
	}
	buses := make(map[string]string, len(ds.Buses))
	for _, b := range ds.Buses {
		if _, ok := routes[b.RouteID]; !ok {
			return fmt.Errorf("bus %s references unknown route %q", b.ID, b.RouteID)
		}
		if b.DriverID != "" && !drivers[b.DriverID] {
			return fmt.Errorf("bus %s references unknown driver %q", b.ID, b.DriverID)
		}
		buses[b.ID] = b.RouteID
	}
	for _, s := range ds.Students {
		routeID, ok := buses[s.BusID]
		if !ok {
			return fmt.Errorf("student %s references unknown bus %q", s.ID, s.BusID)
		}
		if s.StopID != "" && !hasStop(routes[routeID], s.StopID) {
			return fmt.Errorf("student %s stop %q is not on route %s", s.ID, s.StopID, routeID)
		}
	}
	for _, a := range ds.Assignments {
		if _, ok := buses[a.BusID]; !ok {
			return fmt.Errorf("assignment references unknown bus %q", a.BusID)
		}
		if _, ok := routes[a.RouteID]; !ok {
			return fmt.Errorf("assignment for bus %s references unknown route %q", a.BusID, a.RouteID)
		}
	}
	stops := make(map[string]bool)
	for _, r := range ds.Routes {
		for _, s := range r.Stops {
			stops[s.ID] = true
		}
	}
	for _, t := range ds.TravelTimes {
		if !stops[t.FromStopID] || !stops[t.ToStopID] {
			return fmt.Errorf("travel time %s -> %s references an unknown stop", t.FromStopID, t.ToStopID)
		}
	}
	return nil
}

func hasStop(r models.Route, stopID string) bool {
	for _, s := range r.Stops {
		if s.ID == stopID {
			return true
		}
	}
	return false
}
