package serviceday

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"buswatch.org/internal/models"
	"buswatch.org/internal/utils"
	"github.com/go-playground/validator/v10"
	"github.com/klauspost/compress/gzip"
	"gopkg.in/yaml.v3"
)

const maxDatasetSize = 200 * 1024 * 1024

// datasetFile is the on-disk YAML layout of a service-day dataset.
type datasetFile struct {
	Routes      []routeFile              `yaml:"routes" validate:"dive"`
	Drivers     []models.Driver          `yaml:"drivers" validate:"dive"`
	Buses       []busFile                `yaml:"buses" validate:"dive"`
	Students    []studentFile            `yaml:"students" validate:"dive"`
	Assignments []models.RouteAssignment `yaml:"assignments" validate:"dive"`
	TravelTimes []travelTimeFile         `yaml:"travelTimes" validate:"dive"`
}

type travelTimeFile struct {
	FromStopID string `yaml:"fromStopId" validate:"required"`
	ToStopID   string `yaml:"toStopId" validate:"required,nefield=FromStopID"`
	TimeOfDay  string `yaml:"timeOfDay" validate:"required,oneof=morning afternoon"`
	DayOfWeek  string `yaml:"dayOfWeek" validate:"omitempty,oneof=monday tuesday wednesday thursday friday saturday sunday"`
	Duration   string `yaml:"duration" validate:"required"`
}

type routeFile struct {
	ID        string      `yaml:"id" validate:"required"`
	Name      string      `yaml:"name"`
	School    string      `yaml:"school"`
	Direction string      `yaml:"direction" validate:"omitempty,oneof=to_school from_school"`
	Polyline  [][]float64 `yaml:"polyline" validate:"required_without=Encoded,dive,len=2"`
	Encoded   string      `yaml:"encodedPolyline"`
	Stops     []stopFile  `yaml:"stops" validate:"required,min=1,dive"`
}

type stopFile struct {
	ID        string  `yaml:"id" validate:"required"`
	Name      string  `yaml:"name"`
	Lat       float64 `yaml:"lat" validate:"gte=-90,lte=90"`
	Lon       float64 `yaml:"lon" validate:"gte=-180,lte=180"`
	Scheduled string  `yaml:"scheduled" validate:"required"`
	Ordinal   int     `yaml:"ordinal"`
}

type busFile struct {
	ID                   string `yaml:"id" validate:"required"`
	VehicleNumber        string `yaml:"vehicleNumber"`
	RouteID              string `yaml:"routeId" validate:"required"`
	DriverID             string `yaml:"driverId"`
	Capacity             int    `yaml:"capacity" validate:"gte=0"`
	WheelchairAccessible bool   `yaml:"wheelchairAccessible"`
}

type studentFile struct {
	ID        string   `yaml:"id" validate:"required"`
	Name      string   `yaml:"name" validate:"required"`
	Grade     string   `yaml:"grade"`
	StopID    string   `yaml:"stopId"`
	BusID     string   `yaml:"busId" validate:"required"`
	ParentIDs []string `yaml:"parentIds"`
}

// ParseYAML decodes and validates a YAML dataset.
func ParseYAML(b []byte) (models.Dataset, error) {
	var file datasetFile
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return models.Dataset{}, fmt.Errorf("decoding dataset: %w", err)
	}
	if err := validator.New().Struct(file); err != nil {
		return models.Dataset{}, fmt.Errorf("invalid dataset: %w", err)
	}

	ds := models.Dataset{
		Drivers:     file.Drivers,
		Assignments: file.Assignments,
	}
	for _, rf := range file.Routes {
		route, err := rf.toModel()
		if err != nil {
			return models.Dataset{}, err
		}
		ds.Routes = append(ds.Routes, route)
	}
	for _, bf := range file.Buses {
		ds.Buses = append(ds.Buses, models.Bus{
			ID:                   bf.ID,
			VehicleNumber:        bf.VehicleNumber,
			RouteID:              bf.RouteID,
			DriverID:             bf.DriverID,
			Capacity:             bf.Capacity,
			WheelchairAccessible: bf.WheelchairAccessible,
			Status:               models.BusStatusInactive,
		})
	}
	for _, sf := range file.Students {
		ds.Students = append(ds.Students, models.Student(sf))
	}
	for _, tf := range file.TravelTimes {
		d, err := time.ParseDuration(tf.Duration)
		if err != nil || d <= 0 {
			return models.Dataset{}, fmt.Errorf("travel time %s -> %s: invalid duration %q", tf.FromStopID, tf.ToStopID, tf.Duration)
		}
		ds.TravelTimes = append(ds.TravelTimes, models.TravelTime{
			FromStopID: tf.FromStopID,
			ToStopID:   tf.ToStopID,
			TimeOfDay:  models.TimeOfDay(tf.TimeOfDay),
			DayOfWeek:  tf.DayOfWeek,
			Duration:   d,
		})
	}
	return ds, nil
}

func (rf routeFile) toModel() (models.Route, error) {
	route := models.Route{
		ID:        rf.ID,
		Name:      rf.Name,
		School:    rf.School,
		Direction: models.RouteDirection(rf.Direction),
	}
	if route.Direction == "" {
		route.Direction = models.DirectionToSchool
	}
	if rf.Encoded != "" {
		points, err := utils.DecodePolyline(rf.Encoded)
		if err != nil {
			return models.Route{}, fmt.Errorf("route %s: encoded polyline: %w", rf.ID, err)
		}
		route.Polyline = points
	} else {
		for _, p := range rf.Polyline {
			route.Polyline = append(route.Polyline, models.Coordinate{Lat: p[0], Lon: p[1]})
		}
	}
	for i, sf := range rf.Stops {
		offset, err := ParseClock(sf.Scheduled)
		if err != nil {
			return models.Route{}, fmt.Errorf("route %s stop %s: %w", rf.ID, sf.ID, err)
		}
		ordinal := sf.Ordinal
		if ordinal == 0 {
			ordinal = i + 1
		}
		route.Stops = append(route.Stops, models.Stop{
			ID:            sf.ID,
			Name:          sf.Name,
			Position:      models.Coordinate{Lat: sf.Lat, Lon: sf.Lon},
			ScheduledTime: offset,
			Ordinal:       ordinal,
		})
	}
	return route, nil
}

// ParseClock parses "HH:MM" or "HH:MM:SS" into an offset from service-day
// midnight. Hours past 23 are allowed for trips that run past midnight.
func ParseClock(s string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	var fields [3]int
	for i, p := range parts {
		var n int
		if _, err := fmt.Sscanf(p, "%d", &n); err != nil || n < 0 {
			return 0, fmt.Errorf("invalid time %q", s)
		}
		fields[i] = n
	}
	if fields[1] > 59 || fields[2] > 59 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return time.Duration(fields[0])*time.Hour + time.Duration(fields[1])*time.Minute + time.Duration(fields[2])*time.Second, nil
}

// readFile reads path, transparently decompressing .gz files.
func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("opening gzip %s: %w", path, err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	b, err := io.ReadAll(io.LimitReader(r, maxDatasetSize+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxDatasetSize {
		return nil, fmt.Errorf("dataset %s exceeds size limit of %d bytes", filepath.Base(path), maxDatasetSize)
	}
	return b, nil
}
