// Package eta predicts arrival times at the remaining stops of each bus.
package eta

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"buswatch.org/internal/busstate"
	"buswatch.org/internal/clock"
	"buswatch.org/internal/models"
	"buswatch.org/internal/routeindex"
)

// ErrNoPosition is returned for a bus that has not reported on its current
// route yet.
var ErrNoPosition = errors.New("bus has no position on its route")

// StateReader is the read side of the bus state store.
type StateReader interface {
	Get(busID string) (busstate.BusState, error)
	List() []busstate.BusState
}

// Geometry is the part of the route index the engine needs.
type Geometry interface {
	StopsRemaining(routeID string, progress routeindex.Progress) ([]models.Stop, error)
	ScheduledTravelTime(routeID string, fromDist, toDist float64, at time.Time) (time.Duration, error)
}

type Config struct {
	// SmoothingAlpha is the weight of the newest sample in the speed EMA.
	SmoothingAlpha float64
	// StoppedSpeedMps is the smoothed speed below which the bus counts as
	// stopped for prediction purposes.
	StoppedSpeedMps float64
	// StoppedDuration is how long a bus must be stopped before predictions
	// switch to the scheduled pace.
	StoppedDuration time.Duration
	Location        *time.Location
	// MinBand is the narrowest half-width of a confidence band.
	MinBand time.Duration
	// BandFraction widens the band in proportion to the travel time left.
	BandFraction float64
	// AgeFactor widens the band in proportion to the age of the last report.
	AgeFactor float64
}

func (c Config) withDefaults() Config {
	if c.SmoothingAlpha <= 0 || c.SmoothingAlpha > 1 {
		c.SmoothingAlpha = 0.5
	}
	if c.StoppedSpeedMps <= 0 {
		c.StoppedSpeedMps = 0.5
	}
	if c.StoppedDuration <= 0 {
		c.StoppedDuration = 2 * time.Minute
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.MinBand <= 0 {
		c.MinBand = 30 * time.Second
	}
	if c.BandFraction <= 0 {
		c.BandFraction = 0.1
	}
	if c.AgeFactor <= 0 {
		c.AgeFactor = 0.5
	}
	return c
}

// Engine computes and keeps the latest ETA records per bus. Records are
// immutable; each computation replaces the bus's slice whole, unless it was
// computed from an older report than the records already kept.
type Engine struct {
	config   Config
	states   StateReader
	geometry Geometry
	clock    clock.Clock

	mu     sync.RWMutex
	latest map[string]latestRecords
}

type latestRecords struct {
	reportedAt time.Time
	records    []models.ETARecord
}

func NewEngine(config Config, states StateReader, geometry Geometry, c clock.Clock) *Engine {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Engine{
		config:   config.withDefaults(),
		states:   states,
		geometry: geometry,
		clock:    c,
		latest:   make(map[string]latestRecords),
	}
}

// SmoothedSpeed is the exponential moving average of samples, oldest first.
func SmoothedSpeed(samples []float64, alpha float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	ema := samples[0]
	for _, v := range samples[1:] {
		ema = alpha*v + (1-alpha)*ema
	}
	return ema
}

// ComputeETAs predicts arrival at every remaining stop of the bus and stores
// the result as the bus's latest records.
func (e *Engine) ComputeETAs(busID string) ([]models.ETARecord, error) {
	records, _, err := e.computeAndKeep(busID, false)
	return records, err
}

// computeAndKeep stores the records only if no newer report has been
// computed meanwhile. With refresh set, a bus forgotten meanwhile stays
// forgotten.
func (e *Engine) computeAndKeep(busID string, refresh bool) ([]models.ETARecord, bool, error) {
	st, err := e.states.Get(busID)
	if err != nil {
		return nil, false, err
	}
	records, err := e.compute(st)
	if err != nil {
		return nil, false, err
	}
	reportedAt := st.Bus.LastReportAt
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.latest[busID]
	if (refresh && !ok) || (ok && cur.reportedAt.After(reportedAt)) {
		return records, false, nil
	}
	e.latest[busID] = latestRecords{reportedAt: reportedAt, records: records}
	return records, true, nil
}

func (e *Engine) compute(st busstate.BusState) ([]models.ETARecord, error) {
	if !st.HasProgress || st.Bus.Status == models.BusStatusInactive {
		return nil, fmt.Errorf("%w: %s", ErrNoPosition, st.Bus.ID)
	}
	routeID := st.Bus.RouteID
	stops, err := e.geometry.StopsRemaining(routeID, st.Progress)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	serviceDate := clock.ServiceDate(now, e.config.Location)
	speed := SmoothedSpeed(st.Speeds, e.config.SmoothingAlpha)
	basis := models.ETABasisSpeed
	if st.StoppedFor(now) > e.config.StoppedDuration || speed < e.config.StoppedSpeedMps {
		basis = models.ETABasisSchedule
	}
	age := now.Sub(st.Bus.LastReportAt)
	if age < 0 {
		age = 0
	}

	records := make([]models.ETARecord, 0, len(stops))
	for _, stop := range stops {
		remaining := math.Max(0, stop.DistanceAlongRoute-st.Progress.DistanceAlongRoute)

		var travel time.Duration
		if basis == models.ETABasisSchedule {
			travel, err = e.geometry.ScheduledTravelTime(routeID, st.Progress.DistanceAlongRoute, stop.DistanceAlongRoute, now.In(e.config.Location))
			if err != nil {
				return nil, err
			}
		} else {
			travel = time.Duration(remaining / speed * float64(time.Second))
		}

		predicted := now.Add(travel)
		band := e.band(travel, age)
		earliest := predicted.Add(-band)
		if earliest.Before(now) {
			earliest = now
		}
		scheduled := stop.ScheduledAt(serviceDate)
		records = append(records, models.ETARecord{
			BusID:            st.Bus.ID,
			RouteID:          routeID,
			StopID:           stop.ID,
			StopOrdinal:      stop.Ordinal,
			PredictedArrival: predicted,
			Earliest:         earliest,
			Latest:           predicted.Add(band),
			ScheduledArrival: scheduled,
			Delay:            predicted.Sub(scheduled),
			DistanceMeters:   remaining,
			Basis:            basis,
			ComputedAt:       now,
			ReportedAt:       st.Bus.LastReportAt,
		})
	}
	return records, nil
}

// band is the half-width of the confidence band around a prediction. It
// grows with the travel time left and with the age of the last report.
func (e *Engine) band(travel, age time.Duration) time.Duration {
	b := time.Duration(float64(travel)*e.config.BandFraction) + time.Duration(float64(age)*e.config.AgeFactor)
	if b < e.config.MinBand {
		b = e.config.MinBand
	}
	return b.Round(time.Second)
}

// Latest returns the most recent records for the bus, or nil.
func (e *Engine) Latest(busID string) []models.ETARecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cur, ok := e.latest[busID]
	if !ok || cur.records == nil {
		return nil
	}
	return append([]models.ETARecord(nil), cur.records...)
}

// Forget drops the records of a bus that went inactive or finished its route.
func (e *Engine) Forget(busID string) {
	e.mu.Lock()
	delete(e.latest, busID)
	e.mu.Unlock()
}

// Refresh recomputes every bus that currently has records, widening the
// confidence bands as the last report ages. Buses that can no longer be
// predicted are forgotten. Buses whose records were replaced by a newer
// report during the refresh are left out of the result.
func (e *Engine) Refresh() map[string][]models.ETARecord {
	e.mu.RLock()
	ids := make([]string, 0, len(e.latest))
	for id := range e.latest {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	out := make(map[string][]models.ETARecord, len(ids))
	for _, id := range ids {
		records, kept, err := e.computeAndKeep(id, true)
		if err != nil {
			e.Forget(id)
			continue
		}
		if kept {
			out[id] = records
		}
	}
	return out
}

// MaxDelay returns the largest delay among records, and the record it came
// from. ok is false for an empty slice.
func MaxDelay(records []models.ETARecord) (models.ETARecord, bool) {
	if len(records) == 0 {
		return models.ETARecord{}, false
	}
	worst := records[0]
	for _, r := range records[1:] {
		if r.Delay > worst.Delay {
			worst = r
		}
	}
	return worst, true
}
