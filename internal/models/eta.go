package models

import "time"

// ETABasis records how a prediction was derived.
type ETABasis string

const (
	// ETABasisSpeed uses the bus's smoothed reported speed.
	ETABasisSpeed ETABasis = "speed"
	// ETABasisSchedule uses the route's scheduled pace (bus stopped too long).
	ETABasisSchedule ETABasis = "schedule"
)

// ETARecord is an immutable prediction for one (bus, stop) pair. A new record
// supersedes the previous one; records are never modified after creation.
type ETARecord struct {
	BusID            string        `json:"busId"`
	RouteID          string        `json:"routeId"`
	StopID           string        `json:"stopId"`
	StopOrdinal      int           `json:"stopOrdinal"`
	PredictedArrival time.Time     `json:"predictedArrival"`
	Earliest         time.Time     `json:"earliest"`
	Latest           time.Time     `json:"latest"`
	ScheduledArrival time.Time     `json:"scheduledArrival"`
	Delay            time.Duration `json:"delayNanos"`
	DistanceMeters   float64       `json:"distanceMeters"`
	Basis            ETABasis      `json:"basis"`
	ComputedAt       time.Time     `json:"computedAt"`
	// ReportedAt is the last report of the bus the prediction started from.
	ReportedAt time.Time `json:"reportedAt"`
}
