package models

import "time"

// RouteDirection tells whether a route runs towards or away from the school.
type RouteDirection string

const (
	DirectionToSchool   RouteDirection = "to_school"
	DirectionFromSchool RouteDirection = "from_school"
)

// Stop is one scheduled stop along a route.
type Stop struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Position Coordinate `json:"position"`
	// ScheduledTime is the offset from service-day midnight.
	ScheduledTime time.Duration `json:"-"`
	Ordinal       int           `json:"ordinal"`
	// DistanceAlongRoute is filled in by the route index at load time.
	DistanceAlongRoute float64 `json:"distanceAlongRoute"`
}

// ScheduledAt resolves the stop's scheduled time on the given service date.
func (s Stop) ScheduledAt(serviceDate time.Time) time.Time {
	return serviceDate.Add(s.ScheduledTime)
}

// ScheduledClock returns the scheduled time formatted as HH:MM.
func (s Stop) ScheduledClock() string {
	total := int(s.ScheduledTime.Minutes())
	return time.Date(0, 1, 1, total/60, total%60, 0, 0, time.UTC).Format("15:04")
}

// Route is immutable for the duration of a service day.
type Route struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	School    string         `json:"school"`
	Direction RouteDirection `json:"direction"`
	Stops     []Stop         `json:"stops"`
	Polyline  []Coordinate   `json:"-"`
	// Length is the total polyline length in meters.
	Length float64 `json:"length"`
}

// TimeOfDay splits the school day into the two runs travel times are
// measured for.
type TimeOfDay string

const (
	Morning   TimeOfDay = "morning"
	Afternoon TimeOfDay = "afternoon"
)

// TimeOfDayOf returns the run t falls in, in t's location.
func TimeOfDayOf(t time.Time) TimeOfDay {
	if t.Hour() < 12 {
		return Morning
	}
	return Afternoon
}

// TravelTime is a measured duration between two consecutive stops. An empty
// DayOfWeek applies to every day without a day-specific measurement.
type TravelTime struct {
	FromStopID string        `json:"fromStopId"`
	ToStopID   string        `json:"toStopId"`
	TimeOfDay  TimeOfDay     `json:"timeOfDay"`
	DayOfWeek  string        `json:"dayOfWeek,omitempty"`
	Duration   time.Duration `json:"duration"`
}
