package models

import "time"

// BusStatus is the lifecycle status of a bus as stored by the bus state store.
type BusStatus string

const (
	BusStatusInactive BusStatus = "inactive"
	BusStatusEnRoute  BusStatus = "en-route"
	BusStatusDelayed  BusStatus = "delayed"
	BusStatusArrived  BusStatus = "arrived"
	BusStatusOffRoute BusStatus = "off-route"
)

// Valid reports whether s is one of the known statuses.
func (s BusStatus) Valid() bool {
	switch s {
	case BusStatusInactive, BusStatusEnRoute, BusStatusDelayed, BusStatusArrived, BusStatusOffRoute:
		return true
	}
	return false
}

// Coordinate is a WGS84 point.
type Coordinate struct {
	Lat float64 `json:"lat" yaml:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" yaml:"lon" validate:"gte=-180,lte=180"`
}

// Bus is the authoritative record of one bus for the current service day.
type Bus struct {
	ID                   string     `json:"id"`
	VehicleNumber        string     `json:"vehicleNumber,omitempty"`
	RouteID              string     `json:"routeId"`
	DriverID             string     `json:"driverId,omitempty"`
	Capacity             int        `json:"capacity"`
	WheelchairAccessible bool       `json:"wheelchairAccessible"`
	StudentsOnboard      int        `json:"studentsOnboard"`
	Position             Coordinate `json:"position"`
	HeadingDegrees       float64    `json:"headingDegrees"`
	SpeedMps             float64    `json:"speedMps"`
	LastReportAt         time.Time  `json:"lastReportAt"`
	Status               BusStatus  `json:"status"`
}

// HasReported reports whether at least one position report has been accepted.
func (b Bus) HasReported() bool {
	return !b.LastReportAt.IsZero()
}

// BusSnapshot is a bus record plus the alert bookkeeping that has to survive
// a restart within the service day, so that transitions and arrivals already
// emitted are not emitted again.
type BusSnapshot struct {
	Bus
	LastEmitted  AlertState           `json:"lastEmitted"`
	ArrivedStops map[string]time.Time `json:"arrivedStops,omitempty"`
}
