package models

import "time"

// PositionReport is a raw location ping from a bus device.
type PositionReport struct {
	BusID           string     `json:"busId"`
	Position        Coordinate `json:"position"`
	SpeedMps        float64    `json:"speed"`
	HeadingDegrees  float64    `json:"headingDegrees"`
	DeviceTimestamp time.Time  `json:"deviceTimestamp"`
	ReceivedAt      time.Time  `json:"receivedAt"`
}

// RejectReason is the machine-readable reason a report was rejected.
type RejectReason string

const (
	RejectUnknownBus        RejectReason = "unknown_bus"
	RejectInvalidCoordinate RejectReason = "invalid_coordinate"
	RejectOutOfRegion       RejectReason = "out_of_region"
	RejectInvalidSpeed      RejectReason = "invalid_speed"
	RejectInvalidHeading    RejectReason = "invalid_heading"
	RejectClockSkew         RejectReason = "clock_skew"
	RejectStaleReport       RejectReason = "stale_report"
	RejectMissingTimestamp  RejectReason = "missing_timestamp"
)

// IngestResult is the response body of the ingest endpoint.
type IngestResult struct {
	Accepted bool         `json:"accepted"`
	Reason   RejectReason `json:"reason,omitempty"`
	Status   BusStatus    `json:"status,omitempty"`
}
