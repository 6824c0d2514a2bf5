package models

import (
	"fmt"
	"strings"
	"time"
)

// EventKind classifies an event.
type EventKind string

const (
	EventDelay       EventKind = "delay"
	EventArrival     EventKind = "arrival"
	EventBoarding    EventKind = "boarding"
	EventOffRoute    EventKind = "off-route"
	EventRouteChange EventKind = "route-change"
	// EventStatus reports a state change that is not an alert (back on time,
	// back on route, inactive, en-route).
	EventStatus EventKind = "status"
	// EventETAUpdate carries the latest ETA records for a bus.
	EventETAUpdate EventKind = "eta-update"
)

// IsAlert reports whether events of this kind are alert-class: never dropped
// under backpressure and retained in the replay buffer.
func (k EventKind) IsAlert() bool {
	switch k {
	case EventDelay, EventArrival, EventBoarding, EventOffRoute, EventRouteChange:
		return true
	}
	return false
}

// AllEventKinds lists every kind a subscription may filter on.
var AllEventKinds = []EventKind{
	EventDelay, EventArrival, EventBoarding, EventOffRoute, EventRouteChange, EventStatus, EventETAUpdate,
}

// SubjectKind is the type of entity an event is about.
type SubjectKind string

const (
	SubjectBus     SubjectKind = "bus"
	SubjectRoute   SubjectKind = "route"
	SubjectStudent SubjectKind = "student"
)

// Subject identifies the entity an event is about, e.g. "bus:42".
type Subject struct {
	Kind SubjectKind `json:"kind"`
	ID   string      `json:"id"`
}

func BusSubject(id string) Subject     { return Subject{Kind: SubjectBus, ID: id} }
func RouteSubject(id string) Subject   { return Subject{Kind: SubjectRoute, ID: id} }
func StudentSubject(id string) Subject { return Subject{Kind: SubjectStudent, ID: id} }

func (s Subject) String() string {
	return string(s.Kind) + ":" + s.ID
}

func (s Subject) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Subject) UnmarshalText(b []byte) error {
	parsed, err := ParseSubject(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSubject parses "kind:id". A bare id is treated as a bus id.
func ParseSubject(s string) (Subject, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Subject{}, fmt.Errorf("empty subject")
	}
	kind, id, found := strings.Cut(s, ":")
	if !found {
		return BusSubject(s), nil
	}
	if id == "" {
		return Subject{}, fmt.Errorf("subject %q has no id", s)
	}
	switch SubjectKind(kind) {
	case SubjectBus, SubjectRoute, SubjectStudent:
		return Subject{Kind: SubjectKind(kind), ID: id}, nil
	}
	return Subject{}, fmt.Errorf("unknown subject kind %q", kind)
}

// Event is an immutable, append-only record of something that happened to a
// subject. Seq is assigned by the dispatcher and is strictly increasing per
// subject.
type Event struct {
	ID        string         `json:"id"`
	Kind      EventKind      `json:"kind"`
	Subject   Subject        `json:"subject"`
	BusID     string         `json:"busId,omitempty"`
	RouteID   string         `json:"routeId,omitempty"`
	Seq       uint64         `json:"seq"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// AlertState is the per-bus state driven by the dispatcher's state machine.
type AlertState string

const (
	AlertOnTime   AlertState = "on-time"
	AlertDelayed  AlertState = "delayed"
	AlertOffRoute AlertState = "off-route"
	AlertArrived  AlertState = "arrived"
	AlertInactive AlertState = "inactive"
)
