package models

// Dataset is everything needed to run one service day: route geometry and
// schedule, the fleet, and the roster.
type Dataset struct {
	Routes      []Route
	Buses       []Bus
	Drivers     []Driver
	Students    []Student
	Assignments []RouteAssignment
	TravelTimes []TravelTime
}

// AssignmentFor returns the route assignment of busID on serviceDate, if any.
func (d Dataset) AssignmentFor(busID, serviceDate string) (RouteAssignment, bool) {
	for _, a := range d.Assignments {
		if a.BusID == busID && a.ServiceDate == serviceDate {
			return a, true
		}
	}
	return RouteAssignment{}, false
}
