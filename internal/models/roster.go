package models

// Role is the role carried by an authenticated session.
type Role string

const (
	RoleParent Role = "parent"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleParent || r == RoleDriver || r == RoleAdmin
}

// Student is a rider assigned to a stop on a bus.
type Student struct {
	ID        string   `json:"id" yaml:"id"`
	Name      string   `json:"name" yaml:"name"`
	Grade     string   `json:"grade,omitempty"`
	StopID    string   `json:"stopId" yaml:"stopId"`
	BusID     string   `json:"busId" yaml:"busId" validate:"required"`
	ParentIDs []string `json:"parentIds,omitempty"`
}

// Driver operates one bus per service day.
type Driver struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// RouteAssignment binds a bus and driver to a route for a service date
// (YYYY-MM-DD).
type RouteAssignment struct {
	RouteID     string `json:"routeId" yaml:"routeId" validate:"required"`
	BusID       string `json:"busId" yaml:"busId" validate:"required"`
	DriverID    string `json:"driverId" yaml:"driverId"`
	ServiceDate string `json:"serviceDate" yaml:"serviceDate" validate:"required,datetime=2006-01-02"`
}
