// Package roster answers who rides, drives and follows which bus.
package roster

import (
	"slices"
	"sort"
	"sync"

	"buswatch.org/internal/models"
)

type Roster struct {
	mu        sync.RWMutex
	students  map[string]models.Student
	byParent  map[string][]string
	byBus     map[string][]string
	busRoute  map[string]string
	driverBus map[string]string
	routes    map[string]bool
}

// New indexes the dataset. Bus driver ids are expected to already reflect
// the day's route assignments.
func New(ds models.Dataset) *Roster {
	r := &Roster{
		students:  make(map[string]models.Student, len(ds.Students)),
		byParent:  make(map[string][]string),
		byBus:     make(map[string][]string),
		busRoute:  make(map[string]string, len(ds.Buses)),
		driverBus: make(map[string]string),
		routes:    make(map[string]bool, len(ds.Routes)),
	}
	for _, route := range ds.Routes {
		r.routes[route.ID] = true
	}
	for _, bus := range ds.Buses {
		r.busRoute[bus.ID] = bus.RouteID
		if bus.DriverID != "" {
			r.driverBus[bus.DriverID] = bus.ID
		}
	}
	for _, s := range ds.Students {
		r.students[s.ID] = s
		for _, p := range s.ParentIDs {
			r.byParent[p] = append(r.byParent[p], s.ID)
		}
		if s.BusID != "" {
			r.byBus[s.BusID] = append(r.byBus[s.BusID], s.ID)
		}
	}
	for _, ids := range r.byParent {
		sort.Strings(ids)
	}
	for _, ids := range r.byBus {
		sort.Strings(ids)
	}
	return r
}

func (r *Roster) Student(id string) (models.Student, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.students[id]
	return s, ok
}

// StudentsOf returns the students of a parent, ordered by id.
func (r *Roster) StudentsOf(parentID string) []models.Student {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byParent[parentID]
	out := make([]models.Student, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.students[id])
	}
	return out
}

// RidersOf returns the ids of the students assigned to a bus.
func (r *Roster) RidersOf(busID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.byBus[busID])
}

func (r *Roster) BusOfDriver(driverID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.driverBus[driverID]
	return id, ok
}

func (r *Roster) RouteOf(busID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.busRoute[busID]
	return id, ok
}

// Exists reports whether the subject names a known bus, route or student.
func (r *Roster) Exists(s models.Subject) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch s.Kind {
	case models.SubjectBus:
		_, ok := r.busRoute[s.ID]
		return ok
	case models.SubjectRoute:
		return r.routes[s.ID]
	case models.SubjectStudent:
		_, ok := r.students[s.ID]
		return ok
	}
	return false
}

// Visible lists the subjects a non-admin user may follow: a parent sees
// their students and those students' buses, a driver sees their bus and its
// route. Admins are not restricted and get nil.
func (r *Roster) Visible(userID string, role models.Role) []models.Subject {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Subject
	switch role {
	case models.RoleParent:
		for _, id := range r.byParent[userID] {
			out = append(out, models.StudentSubject(id))
			if busID := r.students[id].BusID; busID != "" {
				out = append(out, models.BusSubject(busID))
			}
		}
	case models.RoleDriver:
		if busID, ok := r.driverBus[userID]; ok {
			out = append(out, models.BusSubject(busID))
			if routeID := r.busRoute[busID]; routeID != "" {
				out = append(out, models.RouteSubject(routeID))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return slices.Compact(out)
}

// Reassign records a bus's new route and driver.
func (r *Roster) Reassign(busID, routeID, driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busRoute[busID] = routeID
	if driverID == "" {
		return
	}
	for d, b := range r.driverBus {
		if b == busID {
			delete(r.driverBus, d)
		}
	}
	r.driverBus[driverID] = busID
}
