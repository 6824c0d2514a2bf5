// Package routeindex projects bus positions onto route polylines.
package routeindex

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"buswatch.org/internal/models"
	"buswatch.org/internal/utils"
	"github.com/tidwall/rtree"
)

var ErrUnknownRoute = errors.New("unknown route")

// tieEpsilon is the offset difference in meters below which two candidate
// segments are considered equally near.
const tieEpsilon = 1e-6

// Progress is a position expressed relative to a route.
type Progress struct {
	DistanceAlongRoute  float64           `json:"distanceAlongRoute"`
	PerpendicularOffset float64           `json:"perpendicularOffset"`
	SegmentIndex        int               `json:"segmentIndex"`
	Projected           models.Coordinate `json:"projected"`
}

type Config struct {
	// CorridorWidthMeters is the largest stop-to-polyline distance accepted
	// at load time.
	CorridorWidthMeters float64
	// RegionMarginMeters pads the bounding box of all routes.
	RegionMarginMeters float64
	// DefaultPaceMps is used for schedule interpolation on routes with a
	// single stop.
	DefaultPaceMps float64
	// TravelTimes are measured stop-to-stop durations that replace the
	// timetable between two consecutive stops.
	TravelTimes []models.TravelTime
}

type travelKey struct {
	from, to  string
	timeOfDay models.TimeOfDay
	dayOfWeek string
}

type routeGeometry struct {
	route      models.Route
	cumulative []float64
	tree       rtree.RTreeG[int]
	encoded    string
}

// Index is immutable once loaded and safe for concurrent use.
type Index struct {
	config Config
	routes map[string]*routeGeometry
	order  []string
	region utils.CoordinateBounds
	travel map[travelKey]time.Duration
	// searchRadius is the half-size in meters of the box used to query
	// candidate segments.
	searchRadius float64
}

// Load validates routes and builds the index. Any invalid route fails the
// whole load.
func Load(routes []models.Route, config Config) (*Index, error) {
	if len(routes) == 0 {
		return nil, fmt.Errorf("no routes to load")
	}
	if config.DefaultPaceMps <= 0 {
		config.DefaultPaceMps = 7
	}

	idx := &Index{
		config:       config,
		routes:       make(map[string]*routeGeometry, len(routes)),
		travel:       make(map[travelKey]time.Duration, len(config.TravelTimes)),
		searchRadius: math.Max(250, 2*config.CorridorWidthMeters),
	}
	for _, t := range config.TravelTimes {
		if t.Duration <= 0 {
			return nil, fmt.Errorf("travel time %s -> %s: non-positive duration", t.FromStopID, t.ToStopID)
		}
		idx.travel[travelKey{t.FromStopID, t.ToStopID, t.TimeOfDay, strings.ToLower(t.DayOfWeek)}] = t.Duration
	}

	first := true
	for _, r := range routes {
		if _, dup := idx.routes[r.ID]; dup {
			return nil, fmt.Errorf("route %s: duplicate id", r.ID)
		}
		g, err := buildRoute(r, config)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", r.ID, err)
		}
		idx.routes[r.ID] = g
		idx.order = append(idx.order, r.ID)

		for _, p := range g.route.Polyline {
			if first {
				idx.region = utils.CoordinateBounds{MinLat: p.Lat, MaxLat: p.Lat, MinLon: p.Lon, MaxLon: p.Lon}
				first = false
				continue
			}
			idx.region = idx.region.Extend(p.Lat, p.Lon)
		}
	}
	idx.region = idx.region.Pad(config.RegionMarginMeters)
	return idx, nil
}

func buildRoute(r models.Route, config Config) (*routeGeometry, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	if len(r.Polyline) < 2 {
		return nil, fmt.Errorf("polyline needs at least 2 points, got %d", len(r.Polyline))
	}
	if len(r.Stops) == 0 {
		return nil, fmt.Errorf("route has no stops")
	}
	for _, p := range r.Polyline {
		if !utils.ValidCoordinate(p.Lat, p.Lon) {
			return nil, fmt.Errorf("invalid polyline point %v", p)
		}
	}

	stops := append([]models.Stop(nil), r.Stops...)
	for i := 1; i < len(stops); i++ {
		if stops[i].Ordinal <= stops[i-1].Ordinal {
			return nil, fmt.Errorf("stop ordinals must be strictly increasing: %s (%d) follows %s (%d)",
				stops[i].ID, stops[i].Ordinal, stops[i-1].ID, stops[i-1].Ordinal)
		}
	}

	points := make([][2]float64, len(r.Polyline))
	for i, p := range r.Polyline {
		points[i] = [2]float64{p.Lat, p.Lon}
	}

	g := &routeGeometry{
		cumulative: utils.CumulativeDistances(points),
		encoded:    utils.EncodePolyline(r.Polyline),
	}
	for i := 0; i+1 < len(r.Polyline); i++ {
		a, b := r.Polyline[i], r.Polyline[i+1]
		g.tree.Insert(
			[2]float64{math.Min(a.Lon, b.Lon), math.Min(a.Lat, b.Lat)},
			[2]float64{math.Max(a.Lon, b.Lon), math.Max(a.Lat, b.Lat)},
			i,
		)
	}

	// Stops are projected in order, each no earlier along the route than
	// the previous one, so routes that loop back on themselves resolve to
	// the right pass.
	minDist := 0.0
	for i := range stops {
		p := g.projectFrom(r.Polyline, stops[i].Position, minDist)
		if config.CorridorWidthMeters > 0 && p.PerpendicularOffset > config.CorridorWidthMeters {
			return nil, fmt.Errorf("stop %s is %.0fm from the polyline (corridor %.0fm)",
				stops[i].ID, p.PerpendicularOffset, config.CorridorWidthMeters)
		}
		stops[i].DistanceAlongRoute = p.DistanceAlongRoute
		minDist = p.DistanceAlongRoute
	}

	g.route = r
	g.route.Stops = stops
	g.route.Polyline = append([]models.Coordinate(nil), r.Polyline...)
	g.route.Length = g.cumulative[len(g.cumulative)-1]
	return g, nil
}

// projectSegment projects pos onto segment i.
func (g *routeGeometry) projectSegment(polyline []models.Coordinate, pos models.Coordinate, i int) Progress {
	a, b := polyline[i], polyline[i+1]
	offset, ratio, projLat, projLon := utils.ProjectOntoSegment(pos.Lat, pos.Lon, a.Lat, a.Lon, b.Lat, b.Lon)
	segLen := g.cumulative[i+1] - g.cumulative[i]
	return Progress{
		DistanceAlongRoute:  g.cumulative[i] + ratio*segLen,
		PerpendicularOffset: offset,
		SegmentIndex:        i,
		Projected:           models.Coordinate{Lat: projLat, Lon: projLon},
	}
}

// better reports whether candidate c beats the current best: smaller offset,
// or an equal offset further along the route.
func better(c, best Progress) bool {
	if c.PerpendicularOffset < best.PerpendicularOffset-tieEpsilon {
		return true
	}
	return math.Abs(c.PerpendicularOffset-best.PerpendicularOffset) <= tieEpsilon &&
		c.DistanceAlongRoute > best.DistanceAlongRoute
}

func (g *routeGeometry) scan(polyline []models.Coordinate, pos models.Coordinate, segments []int) Progress {
	best := Progress{PerpendicularOffset: math.Inf(1), SegmentIndex: -1}
	for _, i := range segments {
		if c := g.projectSegment(polyline, pos, i); best.SegmentIndex < 0 || better(c, best) {
			best = c
		}
	}
	return best
}

func (g *routeGeometry) allSegments(polyline []models.Coordinate) []int {
	segments := make([]int, len(polyline)-1)
	for i := range segments {
		segments[i] = i
	}
	return segments
}

func (g *routeGeometry) projectFrom(polyline []models.Coordinate, pos models.Coordinate, minDist float64) Progress {
	var segments []int
	for i := 0; i+1 < len(polyline); i++ {
		if g.cumulative[i+1] > minDist {
			segments = append(segments, i)
		}
	}
	if len(segments) == 0 {
		segments = []int{len(polyline) - 2}
	}
	best := g.scan(polyline, pos, segments)
	if best.DistanceAlongRoute < minDist {
		best.DistanceAlongRoute = minDist
	}
	return best
}

func (idx *Index) nearest(g *routeGeometry, pos models.Coordinate) Progress {
	polyline := g.route.Polyline
	box := utils.CalculateBounds(pos.Lat, pos.Lon, idx.searchRadius)

	var candidates []int
	g.tree.Search(
		[2]float64{box.MinLon, box.MinLat},
		[2]float64{box.MaxLon, box.MaxLat},
		func(_, _ [2]float64, i int) bool {
			candidates = append(candidates, i)
			return true
		},
	)

	if len(candidates) > 0 {
		sort.Ints(candidates)
		best := g.scan(polyline, pos, candidates)
		// Only a hit inside the search radius is guaranteed to be global.
		if best.PerpendicularOffset <= idx.searchRadius {
			return best
		}
	}
	return g.scan(polyline, pos, g.allSegments(polyline))
}

// NearestProgress projects pos onto the route. It never fails for a point
// far from the route; the offset is simply large.
func (idx *Index) NearestProgress(routeID string, pos models.Coordinate) (Progress, error) {
	g, ok := idx.routes[routeID]
	if !ok {
		return Progress{}, fmt.Errorf("%w: %s", ErrUnknownRoute, routeID)
	}
	return idx.nearest(g, pos), nil
}

// StopsRemaining returns the stops at or beyond progress, in route order.
func (idx *Index) StopsRemaining(routeID string, progress Progress) ([]models.Stop, error) {
	g, ok := idx.routes[routeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoute, routeID)
	}
	var remaining []models.Stop
	for _, s := range g.route.Stops {
		if s.DistanceAlongRoute >= progress.DistanceAlongRoute {
			remaining = append(remaining, s)
		}
	}
	return remaining, nil
}

// ScheduledTravelTime returns how long the schedule allows for travelling
// from fromDist to toDist along the route at time at. Between two
// consecutive stops a measured travel time for at's run and weekday wins
// over one for the run alone, which wins over the timetable. Partial pairs
// are prorated by distance. Outside the first and last stop the pace of the
// nearest pair of stops is extrapolated.
func (idx *Index) ScheduledTravelTime(routeID string, fromDist, toDist float64, at time.Time) (time.Duration, error) {
	g, ok := idx.routes[routeID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownRoute, routeID)
	}
	if toDist <= fromDist {
		return 0, nil
	}

	pace := idx.config.DefaultPaceMps
	stops := g.route.Stops
	first, last := stops[0].DistanceAlongRoute, stops[len(stops)-1].DistanceAlongRoute

	var total time.Duration
	if fromDist < first {
		total += g.scheduledBetween(fromDist, math.Min(toDist, first), pace)
	}
	if toDist > last {
		total += g.scheduledBetween(math.Max(fromDist, last), toDist, pace)
	}
	for i := 1; i < len(stops); i++ {
		a, b := stops[i-1], stops[i]
		span := b.DistanceAlongRoute - a.DistanceAlongRoute
		lo, hi := math.Max(fromDist, a.DistanceAlongRoute), math.Min(toDist, b.DistanceAlongRoute)
		if span <= 0 || hi <= lo {
			continue
		}
		pair := idx.pairDuration(a, b, at)
		total += time.Duration(float64(pair) * (hi - lo) / span)
	}
	return total, nil
}

func (idx *Index) pairDuration(a, b models.Stop, at time.Time) time.Duration {
	tod := models.TimeOfDayOf(at)
	day := strings.ToLower(at.Weekday().String())
	if d, ok := idx.travel[travelKey{a.ID, b.ID, tod, day}]; ok {
		return d
	}
	if d, ok := idx.travel[travelKey{a.ID, b.ID, tod, ""}]; ok {
		return d
	}
	return max(b.ScheduledTime-a.ScheduledTime, 0)
}

func (g *routeGeometry) scheduledBetween(from, to, pace float64) time.Duration {
	return max(g.scheduleAt(to, pace)-g.scheduleAt(from, pace), 0)
}

// scheduleAt returns the scheduled offset from service-day midnight at
// which the bus should be dist meters along the route.
func (g *routeGeometry) scheduleAt(dist, defaultPace float64) time.Duration {
	stops := g.route.Stops
	if len(stops) == 1 {
		s := stops[0]
		return s.ScheduledTime + secondsToDuration((dist-s.DistanceAlongRoute)/defaultPace)
	}

	i := sort.Search(len(stops), func(i int) bool { return stops[i].DistanceAlongRoute >= dist })
	var a, b models.Stop
	switch {
	case i == 0:
		a, b = stops[0], stops[1]
	case i == len(stops):
		a, b = stops[len(stops)-2], stops[len(stops)-1]
	default:
		a, b = stops[i-1], stops[i]
	}

	span := b.DistanceAlongRoute - a.DistanceAlongRoute
	if span <= 0 {
		return a.ScheduledTime + secondsToDuration((dist-a.DistanceAlongRoute)/defaultPace)
	}
	frac := (dist - a.DistanceAlongRoute) / span
	return a.ScheduledTime + time.Duration(frac*float64(b.ScheduledTime-a.ScheduledTime))
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Route returns a copy of the route with stop distances filled in.
func (idx *Index) Route(routeID string) (models.Route, error) {
	g, ok := idx.routes[routeID]
	if !ok {
		return models.Route{}, fmt.Errorf("%w: %s", ErrUnknownRoute, routeID)
	}
	r := g.route
	r.Stops = append([]models.Stop(nil), g.route.Stops...)
	r.Polyline = append([]models.Coordinate(nil), g.route.Polyline...)
	return r, nil
}

// Routes returns every route in load order.
func (idx *Index) Routes() []models.Route {
	out := make([]models.Route, 0, len(idx.order))
	for _, id := range idx.order {
		r, _ := idx.Route(id)
		out = append(out, r)
	}
	return out
}

func (idx *Index) HasRoute(routeID string) bool {
	_, ok := idx.routes[routeID]
	return ok
}

// EncodedPolyline returns the route geometry in Google polyline encoding.
func (idx *Index) EncodedPolyline(routeID string) (string, error) {
	g, ok := idx.routes[routeID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRoute, routeID)
	}
	return g.encoded, nil
}

// RegionBounds is the bounding box of every route, padded by the region
// margin.
func (idx *Index) RegionBounds() utils.CoordinateBounds {
	return idx.region
}

// InRegion reports whether pos lies in the service region.
func (idx *Index) InRegion(pos models.Coordinate) bool {
	return idx.region.Contains(pos.Lat, pos.Lon)
}
