package utils

import "math"

const (
	// RadiusOfEarthInMeters is RADIUS_OF_EARTH_IN_KM * 1000
	RadiusOfEarthInMeters = 6371010.0

	degToRad = math.Pi / 180
)

// CoordinateBounds represents a bounding box with min/max latitude and longitude
type CoordinateBounds struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// Distance calculates the distance in meters between two points on the Earth.
// For short distances (under ~22km), it uses an Equirectangular approximation.
// For longer distances, it falls back to the exact formula.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	if math.Abs(lat2-lat1) < 0.2 && math.Abs(lon2-lon1) < 0.2 {
		lat1Rad := lat1 * degToRad
		lat2Rad := lat2 * degToRad
		dLatRad := (lat2 - lat1) * degToRad
		dLonRad := (lon2 - lon1) * degToRad

		x := dLonRad * math.Cos((lat1Rad+lat2Rad)/2)
		y := dLatRad
		return RadiusOfEarthInMeters * math.Sqrt(x*x+y*y)
	}

	lat1Rad := lat1 * degToRad
	lon1Rad := lon1 * degToRad
	lat2Rad := lat2 * degToRad
	lon2Rad := lon2 * degToRad

	deltaLon := lon2Rad - lon1Rad

	y := math.Sqrt(math.Pow(math.Cos(lat2Rad)*math.Sin(deltaLon), 2) +
		math.Pow(math.Cos(lat1Rad)*math.Sin(lat2Rad)-math.Sin(lat1Rad)*math.Cos(lat2Rad)*math.Cos(deltaLon), 2))
	x := math.Sin(lat1Rad)*math.Sin(lat2Rad) + math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Cos(deltaLon)

	return RadiusOfEarthInMeters * math.Atan2(y, x)
}

// CalculateBounds returns the box of +/- distance meters around a point.
func CalculateBounds(lat, lon, distance float64) CoordinateBounds {
	latRadians := lat * degToRad
	lonRadians := lon * degToRad

	latRadius := RadiusOfEarthInMeters
	lonRadius := math.Cos(latRadians) * RadiusOfEarthInMeters

	latOffset := distance / latRadius
	lonOffset := distance / lonRadius

	return CoordinateBounds{
		MinLat: (latRadians - latOffset) / degToRad,
		MaxLat: (latRadians + latOffset) / degToRad,
		MinLon: (lonRadians - lonOffset) / degToRad,
		MaxLon: (lonRadians + lonOffset) / degToRad,
	}
}

// IsOutOfBounds returns true only if the inner bounds have no overlap
// with the outer bounds.
func IsOutOfBounds(inner, outer CoordinateBounds) bool {
	return inner.MaxLat < outer.MinLat ||
		inner.MinLat > outer.MaxLat ||
		inner.MaxLon < outer.MinLon ||
		inner.MinLon > outer.MaxLon
}

// Contains reports whether the point lies inside b (edges inclusive).
func (b CoordinateBounds) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// Extend grows b to include the point.
func (b CoordinateBounds) Extend(lat, lon float64) CoordinateBounds {
	return CoordinateBounds{
		MinLat: math.Min(b.MinLat, lat),
		MaxLat: math.Max(b.MaxLat, lat),
		MinLon: math.Min(b.MinLon, lon),
		MaxLon: math.Max(b.MaxLon, lon),
	}
}

// Pad grows b by meters on every side.
func (b CoordinateBounds) Pad(meters float64) CoordinateBounds {
	lo := CalculateBounds(b.MinLat, b.MinLon, meters)
	hi := CalculateBounds(b.MaxLat, b.MaxLon, meters)
	return CoordinateBounds{
		MinLat: lo.MinLat,
		MaxLat: hi.MaxLat,
		MinLon: math.Min(lo.MinLon, hi.MinLon),
		MaxLon: math.Max(lo.MaxLon, hi.MaxLon),
	}
}

// ValidCoordinate reports whether lat/lon are finite and within WGS84 ranges.
func ValidCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// ProjectOntoSegment projects point P onto segment AB.
// It returns the distance in meters from P to the closest point on the
// segment, the projection ratio t in [0,1] along AB, and the projected
// coordinate. The projection is done in a local equirectangular plane
// centred on A, which is accurate at segment scale.
func ProjectOntoSegment(pLat, pLon, aLat, aLon, bLat, bLon float64) (distance, ratio, projLat, projLon float64) {
	cosLat := math.Cos(aLat * degToRad)

	dx := (bLon - aLon) * cosLat
	dy := bLat - aLat

	if dx == 0 && dy == 0 {
		return Distance(pLat, pLon, aLat, aLon), 0, aLat, aLon
	}

	px := (pLon - aLon) * cosLat
	py := pLat - aLat

	t := (px*dx + py*dy) / (dx*dx + dy*dy)
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}

	projLat = aLat + t*(bLat-aLat)
	projLon = aLon + t*(bLon-aLon)

	return Distance(pLat, pLon, projLat, projLon), t, projLat, projLon
}

// CumulativeDistances returns, for each vertex of a polyline given as
// [lat, lon] pairs, the distance in meters from the first vertex.
func CumulativeDistances(points [][2]float64) []float64 {
	if len(points) == 0 {
		return nil
	}
	cumulative := make([]float64, len(points))
	for i := 1; i < len(points); i++ {
		cumulative[i] = cumulative[i-1] + Distance(
			points[i-1][0], points[i-1][1],
			points[i][0], points[i][1],
		)
	}
	return cumulative
}

// Bearing returns the initial bearing in degrees [0,360) from point 1 to point 2.
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * degToRad
	phi2 := lat2 * degToRad
	dLon := (lon2 - lon1) * degToRad

	y := math.Sin(dLon) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLon)

	deg := math.Atan2(y, x) / degToRad
	return math.Mod(deg+360, 360)
}
