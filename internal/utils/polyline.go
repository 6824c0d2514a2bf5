package utils

import (
	"buswatch.org/internal/models"
	"github.com/twpayne/go-polyline"
)

// EncodePolyline encodes points in the Google encoded polyline format.
func EncodePolyline(points []models.Coordinate) string {
	coords := make([][]float64, len(points))
	for i, p := range points {
		coords[i] = []float64{p.Lat, p.Lon}
	}
	return string(polyline.EncodeCoords(coords))
}

// DecodePolyline is the inverse of EncodePolyline.
func DecodePolyline(encoded string) ([]models.Coordinate, error) {
	coords, _, err := polyline.DecodeCoords([]byte(encoded))
	if err != nil {
		return nil, err
	}
	points := make([]models.Coordinate, len(coords))
	for i, c := range coords {
		points[i] = models.Coordinate{Lat: c[0], Lon: c[1]}
	}
	return points, nil
}
