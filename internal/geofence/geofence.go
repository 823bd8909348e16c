// Package geofence decides whether a coordinate lies inside a circular
// geofence. Pure computation, no I/O, deterministic for given inputs.
package geofence

import (
	"math"

	"github.com/noah-isme/anio-bridge/internal/models"
)

// earthRadiusMeters is the mean Earth radius used by the haversine formula.
const earthRadiusMeters = 6371000

// Point is a WGS84 coordinate.
type Point struct {
	Latitude  float64
	Longitude float64
}

// Contains reports whether the point lies within the geofence radius of
// its center, boundary inclusive.
func Contains(p Point, fence models.Geofence) bool {
	return Distance(p, Point{Latitude: fence.Latitude, Longitude: fence.Longitude}) <= float64(fence.Radius)
}

// Distance returns the great-circle distance between two points in
// meters, by the haversine formula.
func Distance(a, b Point) float64 {
	lat1 := radians(a.Latitude)
	lat2 := radians(b.Latitude)
	deltaLat := radians(b.Latitude - a.Latitude)
	deltaLon := radians(b.Longitude - a.Longitude)

	h := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusMeters * c
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
