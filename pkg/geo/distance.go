// Package geo holds great-circle helpers shared by the scheduler, the
// conflict resolver and the session controller.
package geo

import (
	"math"

	"github.com/markus-lassfolk/routetrack/pkg"
)

// EarthRadiusMeters is the mean Earth radius used for all distances
const EarthRadiusMeters = 6371000.0

// HaversineMeters returns the great-circle distance between two points
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLatRad := (lat2 - lat1) * math.Pi / 180
	deltaLonRad := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLatRad/2)*math.Sin(deltaLatRad/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLonRad/2)*math.Sin(deltaLonRad/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// Distance returns the distance between two coordinates in meters
func Distance(a, b pkg.Coordinates) float64 {
	return HaversineMeters(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

// PathLength sums consecutive segment lengths of the samples in order
func PathLength(samples []pkg.PositionSample) float64 {
	total := 0.0
	for i := 1; i < len(samples); i++ {
		total += HaversineMeters(samples[i-1].Latitude, samples[i-1].Longitude,
			samples[i].Latitude, samples[i].Longitude)
	}
	return total
}

// OffsetMeters moves a coordinate north and east by the given distances.
// Accurate enough for the sub-kilometre offsets used in fixtures and geofences.
func OffsetMeters(c pkg.Coordinates, northM, eastM float64) pkg.Coordinates {
	dLat := northM / EarthRadiusMeters * 180 / math.Pi
	dLon := eastM / (EarthRadiusMeters * math.Cos(c.Latitude*math.Pi/180)) * 180 / math.Pi
	return pkg.Coordinates{Latitude: c.Latitude + dLat, Longitude: c.Longitude + dLon}
}
