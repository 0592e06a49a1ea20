package geo

import "math"

// EarthRadius is the mean Earth radius in meters.
const EarthRadius = 6371000.0

// ToRadians converts degrees to radians.
func ToRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Displacement returns the offset of point relative to base on a local
// east/north plane, in meters.
//
// It uses the equirectangular approximation with the mean latitude of both
// points, which is accurate for the few hundred meters an event spans.
func Displacement(point, base Point) (east, north float64) {
	meanLat := (ToRadians(point.Latitude) + ToRadians(base.Latitude)) / 2
	deltaLon := ToRadians(point.Longitude - base.Longitude)
	deltaLat := ToRadians(point.Latitude - base.Latitude)

	east = EarthRadius * deltaLon * math.Cos(meanLat)
	north = EarthRadius * deltaLat
	return east, north
}

// Distance returns the great-circle distance in meters between two points,
// using the haversine formula on a spherical Earth.
func Distance(a, b Point) float64 {
	lat1, lat2 := ToRadians(a.Latitude), ToRadians(b.Latitude)
	dLat := lat2 - lat1
	dLon := ToRadians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadius * math.Asin(math.Sqrt(math.Min(1, h)))
}
