// Package geo provides location types and the math that places them: the
// great-circle distance between two points, and a local planar frame that
// anchors participant positions around an event origin.
package geo

import "math"

// Point is a bare WGS84 coordinate, used as the anchor of an event's local frame.
type Point struct {
	Latitude  float64 `json:"latitude" koanf:"latitude" validate:"finite,latitude"`
	Longitude float64 `json:"longitude" koanf:"longitude" validate:"finite,longitude"`
}

// Location is a self-reported GPS fix together with its accuracy bounds.
// Accuracies are radii in meters; altitude is meters above the reference ellipsoid.
type Location struct {
	Latitude           float64 `json:"latitude" validate:"finite,latitude"`
	Longitude          float64 `json:"longitude" validate:"finite,longitude"`
	HorizontalAccuracy float64 `json:"horizontalAccuracy" validate:"finite,gte=0"`
	Altitude           float64 `json:"altitude" validate:"finite"`
	VerticalAccuracy   float64 `json:"verticalAccuracy" validate:"finite,gte=0"`
}

// Finite reports whether every component of the fix is a finite number.
func (l Location) Finite() bool {
	for _, v := range [...]float64{l.Latitude, l.Longitude, l.HorizontalAccuracy, l.Altitude, l.VerticalAccuracy} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Point returns the horizontal coordinate of the fix.
func (l Location) Point() Point {
	return Point{Latitude: l.Latitude, Longitude: l.Longitude}
}
