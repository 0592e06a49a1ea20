package geo

import "strings"

// DefaultPrecision is the geohash length used when a coarse area is logged
// instead of raw coordinates. Six characters is roughly a 1.2km x 0.6km cell.
const DefaultPrecision = 6

// base32 is the geohash alphabet (no 'a', 'i', 'l' or 'o').
const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// Encode encodes a coordinate into a geohash of the given length.
// A precision below 1 falls back to DefaultPrecision.
func Encode(lat, lng float64, precision int) string {
	if precision < 1 {
		precision = DefaultPrecision
	}

	latRange := [2]float64{-90.0, 90.0}
	lngRange := [2]float64{-180.0, 180.0}

	var hash strings.Builder
	hash.Grow(precision)

	bits := 0
	var ch uint
	even := true

	for hash.Len() < precision {
		rng := &latRange
		val := lat
		if even {
			rng = &lngRange
			val = lng
		}

		mid := (rng[0] + rng[1]) / 2
		if val > mid {
			ch |= 1 << (4 - bits)
			rng[0] = mid
		} else {
			rng[1] = mid
		}

		even = !even
		bits++
		if bits == 5 {
			hash.WriteByte(base32[ch])
			bits = 0
			ch = 0
		}
	}

	return hash.String()
}

// Area returns the coarse geohash cell of a point, suitable for logs.
func (p Point) Area() string {
	return Encode(p.Latitude, p.Longitude, DefaultPrecision)
}
