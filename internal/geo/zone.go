package geo

import "math"

// Zones are geohash cells. At the default precision of 6 a cell is about
// 1.22 km x 0.61 km, which bounds the driver search space for dispatch.

const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// Encode returns the geohash cell identifier for a coordinate at the
// given precision (number of base32 characters).
func Encode(lat, lon float64, precision int) string {
	var (
		latMin, latMax = -90.0, 90.0
		lonMin, lonMax = -180.0, 180.0
	)

	buf := make([]byte, 0, precision)
	var ch, bit int
	even := true

	for len(buf) < precision {
		if even {
			mid := (lonMin + lonMax) / 2
			if lon >= mid {
				ch |= 1 << (4 - bit)
				lonMin = mid
			} else {
				lonMax = mid
			}
		} else {
			mid := (latMin + latMax) / 2
			if lat >= mid {
				ch |= 1 << (4 - bit)
				latMin = mid
			} else {
				latMax = mid
			}
		}
		even = !even

		if bit < 4 {
			bit++
		} else {
			buf = append(buf, base32[ch])
			ch, bit = 0, 0
		}
	}

	return string(buf)
}

// decode returns the center point and cell dimensions of a zone.
func decode(zone string) (lat, lon, latErr, lonErr float64) {
	var (
		latMin, latMax = -90.0, 90.0
		lonMin, lonMax = -180.0, 180.0
	)
	even := true

	for i := 0; i < len(zone); i++ {
		cd := indexOf(zone[i])
		for mask := 16; mask != 0; mask >>= 1 {
			if even {
				mid := (lonMin + lonMax) / 2
				if cd&mask != 0 {
					lonMin = mid
				} else {
					lonMax = mid
				}
			} else {
				mid := (latMin + latMax) / 2
				if cd&mask != 0 {
					latMin = mid
				} else {
					latMax = mid
				}
			}
			even = !even
		}
	}

	return (latMin + latMax) / 2, (lonMin + lonMax) / 2,
		(latMax - latMin) / 2, (lonMax - lonMin) / 2
}

func indexOf(c byte) int {
	for i := 0; i < len(base32); i++ {
		if base32[i] == c {
			return i
		}
	}
	return 0
}

// Neighbors returns the 8 cells adjacent to the given zone. Computed by
// stepping the cell center one cell width in each direction and
// re-encoding, which stays correct across base32 digit boundaries.
func Neighbors(zone string) []string {
	lat, lon, latErr, lonErr := decode(zone)
	precision := len(zone)

	out := make([]string, 0, 8)
	for _, dLat := range []float64{-1, 0, 1} {
		for _, dLon := range []float64{-1, 0, 1} {
			if dLat == 0 && dLon == 0 {
				continue
			}
			nLat := clampLat(lat + dLat*2*latErr)
			nLon := wrapLon(lon + dLon*2*lonErr)
			out = append(out, Encode(nLat, nLon, precision))
		}
	}
	return out
}

// CandidateZones returns the 9-cell set (primary cell first, then its 8
// neighbors) used for every dispatch fan-out, so a driver just across a
// cell boundary is not missed.
func CandidateZones(lat, lon float64, precision int) []string {
	primary := Encode(lat, lon, precision)
	return append([]string{primary}, Neighbors(primary)...)
}

// HaversineKm returns the great-circle distance between two points in
// kilometers.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371

	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

func clampLat(lat float64) float64 {
	if lat > 90 {
		return 90
	}
	if lat < -90 {
		return -90
	}
	return lat
}

func wrapLon(lon float64) float64 {
	if lon > 180 {
		return lon - 360
	}
	if lon < -180 {
		return lon + 360
	}
	return lon
}
