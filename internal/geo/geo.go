// Package geo holds the small amount of spherical geometry the tracker needs:
// haversine distances, nearest-stop search and the service-area gate.
package geo

import "math"

const earthRadiusKm = 6371.0

// Service area bounding box (Popayán).
const (
	MinLat = 2.3
	MaxLat = 2.5
	MinLon = -76.7
	MaxLon = -76.5
)

// Point is a WGS84 coordinate in lat,lon order.
type Point struct {
	Lat float64
	Lon float64
}

// DistanceKm returns the great-circle distance between two points in kilometers.
func DistanceKm(a, b Point) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// NearestStop returns the element of stops closest to p and its distance.
// Ties keep the first occurrence. stops must not be empty.
func NearestStop[S any](p Point, stops []S, at func(S) Point) (float64, S) {
	best := 0
	bestDist := math.Inf(1)
	for i, s := range stops {
		if d := DistanceKm(p, at(s)); d < bestDist {
			best, bestDist = i, d
		}
	}
	return bestDist, stops[best]
}

// InServiceArea reports whether lat/lon fall inside the service bounding box.
func InServiceArea(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= MinLat && lat <= MaxLat && lon >= MinLon && lon <= MaxLon
}

// Interpolate linearly interpolates between a and b; frac is clamped to [0,1].
func Interpolate(a, b Point, frac float64) Point {
	if frac < 0 {
		frac = 0
	} else if frac > 1 {
		frac = 1
	}
	return Point{
		Lat: a.Lat + (b.Lat-a.Lat)*frac,
		Lon: a.Lon + (b.Lon-a.Lon)*frac,
	}
}

// PathLengthKm sums the haversine length of consecutive path points.
func PathLengthKm(path []Point) float64 {
	total := 0.0
	for i := 1; i < len(path); i++ {
		total += DistanceKm(path[i-1], path[i])
	}
	return total
}

// Densify splits every segment longer than maxKm into equal sub-segments so
// that no segment of the returned path exceeds maxKm. The input is not modified.
func Densify(path []Point, maxKm float64) []Point {
	if len(path) < 2 || maxKm <= 0 {
		return append([]Point(nil), path...)
	}
	out := make([]Point, 0, len(path))
	out = append(out, path[0])
	for i := 1; i < len(path); i++ {
		a, b := path[i-1], path[i]
		n := int(math.Ceil(DistanceKm(a, b) / maxKm))
		for k := 1; k < n; k++ {
			out = append(out, Interpolate(a, b, float64(k)/float64(n)))
		}
		out = append(out, b)
	}
	return out
}
