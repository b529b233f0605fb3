package models

import "math"

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance between two points.
func DistanceKm(a, b Location) float64 {
	lat1, lat2 := a.Lat*math.Pi/180, b.Lat*math.Pi/180
	dLat := lat2 - lat1
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// BoundingBox is a lon/lat viewport. A box with MinLon > MaxLon crosses the
// antimeridian.
type BoundingBox struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

func (b BoundingBox) Contains(l Location) bool {
	if l.Lat < b.MinLat || l.Lat > b.MaxLat {
		return false
	}
	if b.MinLon <= b.MaxLon {
		return l.Lon >= b.MinLon && l.Lon <= b.MaxLon
	}
	return l.Lon >= b.MinLon || l.Lon <= b.MaxLon
}
