// Package geo contains pure geographic computation helpers used by the
// candidate matcher.
package geo

import "math"

const earthRadiusKm = 6371.0

// Average urban driving speed assumed for travel-time estimates.
const avgSpeedKmh = 35.0

// Travel estimates are clamped to a sane display range.
const (
	MinTravelMinutes = 5
	MaxTravelMinutes = 80
)

// DistanceKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees. NaN inputs propagate.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// TravelMinutes estimates door-to-door travel time for a distance, rounded
// to the nearest minute and clamped to [MinTravelMinutes, MaxTravelMinutes].
func TravelMinutes(distanceKm float64) int {
	minutes := int(math.Round(distanceKm / avgSpeedKmh * 60))
	if minutes < MinTravelMinutes {
		return MinTravelMinutes
	}
	if minutes > MaxTravelMinutes {
		return MaxTravelMinutes
	}
	return minutes
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
