// Package coordinates provides the spherical-earth geodesy used across the
// tracker: great-circle distance, initial bearing and dead-reckoning.
package coordinates

import "math"

// Constants for coordinate calculations
const (
	// DegreesToRadians converts degrees to radians
	DegreesToRadians = math.Pi / 180.0

	// RadiansToDegrees converts radians to degrees
	RadiansToDegrees = 180.0 / math.Pi

	// EarthRadiusKm is the Earth's mean radius in kilometers
	EarthRadiusKm = 6371.0

	// KmPerNauticalMile converts nautical miles to kilometers
	KmPerNauticalMile = 1.852

	// KnotsToKmh converts knots to kilometers per hour
	KnotsToKmh = 1.852

	// FeetToMeters converts feet to meters
	FeetToMeters = 0.3048

	// MetersToFeet converts meters to feet
	MetersToFeet = 3.28084
)

// Geographic represents a position on Earth's surface.
type Geographic struct {
	// Latitude in decimal degrees (-90 to +90)
	// Positive = North, Negative = South
	Latitude float64

	// Longitude in decimal degrees (-180 to +180)
	// Positive = East, Negative = West
	Longitude float64
}

// DistanceKm returns the great-circle distance between g and to in kilometers.
func (g Geographic) DistanceKm(to Geographic) float64 {
	return DistanceKm(g.Latitude, g.Longitude, to.Latitude, to.Longitude)
}

// Bearing returns the initial bearing from g to to in degrees [0, 360).
func (g Geographic) Bearing(to Geographic) float64 {
	return BearingDegrees(g.Latitude, g.Longitude, to.Latitude, to.Longitude)
}

// NormalizeAzimuth ensures azimuth is in the range [0, 360).
func NormalizeAzimuth(azimuth float64) float64 {
	az := math.Mod(azimuth, 360.0)
	if az < 0 {
		az += 360.0
	}
	// math.Mod(-1e-15, 360) + 360 rounds to exactly 360
	if az >= 360.0 {
		az = 0
	}
	return az
}

// NormalizeLongitude wraps a longitude into [-180, 180).
func NormalizeLongitude(lon float64) float64 {
	return math.Mod(lon+540.0, 360.0) - 180.0
}

// DistanceKm calculates the great-circle distance between two points using
// the Haversine formula. The result is symmetric and exactly 0 for
// identical points.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * DegreesToRadians
	lat2Rad := lat2 * DegreesToRadians
	dLat := (lat2 - lat1) * DegreesToRadians
	dLon := (lon2 - lon1) * DegreesToRadians

	// Haversine formula
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKm * c
}

// DistanceNauticalMiles is DistanceKm expressed in nautical miles.
func DistanceNauticalMiles(lat1, lon1, lat2, lon2 float64) float64 {
	return DistanceKm(lat1, lon1, lat2, lon2) / KmPerNauticalMile
}

// BearingDegrees calculates the initial bearing (forward azimuth) from the
// first point to the second along a great circle.
// Returns bearing in degrees [0, 360), where 0 = North, 90 = East.
func BearingDegrees(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * DegreesToRadians
	lat2Rad := lat2 * DegreesToRadians
	dLon := (lon2 - lon1) * DegreesToRadians

	y := math.Sin(dLon) * math.Cos(lat2Rad)
	x := math.Cos(lat1Rad)*math.Sin(lat2Rad) - math.Sin(lat1Rad)*math.Cos(lat2Rad)*math.Cos(dLon)

	return NormalizeAzimuth(math.Atan2(y, x) * RadiansToDegrees)
}

// Destination returns the point reached by travelling distanceKm from
// (lat, lon) along the given initial bearing.
//
// Used for dead-reckoning: with ground speed in knots and elapsed time,
// distanceKm = speed * KnotsToKmh * hours.
func Destination(lat, lon, bearingDeg, distanceKm float64) (float64, float64) {
	latRad := lat * DegreesToRadians
	lonRad := lon * DegreesToRadians
	brg := bearingDeg * DegreesToRadians
	angular := distanceKm / EarthRadiusKm

	newLat := math.Asin(math.Sin(latRad)*math.Cos(angular) +
		math.Cos(latRad)*math.Sin(angular)*math.Cos(brg))
	newLon := lonRad + math.Atan2(
		math.Sin(brg)*math.Sin(angular)*math.Cos(latRad),
		math.Cos(angular)-math.Sin(latRad)*math.Sin(newLat),
	)

	return newLat * RadiansToDegrees, NormalizeLongitude(newLon * RadiansToDegrees)
}
