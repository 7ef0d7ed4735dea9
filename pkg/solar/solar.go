// Package solar computes sunrise and sunset times for schedule resolution.
package solar

import (
	"math"
	"time"

	"github.com/soniakeys/meeus/v3/julian"
)

func degToRad(deg float64) float64 { return deg * math.Pi / 180.0 }
func radToDeg(rad float64) float64 { return rad * 180.0 / math.Pi }
func fixAngle(a float64) float64   { return a - 360.0*math.Floor(a/360.0) }

// equationOfTime returns the equation of time in minutes for the given instant.
func equationOfTime(t time.Time) float64 {
	jd := julian.TimeToJD(t.UTC())
	T := (jd - 2451545.0) / 36525.0 // Julian centuries since J2000.0

	L0 := fixAngle(280.46646 + T*(36000.76983+T*0.0003032))            // Mean longitude of the Sun (degrees)
	M := fixAngle(357.52911 + T*(35999.05029-T*0.0001537))             // Mean anomaly of the Sun (degrees)
	e := 0.016708634 - T*(0.000042037+T*0.0000001267)                  // Eccentricity of Earth's orbit
	eps0 := 23 + (26+(21.448-T*(46.815+T*(0.00059-T*0.001813)))/60)/60 // Mean obliquity of the ecliptic (degrees)

	y := math.Tan(degToRad(eps0)/2) * math.Tan(degToRad(eps0)/2)
	eqTimeMin := radToDeg(y*math.Sin(degToRad(2*L0))-
		2*e*math.Sin(degToRad(M))+
		4*e*y*math.Sin(degToRad(M))*math.Cos(degToRad(2*L0))-
		0.5*y*y*math.Sin(degToRad(4*L0))-
		1.25*e*e*math.Sin(degToRad(2*M))) * 4 // Convert to minutes

	return eqTimeMin
}

// CalculateSunriseSunset returns sunrise and sunset as minutes from midnight UTC
// for the given date at the specified latitude and longitude.
// Returns (-1, -1) for polar day (sun never sets) or polar night (sun never rises).
func CalculateSunriseSunset(year, dayOfYear int, latitude, longitude float64) (sunriseMinutes, sunsetMinutes int) {
	// Solar declination: angle between the Sun and the celestial equator
	doy := float64(dayOfYear)
	innerAngle := (356.6 + 0.9856*doy) * (math.Pi / 180.0)
	outerAngle := (278.97 + 0.9856*doy + 1.9165*math.Sin(innerAngle)) * (math.Pi / 180.0)
	declinationRad := math.Asin(0.39785 * math.Sin(outerAngle))

	latRad := latitude * (math.Pi / 180.0)

	// Hour angle at sunrise/sunset: cos(H) = -tan(lat) * tan(declination)
	cosH := -math.Tan(latRad) * math.Tan(declinationRad)

	if cosH < -1.0 {
		// Sun never sets (midnight sun / polar day)
		return -1, -1
	}
	if cosH > 1.0 {
		// Sun never rises (polar night)
		return -1, -1
	}

	hourAngleRad := math.Acos(cosH)
	hourAngleHours := hourAngleRad * (180.0 / math.Pi) / 15.0 // 15 degrees per hour

	// Each degree of longitude = 4 minutes of time; east means earlier UTC
	longitudeMinutes := longitude * 4.0

	refTime := time.Date(year, 1, 1, 12, 0, 0, 0, time.UTC).AddDate(0, 0, dayOfYear-1)
	eotMinutes := equationOfTime(refTime)

	// Solar noon in UTC minutes from midnight
	solarNoonUTC := 720.0 - longitudeMinutes - eotMinutes
	hourAngleMinutes := hourAngleHours * 60.0

	sunriseUTC := solarNoonUTC - hourAngleMinutes
	sunsetUTC := solarNoonUTC + hourAngleMinutes

	// Normalize to 0-1440 range (minutes in a day)
	sunriseUTC = math.Mod(sunriseUTC+1440, 1440)
	sunsetUTC = math.Mod(sunsetUTC+1440, 1440)

	return int(math.Round(sunriseUTC)), int(math.Round(sunsetUTC))
}
