package solar

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// SunTimes holds the computed solar events for one local day.
type SunTimes struct {
	Sunrise time.Time
	Sunset  time.Time
}

type cacheKey struct {
	year  int
	month time.Month
	day   int
	lat   float64 // rounded to 4 decimals
	lon   float64 // rounded to 4 decimals
	zone  string
}

// Calculator computes sunrise/sunset for a local date and caches one result
// per (date, rounded coordinates, timezone). Entries from previous days are
// dropped as new days are inserted, so the cache stays a handful of entries.
type Calculator struct {
	mu    sync.RWMutex
	cache map[cacheKey]SunTimes
}

// NewCalculator creates an empty solar calculator.
func NewCalculator() *Calculator {
	return &Calculator{cache: make(map[cacheKey]SunTimes)}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// SunTimesFor returns sunrise and sunset as local times on the given date.
// The date's timezone location is used for the conversion. Returns an error
// under polar conditions, when no sunrise or sunset occurs.
func (c *Calculator) SunTimesFor(date time.Time, latitude, longitude float64) (SunTimes, error) {
	loc := date.Location()
	year, month, day := date.Date()
	key := cacheKey{
		year:  year,
		month: month,
		day:   day,
		lat:   round4(latitude),
		lon:   round4(longitude),
		zone:  loc.String(),
	}

	c.mu.RLock()
	cached, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	sunriseMin, sunsetMin := CalculateSunriseSunset(year, date.YearDay(), latitude, longitude)
	if sunriseMin < 0 || sunsetMin < 0 {
		return SunTimes{}, fmt.Errorf("no sunrise/sunset at %.4f,%.4f on %s (polar conditions)",
			latitude, longitude, date.Format("2006-01-02"))
	}

	st := SunTimes{
		Sunrise: utcMinutesToLocal(date, sunriseMin, loc),
		Sunset:  utcMinutesToLocal(date, sunsetMin, loc),
	}

	c.mu.Lock()
	for k := range c.cache {
		if k.year != year || k.month != month || k.day != day {
			delete(c.cache, k)
		}
	}
	c.cache[key] = st
	c.mu.Unlock()

	return st, nil
}

// utcMinutesToLocal pins the UTC minutes-from-midnight value onto the target
// local date. Near the antimeridian the UTC event can land on the neighboring
// UTC day; the caller's local date is authoritative, so the result is adjusted
// to fall on that local date.
func utcMinutesToLocal(date time.Time, utcMinutes int, loc *time.Location) time.Time {
	y, m, d := date.Date()
	utc := time.Date(y, m, d, utcMinutes/60, utcMinutes%60, 0, 0, time.UTC)
	local := utc.In(loc)

	ly, lm, ld := local.Date()
	if ly == y && lm == m && ld == d {
		return local
	}
	if local.Before(time.Date(y, m, d, 0, 0, 0, 0, loc)) {
		return local.AddDate(0, 0, 1)
	}
	return local.AddDate(0, 0, -1)
}
