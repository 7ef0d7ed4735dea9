// Package weather provides the resilient weather service: a polling loop
// around a forecast provider with a durable cache and an
// online/degraded/offline state machine.
package weather

import (
	"errors"
	"fmt"
	"time"
)

// ServiceState describes the health of the weather service.
type ServiceState string

const (
	StateOnline   ServiceState = "online"
	StateDegraded ServiceState = "degraded_offline_using_cache"
	StateOffline  ServiceState = "offline_no_weather_data"
)

// ErrUnavailable is returned when no forecast has ever been fetched and no
// cache exists. The evaluator treats this as offline.
var ErrUnavailable = errors.New("weather data unavailable")

// Current holds present-moment conditions. Pointer fields are absent when
// the provider did not report them.
type Current struct {
	TemperatureF        *float64 `json:"temperature_f,omitempty"`
	DewPointF           *float64 `json:"dew_point_f,omitempty"`
	HumidityPct         *float64 `json:"humidity_pct,omitempty"`
	WindMPH             *float64 `json:"wind_mph,omitempty"`
	Condition           string   `json:"condition,omitempty"`
	PrecipitationActive *bool    `json:"precipitation_active,omitempty"`
}

// HourlyForecast is one hour of forecast data.
type HourlyForecast struct {
	Time                     time.Time `json:"time"`
	TemperatureF             float64   `json:"temperature_f"`
	PrecipitationIntensity   float64   `json:"precipitation_intensity"`
	PrecipitationProbability float64   `json:"precipitation_probability"`
	PrecipitationType        string    `json:"precipitation_type,omitempty"`
	Condition                string    `json:"condition,omitempty"`
	WindMPH                  float64   `json:"wind_mph"`
	FeelsLikeF               float64   `json:"feels_like_f"`
}

// NormalizedForecast is what a Provider returns from one fetch.
type NormalizedForecast struct {
	Current Current          `json:"current"`
	Hours   []HourlyForecast `json:"hours"`
}

// FetchErrorKind classifies provider failures.
type FetchErrorKind string

const (
	FetchErrTransport FetchErrorKind = "transport"
	FetchErrTimeout   FetchErrorKind = "timeout"
	FetchErrStatus    FetchErrorKind = "status"
	FetchErrDecode    FetchErrorKind = "decode"
)

// FetchError is the single error type providers return.
type FetchError struct {
	Kind   FetchErrorKind
	Detail string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("weather fetch failed (%s): %s", e.Kind, e.Detail)
}

// Location identifies the forecast point.
type Location struct {
	Latitude  float64
	Longitude float64
	Timezone  *time.Location
}

// Provider fetches a normalized forecast for a location.
type Provider interface {
	Name() string
	Fetch(loc Location, horizonHours int) (*NormalizedForecast, error)
}

// Snapshot is the immutable value the service hands to readers. A snapshot
// is never mutated after publication; newer snapshots supersede older ones.
type Snapshot struct {
	FetchedAt    time.Time
	Provider     string
	State        ServiceState
	Age          time.Duration
	IsUsable     bool // age within the cache validity window
	IsOffline    bool // age beyond the 12h offline horizon
	Current      Current
	Hours        []HourlyForecast
	BlackIceRisk bool
}

// offlineAge is the staleness beyond which conditional schedules stop
// trusting cached data.
const offlineAge = 12 * time.Hour
