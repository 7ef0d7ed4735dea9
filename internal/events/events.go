// Package events defines the notification event taxonomy and wire payload.
package events

import (
	"encoding/json"
	"time"
)

// Type identifies a notification event. The string values are the wire
// tokens consumed by sinks and the routing table; they are stable.
type Type string

const (
	DeviceLost             Type = "device_lost"
	DeviceFound            Type = "device_found"
	DeviceChanged          Type = "device_changed"
	DeviceIPChanged        Type = "device_ip_changed"
	ConnectivityLost       Type = "connectivity_lost"
	ConnectivityRestored   Type = "connectivity_restored"
	WeatherModeEnabled     Type = "weather_mode_enabled"
	WeatherModeDisabled    Type = "weather_mode_disabled"
	WeatherRecovered       Type = "weather_service_recovered"
	WeatherDegraded        Type = "weather_service_degraded"
	WeatherOffline         Type = "weather_service_offline"
	WeatherOutageAlert     Type = "weather_service_outage_alert"
	ForecastSummary        Type = "forecast_summary"
	SafetyMaxRuntime       Type = "safety_max_runtime"
	ManualOverrideApplied  Type = "manual_override_applied"
	ManualOverrideExpired  Type = "manual_override_expired"
	ManualOverrideSafety   Type = "manual_override_expired_safety"
	StartupTest            Type = "startup_test"
)

// All lists every defined event type, in taxonomy order.
var All = []Type{
	DeviceLost, DeviceFound, DeviceChanged, DeviceIPChanged,
	ConnectivityLost, ConnectivityRestored,
	WeatherModeEnabled, WeatherModeDisabled,
	WeatherRecovered, WeatherDegraded, WeatherOffline, WeatherOutageAlert,
	ForecastSummary, SafetyMaxRuntime,
	ManualOverrideApplied, ManualOverrideExpired, ManualOverrideSafety,
	StartupTest,
}

// Valid reports whether t is a defined taxonomy token.
func Valid(t Type) bool {
	for _, known := range All {
		if t == known {
			return true
		}
	}
	return false
}

// CategoryStateChange is the shared rate-limit bucket for the
// weather_service_* transition family.
const CategoryStateChange = "state_change"

// Category buckets event types for rate limiting. The weather_service_*
// family shares the state_change category; everything else carries its own
// token as its category and is not rate limited.
func (t Type) Category() string {
	switch t {
	case WeatherRecovered, WeatherDegraded, WeatherOffline:
		return CategoryStateChange
	default:
		return string(t)
	}
}

// Event is a single notification occurrence. ID is assigned by the
// dispatcher when the event is published.
type Event struct {
	ID         string
	Type       Type
	Message    string
	OccurredAt time.Time
	Details    map[string]interface{}
	Source     string
}

// payload is the JSON wire format delivered to sinks.
type payload struct {
	EventID   string                 `json:"event_id,omitempty"`
	EventType string                 `json:"event_type"`
	Message   string                 `json:"message"`
	Timestamp string                 `json:"timestamp"`
	Details   map[string]interface{} `json:"details"`
	Source    string                 `json:"source"`
}

// MarshalJSON renders the event in the sink wire format, with the
// timestamp normalized to ISO8601 UTC.
func (e Event) MarshalJSON() ([]byte, error) {
	details := e.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	return json.Marshal(payload{
		EventID:   e.ID,
		EventType: string(e.Type),
		Message:   e.Message,
		Timestamp: e.OccurredAt.UTC().Format(time.RFC3339),
		Details:   details,
		Source:    e.Source,
	})
}
