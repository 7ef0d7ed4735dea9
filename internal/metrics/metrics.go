// Package metrics exposes Prometheus instrumentation for the daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TicksTotal counts scheduler loop passes.
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frostguard_scheduler_ticks_total",
		Help: "Number of scheduler ticks executed.",
	})

	// DeviceCommands counts commands issued to device controllers by result.
	DeviceCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "frostguard_device_commands_total",
		Help: "Device on/off commands issued, by result.",
	}, []string{"result"})

	// WeatherFetches counts provider fetch attempts by result.
	WeatherFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "frostguard_weather_fetches_total",
		Help: "Weather provider fetch attempts, by result.",
	}, []string{"result"})

	// NotificationsTotal counts sink deliveries by sink name and result.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "frostguard_notifications_total",
		Help: "Notification deliveries, by sink and result.",
	}, []string{"sink", "result"})

	// GroupState reports the desired state per group (1 = on).
	GroupState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "frostguard_group_desired_state",
		Help: "Desired state per group (1 = on, 0 = off).",
	}, []string{"group"})

	weatherState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "frostguard_weather_service_state",
		Help: "Weather service state (the active state reports 1).",
	}, []string{"state"})
)

var weatherStates = []string{
	"online",
	"degraded_offline_using_cache",
	"offline_no_weather_data",
}

// SetWeatherState marks the given state active and clears the others.
func SetWeatherState(active string) {
	for _, st := range weatherStates {
		v := 0.0
		if st == active {
			v = 1.0
		}
		weatherState.WithLabelValues(st).Set(v)
	}
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
