package scheduler

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/frostguard/frostguard/internal/atomicfile"
	"github.com/frostguard/frostguard/internal/clock"
	"github.com/frostguard/frostguard/internal/events"
	"github.com/frostguard/frostguard/internal/log"
	"github.com/frostguard/frostguard/internal/weather"
)

// Forecast summary notification modes.
const (
	SummaryOnChange = "on_change"
	SummaryAlways   = "always"
)

// SummaryConfig tunes the daily forecast summary.
type SummaryConfig struct {
	Enabled bool
	Mode    string // on_change or always
	At      string // "HH:MM" local time, default 06:00

	// StatePath persists the last emitted summary fingerprint.
	StatePath string
}

type summaryState struct {
	Version     int       `json:"version"`
	LastHash    uint64    `json:"last_hash"`
	LastSummary string    `json:"last_summary"`
	LastUpdated time.Time `json:"last_updated"`
}

const summarySchemaVersion = 1

// SummaryReporter emits one forecast_summary event per day around the
// configured local time. In on_change mode a day whose forecast fingerprint
// matches the previous emission stays quiet.
type SummaryReporter struct {
	cfg     SummaryConfig
	weather WeatherSource
	emitter Emitter
	clk     clock.Clock
	tz      *time.Location

	mu    sync.Mutex
	state summaryState
}

// NewSummaryReporter loads any persisted fingerprint state and returns the
// reporter. A nil timezone means local time.
func NewSummaryReporter(cfg SummaryConfig, weatherSrc WeatherSource, emitter Emitter, clk clock.Clock, tz *time.Location) *SummaryReporter {
	if cfg.Mode == "" {
		cfg.Mode = SummaryOnChange
	}
	if cfg.At == "" {
		cfg.At = "06:00"
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if tz == nil {
		tz = time.Local
	}

	r := &SummaryReporter{cfg: cfg, weather: weatherSrc, emitter: emitter, clk: clk, tz: tz}

	if cfg.StatePath != "" {
		data, err := os.ReadFile(cfg.StatePath)
		if err == nil {
			var st summaryState
			if json.Unmarshal(data, &st) == nil && st.Version == summarySchemaVersion {
				r.state = st
			} else {
				log.Warnf("malformed forecast summary state %s, starting fresh", cfg.StatePath)
			}
		}
	}
	return r
}

// MaybeEmit is called from the tick loop. It emits at most one summary per
// local day, once the configured time of day has passed.
func (r *SummaryReporter) MaybeEmit() {
	if !r.cfg.Enabled || r.weather == nil || r.emitter == nil {
		return
	}

	now := r.clk.Now().In(r.tz)
	due := summaryDue(now, r.cfg.At)
	if now.Before(due) {
		return
	}

	r.mu.Lock()
	already := sameLocalDay(r.state.LastUpdated.In(r.tz), now)
	r.mu.Unlock()
	if already {
		return
	}

	snap, err := r.weather.Snapshot()
	if err != nil || snap == nil || len(snap.Hours) == 0 {
		return
	}

	window := next24h(snap.Hours, now)
	if len(window) == 0 {
		return
	}
	hash := fingerprint(window)

	temps := make([]float64, len(window))
	winds := make([]float64, len(window))
	precipHours := 0
	freezeHours := 0
	for i, h := range window {
		temps[i] = h.TemperatureF
		winds[i] = h.WindMPH
		if h.PrecipitationProbability >= 50 || h.PrecipitationIntensity > 0 {
			precipHours++
		}
		if h.TemperatureF <= 32 {
			freezeHours++
		}
	}

	minT := floats.Min(temps)
	maxT := floats.Max(temps)
	meanT := stat.Mean(temps, nil)
	maxWind := floats.Max(winds)
	msg := fmt.Sprintf("Next 24h: %.0f-%.0f°F (mean %.0f°F), %d hour(s) of likely precipitation, %d freezing hour(s)",
		minT, maxT, meanT, precipHours, freezeHours)

	r.mu.Lock()
	unchanged := r.cfg.Mode == SummaryOnChange && r.state.LastHash == hash && !r.state.LastUpdated.IsZero()
	r.mu.Unlock()
	if unchanged {
		log.Debug("forecast summary unchanged, skipping emission")
		r.record(now, hash, msg)
		return
	}

	r.emitter.Publish(events.Event{
		Type:       events.ForecastSummary,
		Message:    msg,
		OccurredAt: now,
		Details: map[string]interface{}{
			"temp_min_f":          minT,
			"temp_max_f":          maxT,
			"temp_mean_f":         meanT,
			"wind_max_mph":        maxWind,
			"precipitation_hours": precipHours,
			"freezing_hours":      freezeHours,
			"hours_considered":    len(window),
			"provider":            snap.Provider,
		},
	})
	r.record(now, hash, msg)
}

func (r *SummaryReporter) record(now time.Time, hash uint64, summary string) {
	r.mu.Lock()
	r.state = summaryState{Version: summarySchemaVersion, LastHash: hash, LastSummary: summary, LastUpdated: now}
	st := r.state
	r.mu.Unlock()

	if r.cfg.StatePath == "" {
		return
	}
	if err := atomicfile.WriteJSON(r.cfg.StatePath, st); err != nil {
		log.Errorf("persisting forecast summary state: %v", err)
	}
}

// next24h selects the forecast hours within 24 hours after now.
func next24h(hours []weather.HourlyForecast, now time.Time) []weather.HourlyForecast {
	cutoff := now.Add(24 * time.Hour)
	var out []weather.HourlyForecast
	for _, h := range hours {
		if h.Time.Before(now) || !h.Time.Before(cutoff) {
			continue
		}
		out = append(out, h)
	}
	return out
}

// fingerprint hashes the shape of the window so an unchanged forecast can be
// recognized day over day and across restarts. Hours are keyed by hour of
// day, not absolute time, and temperatures are rounded to whole degrees so
// provider jitter does not defeat the comparison.
func fingerprint(hours []weather.HourlyForecast) uint64 {
	h := fnv.New64a()
	for _, hr := range hours {
		fmt.Fprintf(h, "%d|%.0f|%.0f|%s;", hr.Time.Hour(), hr.TemperatureF, hr.PrecipitationProbability, hr.PrecipitationType)
	}
	return h.Sum64()
}

func summaryDue(now time.Time, at string) time.Time {
	var hour, minute int
	if _, err := fmt.Sscanf(at, "%d:%d", &hour, &minute); err != nil {
		hour, minute = 6, 0
	}
	y, m, d := now.Date()
	return time.Date(y, m, d, hour, minute, 0, 0, now.Location())
}

func sameLocalDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
