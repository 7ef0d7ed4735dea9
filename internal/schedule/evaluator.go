package schedule

import (
	"sort"
	"time"

	"github.com/frostguard/frostguard/internal/weather"
	"github.com/frostguard/frostguard/pkg/solar"
)

// ReasonCode explains a Decision.
type ReasonCode string

const (
	ReasonVacation         ReasonCode = "vacation"
	ReasonDisabled         ReasonCode = "automation_disabled"
	ReasonScheduleActive   ReasonCode = "schedule_active"
	ReasonNoScheduleActive ReasonCode = "no_schedule_active"
)

// Flags are the effective automation flags for a group, after overrides.
type Flags struct {
	Enabled     bool
	WeatherMode bool
}

// DefaultFlags returns the base flag values before layering.
func DefaultFlags() Flags {
	return Flags{Enabled: true, WeatherMode: true}
}

// ConditionsSnapshot records what the evaluator saw when it decided, for
// status output and event details.
type ConditionsSnapshot struct {
	WeatherState        string   `json:"weather_state,omitempty"`
	TemperatureF        *float64 `json:"temperature_f,omitempty"`
	PrecipitationActive *bool    `json:"precipitation_active,omitempty"`
	BlackIceRisk        *bool    `json:"black_ice_risk,omitempty"`
}

// Decision is the evaluator output.
type Decision struct {
	DesiredOn       bool
	WinningSchedule string
	Reason          ReasonCode
	Priority        *Priority
	Conditions      ConditionsSnapshot
}

// Input carries everything Evaluate needs. Now must be timezone-aware;
// Weather may be nil when no snapshot has ever been produced.
type Input struct {
	GroupName string
	Schedules []Schedule
	Flags     Flags
	Vacation  bool
	Weather   *weather.Snapshot
	Now       time.Time
}

// Evaluator resolves schedule windows against solar events at a fixed
// location. Evaluate performs no I/O and reads no clocks; identical inputs
// produce identical decisions.
type Evaluator struct {
	sun       *solar.Calculator
	latitude  float64
	longitude float64
}

// NewEvaluator creates an evaluator for the given location.
func NewEvaluator(sun *solar.Calculator, latitude, longitude float64) *Evaluator {
	return &Evaluator{sun: sun, latitude: latitude, longitude: longitude}
}

// candidate is a schedule whose window contains now.
type candidate struct {
	schedule *Schedule
	onTime   time.Time
}

// Evaluate decides the desired state for a group at the given instant.
func (e *Evaluator) Evaluate(in Input) Decision {
	snapCond := conditionsSnapshot(in.Weather)

	if in.Vacation {
		return Decision{DesiredOn: false, Reason: ReasonVacation, Conditions: snapCond}
	}
	if !in.Flags.Enabled {
		return Decision{DesiredOn: false, Reason: ReasonDisabled, Conditions: snapCond}
	}

	var candidates []candidate
	for i := range in.Schedules {
		s := &in.Schedules[i]
		if !s.Enabled {
			continue
		}
		if !s.Conditions.Empty() {
			if !in.Flags.WeatherMode {
				continue
			}
			if !e.conditionsHold(s.Conditions, in.Weather) {
				continue
			}
		}
		if onTime, active := e.windowContains(s, in.Now); active {
			candidates = append(candidates, candidate{schedule: s, onTime: onTime})
		}
	}

	if len(candidates) == 0 {
		return Decision{DesiredOn: false, Reason: ReasonNoScheduleActive, Conditions: snapCond}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.schedule.Priority != b.schedule.Priority {
			return a.schedule.Priority > b.schedule.Priority
		}
		if !a.onTime.Equal(b.onTime) {
			return a.onTime.Before(b.onTime)
		}
		return a.schedule.Name < b.schedule.Name
	})

	winner := candidates[0].schedule
	prio := winner.Priority
	return Decision{
		DesiredOn:       true,
		WinningSchedule: winner.Name,
		Reason:          ReasonScheduleActive,
		Priority:        &prio,
		Conditions:      snapCond,
	}
}

// windowContains reports whether now falls inside an instance of the
// schedule's window, considering both today's instance and yesterday's when
// the window crosses midnight. The window is half-open: [on, off).
func (e *Evaluator) windowContains(s *Schedule, now time.Time) (time.Time, bool) {
	today := now
	yesterday := now.AddDate(0, 0, -1)

	for _, day := range []time.Time{today, yesterday} {
		if !s.Days[isoWeekday(day)] {
			continue
		}
		onTime := e.resolve(s.On, day)
		var offTime time.Time
		if s.Off.Kind == KindDuration {
			offTime = onTime.Add(time.Duration(s.Off.Hours * float64(time.Hour)))
		} else {
			offTime = e.resolve(s.Off, day)
			if !offTime.After(onTime) {
				// Window crosses midnight: off belongs to the next day.
				offTime = offTime.AddDate(0, 0, 1)
			}
		}
		if !now.Before(onTime) && now.Before(offTime) {
			return onTime, true
		}
	}
	return time.Time{}, false
}

// resolve turns a TimeSpec into an instant on the given local date.
func (e *Evaluator) resolve(ts TimeSpec, date time.Time) time.Time {
	switch ts.Kind {
	case KindClock:
		return clockOn(date, ts.Value)
	case KindSunrise, KindSunset:
		st, err := e.sun.SunTimesFor(date, e.latitude, e.longitude)
		if err != nil {
			return clockOn(date, ts.Fallback)
		}
		base := st.Sunrise
		if ts.Kind == KindSunset {
			base = st.Sunset
		}
		return base.Add(time.Duration(ts.OffsetMinutes) * time.Minute)
	default:
		return clockOn(date, "00:00")
	}
}

func clockOn(date time.Time, hhmm string) time.Time {
	hour, minute, err := parseClock(hhmm)
	if err != nil {
		hour, minute = 0, 0
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, hour, minute, 0, 0, date.Location())
}

// conditionsHold evaluates a schedule's weather conditions against the
// snapshot. Offline or absent weather data fails every condition set.
func (e *Evaluator) conditionsHold(c Conditions, snap *weather.Snapshot) bool {
	if snap == nil || snap.IsOffline || snap.State == weather.StateOffline {
		return false
	}
	if c.TemperatureMaxF != nil {
		if snap.Current.TemperatureF == nil || *snap.Current.TemperatureF > *c.TemperatureMaxF {
			return false
		}
	}
	if c.PrecipitationActive != nil {
		if snap.Current.PrecipitationActive == nil || *snap.Current.PrecipitationActive != *c.PrecipitationActive {
			return false
		}
	}
	if c.BlackIceRisk != nil {
		if snap.BlackIceRisk != *c.BlackIceRisk {
			return false
		}
	}
	return true
}

func conditionsSnapshot(snap *weather.Snapshot) ConditionsSnapshot {
	if snap == nil {
		return ConditionsSnapshot{WeatherState: string(weather.StateOffline)}
	}
	risk := snap.BlackIceRisk
	return ConditionsSnapshot{
		WeatherState:        string(snap.State),
		TemperatureF:        snap.Current.TemperatureF,
		PrecipitationActive: snap.Current.PrecipitationActive,
		BlackIceRisk:        &risk,
	}
}
