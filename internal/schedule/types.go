// Package schedule defines the activation rule model and the pure evaluator
// that decides whether a group should be on at a given instant.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Priority orders schedules for conflict resolution.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// ParsePriority parses a priority token. Empty defaults to normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q (want critical, normal, or low)", s)
	}
}

// TimeSpecKind tags the TimeSpec union.
type TimeSpecKind string

const (
	KindClock    TimeSpecKind = "clock"
	KindSunrise  TimeSpecKind = "sunrise"
	KindSunset   TimeSpecKind = "sunset"
	KindDuration TimeSpecKind = "duration"
)

// TimeSpec is a tagged specification of a time of day. Duration is only
// valid as an off time and means "Hours after the resolved on time".
type TimeSpec struct {
	Kind          TimeSpecKind
	Value         string  // clock: "HH:MM"
	OffsetMinutes int     // sunrise/sunset: [-180, 180]
	Fallback      string  // sunrise/sunset: "HH:MM" used when the solar event cannot be computed
	Hours         float64 // duration: > 0
}

// parseClock validates and splits an "HH:MM" string.
func parseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid clock time %q (want HH:MM)", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in clock time %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in clock time %q", s)
	}
	return hour, minute, nil
}

// Validate checks the spec's invariants. off distinguishes specs used in the
// off position, where duration is allowed.
func (ts TimeSpec) Validate(off bool) error {
	switch ts.Kind {
	case KindClock:
		_, _, err := parseClock(ts.Value)
		return err
	case KindSunrise, KindSunset:
		if ts.OffsetMinutes < -180 || ts.OffsetMinutes > 180 {
			return fmt.Errorf("%s offset %d out of range [-180, 180]", ts.Kind, ts.OffsetMinutes)
		}
		if _, _, err := parseClock(ts.Fallback); err != nil {
			return fmt.Errorf("%s fallback: %v", ts.Kind, err)
		}
		return nil
	case KindDuration:
		if !off {
			return fmt.Errorf("duration is only valid as an off time")
		}
		if ts.Hours <= 0 {
			return fmt.Errorf("duration hours must be positive, got %v", ts.Hours)
		}
		return nil
	default:
		return fmt.Errorf("unknown time spec kind %q", ts.Kind)
	}
}

// Conditions gate a schedule on current weather. All present conditions must
// hold.
type Conditions struct {
	TemperatureMaxF     *float64
	PrecipitationActive *bool
	BlackIceRisk        *bool
}

// Empty reports whether no condition is set.
func (c Conditions) Empty() bool {
	return c.TemperatureMaxF == nil && c.PrecipitationActive == nil && c.BlackIceRisk == nil
}

// Safety limits a group's continuous runtime.
type Safety struct {
	MaxRuntimeHours float64
	CooldownMinutes int
}

// Schedule is a named activation rule for a group.
type Schedule struct {
	Name       string
	Enabled    bool
	Priority   Priority
	Days       map[int]bool // ISO weekday, 1 = Monday
	On         TimeSpec
	Off        TimeSpec
	Conditions Conditions
	Safety     *Safety // overrides group defaults when set
}

// Validate checks the schedule's invariants.
func (s Schedule) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schedule name must not be empty")
	}
	if len(s.Days) == 0 {
		return fmt.Errorf("schedule %q: days must not be empty", s.Name)
	}
	for d := range s.Days {
		if d < 1 || d > 7 {
			return fmt.Errorf("schedule %q: day %d out of range 1..7", s.Name, d)
		}
	}
	if err := s.On.Validate(false); err != nil {
		return fmt.Errorf("schedule %q on: %v", s.Name, err)
	}
	if err := s.Off.Validate(true); err != nil {
		return fmt.Errorf("schedule %q off: %v", s.Name, err)
	}
	return nil
}

// isoWeekday returns the ISO weekday (1 = Monday) of t.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}
