// Package config defines the daemon configuration model, its YAML provider,
// and a file watcher for live reload.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/frostguard/frostguard/internal/schedule"
	"github.com/frostguard/frostguard/internal/weather"
)

// Duration parses "10m" style YAML values into a time.Duration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete daemon configuration.
type Config struct {
	Location      LocationConfig      `yaml:"location"`
	DataDir       string              `yaml:"data_dir"`
	Scheduler     SchedulerConfig     `yaml:"scheduler,omitempty"`
	Safety        SafetyConfig        `yaml:"safety,omitempty"`
	Thresholds    ThresholdsConfig    `yaml:"thresholds,omitempty"`
	WeatherAPI    WeatherAPIConfig    `yaml:"weather_api,omitempty"`
	Groups        []GroupConfig       `yaml:"groups"`
	VacationMode  bool                `yaml:"vacation_mode,omitempty"`
	Notifications NotificationsConfig `yaml:"notifications,omitempty"`
	API           APIConfig           `yaml:"api,omitempty"`
	Logging       LoggingConfig       `yaml:"logging,omitempty"`
}

// LocationConfig anchors solar and forecast lookups.
type LocationConfig struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Timezone  string  `yaml:"timezone"`
}

// SchedulerConfig tunes the control loop.
type SchedulerConfig struct {
	TickInterval Duration `yaml:"tick_interval,omitempty"`
}

// SafetyConfig holds runtime limits. Group and schedule settings override
// these defaults; zero values disable a limit.
type SafetyConfig struct {
	MaxRuntimeHours float64 `yaml:"max_runtime_hours,omitempty"`
	CooldownMinutes int     `yaml:"cooldown_minutes,omitempty"`
}

// ThresholdsConfig groups detection thresholds.
type ThresholdsConfig struct {
	BlackIceDetection BlackIceConfig `yaml:"black_ice_detection,omitempty"`
}

// BlackIceConfig tunes the black ice heuristic. An omitted enabled field
// keeps detection on.
type BlackIceConfig struct {
	Enabled        *bool    `yaml:"enabled,omitempty"`
	MaxTempF       *float64 `yaml:"max_temp_f,omitempty"`
	SpreadF        *float64 `yaml:"spread_f,omitempty"`
	MinHumidityPct *float64 `yaml:"min_humidity_pct,omitempty"`
}

// WeatherAPIConfig tunes the forecast provider and its resilience policy.
type WeatherAPIConfig struct {
	Provider         string   `yaml:"provider,omitempty"` // only open-meteo
	Endpoint         string   `yaml:"endpoint,omitempty"`
	RefreshInterval  Duration `yaml:"refresh_interval,omitempty"`
	RetryInterval    Duration `yaml:"retry_interval,omitempty"`
	MaxRetryInterval Duration `yaml:"max_retry_interval,omitempty"`
	CacheValidFor    Duration `yaml:"cache_valid_for,omitempty"`
	HorizonHours     int      `yaml:"horizon_hours,omitempty"`
}

// GroupConfig is one controlled plug group.
type GroupConfig struct {
	Name      string           `yaml:"name"`
	Devices   []DeviceConfig   `yaml:"devices"`
	Safety    *SafetyConfig    `yaml:"safety,omitempty"`
	Schedules []ScheduleConfig `yaml:"schedules,omitempty"`

	// Legacy single-window form, migrated to one clock schedule when no
	// schedules list is present.
	OnTime  string `yaml:"on_time,omitempty"`
	OffTime string `yaml:"off_time,omitempty"`
}

// DeviceConfig is one plug endpoint.
type DeviceConfig struct {
	Name             string   `yaml:"name"`
	IPAddress        string   `yaml:"ip_address"`
	Outlets          []int    `yaml:"outlets,omitempty"`
	DiscoveryTimeout Duration `yaml:"discovery_timeout,omitempty"`
}

// ScheduleConfig is the YAML form of one activation rule.
type ScheduleConfig struct {
	Name       string            `yaml:"name"`
	Enabled    *bool             `yaml:"enabled,omitempty"` // default true
	Priority   string            `yaml:"priority,omitempty"`
	Days       []string          `yaml:"days"`
	TurnOn     TimeSpecConfig    `yaml:"turn_on"`
	TurnOff    TimeSpecConfig    `yaml:"turn_off"`
	Conditions *ConditionsConfig `yaml:"conditions,omitempty"`
	Safety     *SafetyConfig     `yaml:"safety,omitempty"`
}

// TimeSpecConfig is the YAML form of a time specification.
type TimeSpecConfig struct {
	Type          string  `yaml:"type"` // clock, sunrise, sunset, duration
	Value         string  `yaml:"value,omitempty"`
	OffsetMinutes int     `yaml:"offset_minutes,omitempty"`
	Fallback      string  `yaml:"fallback,omitempty"`
	Hours         float64 `yaml:"hours,omitempty"`
}

// ConditionsConfig gates a schedule on weather.
type ConditionsConfig struct {
	TemperatureMaxF     *float64 `yaml:"temperature_max_f,omitempty"`
	PrecipitationActive *bool    `yaml:"precipitation_active,omitempty"`
	BlackIceRisk        *bool    `yaml:"black_ice_risk,omitempty"`
}

// NotificationsConfig wires the dispatcher.
type NotificationsConfig struct {
	TestOnStartup bool                       `yaml:"test_on_startup,omitempty"`
	Email         *EmailSinkConfig           `yaml:"email,omitempty"`
	Webhook       *WebhookSinkConfig         `yaml:"webhook,omitempty"`
	Routing       map[string]map[string]bool `yaml:"routing,omitempty"`
	Summary       SummaryConfig              `yaml:"summary,omitempty"`
	Journal       JournalConfig              `yaml:"journal,omitempty"`
}

// EmailSinkConfig configures the email sink.
type EmailSinkConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port,omitempty"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	Username string   `yaml:"username,omitempty"`
	Password string   `yaml:"password,omitempty"`
	Required bool     `yaml:"required,omitempty"`
}

// WebhookSinkConfig configures the webhook sink.
type WebhookSinkConfig struct {
	URL          string            `yaml:"url"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	Required     bool              `yaml:"required,omitempty"`
	MaxPerMinute int               `yaml:"max_per_minute,omitempty"`
}

// SummaryConfig tunes the daily forecast summary.
type SummaryConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Mode    string `yaml:"mode,omitempty"` // on_change or always
	At      string `yaml:"at,omitempty"`   // "HH:MM" local
}

// JournalConfig tunes the event journal.
type JournalConfig struct {
	RetentionDays int `yaml:"retention_days,omitempty"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr,omitempty"`
	PIN        string `yaml:"pin,omitempty"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Debug bool   `yaml:"debug,omitempty"`
	File  string `yaml:"file,omitempty"`
}

var dayTokens = map[string]int{
	"mon": 1, "monday": 1,
	"tue": 2, "tuesday": 2,
	"wed": 3, "wednesday": 3,
	"thu": 4, "thursday": 4,
	"fri": 5, "friday": 5,
	"sat": 6, "saturday": 6,
	"sun": 7, "sunday": 7,
}

// Validate checks the whole configuration and reports the first problem with
// its field path.
func (c *Config) Validate() error {
	if c.Location.Latitude < -90 || c.Location.Latitude > 90 {
		return fmt.Errorf("location.latitude: %v out of range [-90, 90]", c.Location.Latitude)
	}
	if c.Location.Longitude < -180 || c.Location.Longitude > 180 {
		return fmt.Errorf("location.longitude: %v out of range [-180, 180]", c.Location.Longitude)
	}
	if c.Location.Timezone != "" {
		if _, err := time.LoadLocation(c.Location.Timezone); err != nil {
			return fmt.Errorf("location.timezone: %v", err)
		}
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir: must not be empty")
	}
	if len(c.Groups) == 0 {
		return fmt.Errorf("groups: at least one group is required")
	}

	seen := make(map[string]bool)
	for i, g := range c.Groups {
		path := fmt.Sprintf("groups[%d]", i)
		if g.Name == "" {
			return fmt.Errorf("%s.name: must not be empty", path)
		}
		if seen[g.Name] {
			return fmt.Errorf("%s.name: duplicate group %q", path, g.Name)
		}
		seen[g.Name] = true
		if len(g.Devices) == 0 {
			return fmt.Errorf("%s.devices: at least one device is required", path)
		}
		for j, d := range g.Devices {
			if d.Name == "" {
				return fmt.Errorf("%s.devices[%d].name: must not be empty", path, j)
			}
			if d.IPAddress == "" {
				return fmt.Errorf("%s.devices[%d].ip_address: must not be empty", path, j)
			}
		}
		if len(g.Schedules) > 0 && (g.OnTime != "" || g.OffTime != "") {
			return fmt.Errorf("%s: on_time/off_time cannot be combined with a schedules list", path)
		}
		if (g.OnTime == "") != (g.OffTime == "") {
			return fmt.Errorf("%s: on_time and off_time must be set together", path)
		}
		if _, err := g.BuildSchedules(); err != nil {
			return fmt.Errorf("%s: %v", path, err)
		}
	}

	if c.Notifications.Routing != nil {
		known := knownSinks(c.Notifications)
		for evType, targets := range c.Notifications.Routing {
			for sink := range targets {
				if !known[sink] {
					return fmt.Errorf("notifications.routing.%s: unknown sink %q", evType, sink)
				}
			}
		}
	}
	if mode := c.Notifications.Summary.Mode; mode != "" && mode != "on_change" && mode != "always" {
		return fmt.Errorf("notifications.summary.mode: %q (want on_change or always)", mode)
	}
	if c.WeatherAPI.Provider != "" && c.WeatherAPI.Provider != "open-meteo" {
		return fmt.Errorf("weather_api.provider: unsupported provider %q", c.WeatherAPI.Provider)
	}
	return nil
}

func knownSinks(n NotificationsConfig) map[string]bool {
	out := make(map[string]bool)
	if n.Email != nil {
		out["email"] = true
	}
	if n.Webhook != nil {
		out["webhook"] = true
	}
	return out
}

// Timezone returns the configured location, defaulting to local time.
func (c *Config) Timezone() (*time.Location, error) {
	if c.Location.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Location.Timezone)
}

// Resilience converts the weather section to the service policy, filling
// defaults for unset fields.
func (c *Config) Resilience() weather.ResilienceConfig {
	r := weather.DefaultResilienceConfig()
	w := c.WeatherAPI
	if w.RefreshInterval > 0 {
		r.RefreshInterval = w.RefreshInterval.Std()
	}
	if w.RetryInterval > 0 {
		r.RetryInterval = w.RetryInterval.Std()
	}
	if w.MaxRetryInterval > 0 {
		r.MaxRetryInterval = w.MaxRetryInterval.Std()
	}
	if w.CacheValidFor > 0 {
		r.CacheValidFor = w.CacheValidFor.Std()
	}
	if w.HorizonHours > 0 {
		r.HorizonHours = w.HorizonHours
	}
	return r
}

// BlackIce converts the threshold section, filling defaults.
func (c *Config) BlackIce() weather.BlackIceThresholds {
	t := weather.DefaultBlackIceThresholds()
	b := c.Thresholds.BlackIceDetection
	if b.Enabled != nil {
		t.Enabled = *b.Enabled
	}
	if b.MaxTempF != nil {
		t.MaxTempF = *b.MaxTempF
	}
	if b.SpreadF != nil {
		t.SpreadF = *b.SpreadF
	}
	if b.MinHumidityPct != nil {
		t.MinHumidityPct = *b.MinHumidityPct
	}
	return t
}

// BuildSchedules converts the group's schedule list to the evaluator model.
// A group with only the legacy on_time/off_time pair gets a single everyday
// clock schedule named "legacy".
func (g *GroupConfig) BuildSchedules() ([]schedule.Schedule, error) {
	if len(g.Schedules) == 0 {
		if g.OnTime == "" {
			return nil, nil
		}
		legacy := ScheduleConfig{
			Name:    "legacy",
			Days:    []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"},
			TurnOn:  TimeSpecConfig{Type: "clock", Value: g.OnTime},
			TurnOff: TimeSpecConfig{Type: "clock", Value: g.OffTime},
		}
		s, err := legacy.build()
		if err != nil {
			return nil, fmt.Errorf("legacy on_time/off_time: %v", err)
		}
		return []schedule.Schedule{s}, nil
	}

	out := make([]schedule.Schedule, 0, len(g.Schedules))
	names := make(map[string]bool)
	for i, sc := range g.Schedules {
		s, err := sc.build()
		if err != nil {
			return nil, fmt.Errorf("schedules[%d]: %v", i, err)
		}
		if names[s.Name] {
			return nil, fmt.Errorf("schedules[%d].name: duplicate schedule %q", i, s.Name)
		}
		names[s.Name] = true
		out = append(out, s)
	}
	return out, nil
}

// EffectiveSafety resolves the group's runtime limits over the global
// defaults.
func (g *GroupConfig) EffectiveSafety(defaults SafetyConfig) schedule.Safety {
	eff := defaults
	if g.Safety != nil {
		eff = *g.Safety
	}
	return schedule.Safety{
		MaxRuntimeHours: eff.MaxRuntimeHours,
		CooldownMinutes: eff.CooldownMinutes,
	}
}

func (sc *ScheduleConfig) build() (schedule.Schedule, error) {
	prio, err := schedule.ParsePriority(sc.Priority)
	if err != nil {
		return schedule.Schedule{}, err
	}

	days := make(map[int]bool)
	for _, tok := range sc.Days {
		d, ok := dayTokens[strings.ToLower(strings.TrimSpace(tok))]
		if !ok {
			return schedule.Schedule{}, fmt.Errorf("unknown day %q", tok)
		}
		days[d] = true
	}

	enabled := true
	if sc.Enabled != nil {
		enabled = *sc.Enabled
	}

	s := schedule.Schedule{
		Name:     sc.Name,
		Enabled:  enabled,
		Priority: prio,
		Days:     days,
		On:       sc.TurnOn.build(),
		Off:      sc.TurnOff.build(),
	}
	if sc.Conditions != nil {
		s.Conditions = schedule.Conditions{
			TemperatureMaxF:     sc.Conditions.TemperatureMaxF,
			PrecipitationActive: sc.Conditions.PrecipitationActive,
			BlackIceRisk:        sc.Conditions.BlackIceRisk,
		}
	}
	if sc.Safety != nil {
		s.Safety = &schedule.Safety{
			MaxRuntimeHours: sc.Safety.MaxRuntimeHours,
			CooldownMinutes: sc.Safety.CooldownMinutes,
		}
	}
	if err := s.Validate(); err != nil {
		return schedule.Schedule{}, err
	}
	return s, nil
}

func (tc TimeSpecConfig) build() schedule.TimeSpec {
	return schedule.TimeSpec{
		Kind:          schedule.TimeSpecKind(tc.Type),
		Value:         tc.Value,
		OffsetMinutes: tc.OffsetMinutes,
		Fallback:      tc.Fallback,
		Hours:         tc.Hours,
	}
}

// GroupNames returns the configured group names, sorted.
func (c *Config) GroupNames() []string {
	names := make([]string, 0, len(c.Groups))
	for _, g := range c.Groups {
		names = append(names, g.Name)
	}
	sort.Strings(names)
	return names
}
