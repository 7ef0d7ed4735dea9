package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/frostguard/frostguard/internal/schedule"
)

const sampleConfig = `
location:
  latitude: 40.71
  longitude: -74.0
  timezone: America/New_York
data_dir: /var/lib/frostguard
scheduler:
  tick_interval: 1m
safety:
  max_runtime_hours: 8
  cooldown_minutes: 30
thresholds:
  black_ice_detection:
    enabled: true
    max_temp_f: 34
weather_api:
  provider: open-meteo
  refresh_interval: 10m
  cache_valid_for: 6h
groups:
  - name: driveway
    devices:
      - name: plug-east
        ip_address: 10.0.0.21
        outlets: [0, 1]
      - name: plug-west
        ip_address: 10.0.0.22
    schedules:
      - name: overnight
        priority: normal
        days: [mon, tue, wed, thu, fri, sat, sun]
        turn_on: {type: clock, value: "22:00"}
        turn_off: {type: clock, value: "06:00"}
      - name: black-ice
        priority: critical
        days: [mon, tue, wed, thu, fri, sat, sun]
        turn_on: {type: sunset, offset_minutes: -30, fallback: "17:00"}
        turn_off: {type: duration, hours: 6}
        conditions:
          black_ice_risk: true
  - name: walkway
    devices:
      - name: plug-front
        ip_address: 10.0.0.23
    on_time: "23:00"
    off_time: "05:00"
notifications:
  test_on_startup: true
  email:
    host: smtp.example.net
    from: frostguard@example.net
    to: [ops@example.net]
    required: true
  webhook:
    url: https://hooks.example.net/frostguard
  routing:
    safety_max_runtime:
      email: true
  summary:
    enabled: true
    mode: on_change
    at: "06:00"
api:
  listen_addr: ":8750"
  pin: "4821"
`

func writeConfig(t *testing.T, content string) *YAMLProvider {
	t.Helper()
	path := filepath.Join(t.TempDir(), "frostguard.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return NewYAMLProvider(path)
}

func TestLoadSampleConfig(t *testing.T) {
	p := writeConfig(t, sampleConfig)
	cfg, err := p.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Location.Latitude != 40.71 {
		t.Errorf("latitude = %v, want 40.71", cfg.Location.Latitude)
	}
	if cfg.Scheduler.TickInterval.Std() != time.Minute {
		t.Errorf("tick_interval = %v, want 1m", cfg.Scheduler.TickInterval)
	}
	if got := cfg.Resilience().RefreshInterval; got != 10*time.Minute {
		t.Errorf("refresh interval = %v, want 10m", got)
	}
	// Unset resilience fields fall back to defaults.
	if got := cfg.Resilience().MaxRetryInterval; got != 60*time.Minute {
		t.Errorf("max retry interval = %v, want the 60m default", got)
	}
	if bi := cfg.BlackIce(); !bi.Enabled || bi.MaxTempF != 34 || bi.SpreadF != 4 {
		t.Errorf("black ice thresholds = %+v, want enabled, max 34, default spread 4", bi)
	}
	if !cfg.Notifications.Email.Required {
		t.Error("email sink should be required")
	}
	if got := cfg.GroupNames(); len(got) != 2 || got[0] != "driveway" || got[1] != "walkway" {
		t.Errorf("group names = %v", got)
	}

	scheds, err := cfg.Groups[0].BuildSchedules()
	if err != nil {
		t.Fatalf("BuildSchedules: %v", err)
	}
	if len(scheds) != 2 {
		t.Fatalf("driveway has %d schedule(s), want 2", len(scheds))
	}
	if scheds[1].Priority != schedule.PriorityCritical {
		t.Errorf("black-ice priority = %v, want critical", scheds[1].Priority)
	}
	if scheds[1].On.Kind != schedule.KindSunset || scheds[1].On.OffsetMinutes != -30 {
		t.Errorf("black-ice on spec = %+v", scheds[1].On)
	}
	if scheds[1].Off.Kind != schedule.KindDuration || scheds[1].Off.Hours != 6 {
		t.Errorf("black-ice off spec = %+v", scheds[1].Off)
	}
	if scheds[1].Conditions.BlackIceRisk == nil || !*scheds[1].Conditions.BlackIceRisk {
		t.Error("black-ice condition should be set")
	}
}

func TestLegacyWindowMigration(t *testing.T) {
	p := writeConfig(t, sampleConfig)
	cfg, err := p.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	scheds, err := cfg.Groups[1].BuildSchedules()
	if err != nil {
		t.Fatalf("BuildSchedules: %v", err)
	}
	if len(scheds) != 1 {
		t.Fatalf("legacy group has %d schedule(s), want 1", len(scheds))
	}
	s := scheds[0]
	if s.Name != "legacy" || !s.Enabled {
		t.Errorf("migrated schedule = %+v, want enabled schedule named legacy", s)
	}
	if len(s.Days) != 7 {
		t.Errorf("migrated schedule covers %d day(s), want 7", len(s.Days))
	}
	if s.On.Kind != schedule.KindClock || s.On.Value != "23:00" {
		t.Errorf("migrated on spec = %+v", s.On)
	}
	if s.Off.Value != "05:00" {
		t.Errorf("migrated off spec = %+v", s.Off)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantSub string
	}{
		{
			name:    "latitude out of range",
			mutate:  func(c *Config) { c.Location.Latitude = 91 },
			wantSub: "location.latitude",
		},
		{
			name:    "bad timezone",
			mutate:  func(c *Config) { c.Location.Timezone = "Mars/Olympus" },
			wantSub: "location.timezone",
		},
		{
			name:    "missing data dir",
			mutate:  func(c *Config) { c.DataDir = "" },
			wantSub: "data_dir",
		},
		{
			name:    "no groups",
			mutate:  func(c *Config) { c.Groups = nil },
			wantSub: "groups",
		},
		{
			name: "duplicate group name",
			mutate: func(c *Config) {
				c.Groups = append(c.Groups, c.Groups[0])
			},
			wantSub: "duplicate group",
		},
		{
			name:    "device without address",
			mutate:  func(c *Config) { c.Groups[0].Devices[0].IPAddress = "" },
			wantSub: "ip_address",
		},
		{
			name: "legacy and schedules combined",
			mutate: func(c *Config) {
				c.Groups[0].OnTime = "22:00"
				c.Groups[0].OffTime = "06:00"
			},
			wantSub: "cannot be combined",
		},
		{
			name:    "half a legacy window",
			mutate:  func(c *Config) { c.Groups[1].OffTime = "" },
			wantSub: "set together",
		},
		{
			name: "bad day token",
			mutate: func(c *Config) {
				c.Groups[0].Schedules[0].Days = []string{"moonday"}
			},
			wantSub: "unknown day",
		},
		{
			name: "duration as on time",
			mutate: func(c *Config) {
				c.Groups[0].Schedules[0].TurnOn = TimeSpecConfig{Type: "duration", Hours: 2}
			},
			wantSub: "duration",
		},
		{
			name: "routing to unknown sink",
			mutate: func(c *Config) {
				c.Notifications.Routing = map[string]map[string]bool{
					"device_lost": {"pager": true},
				}
			},
			wantSub: "unknown sink",
		},
		{
			name:    "bad summary mode",
			mutate:  func(c *Config) { c.Notifications.Summary.Mode = "hourly" },
			wantSub: "summary.mode",
		},
		{
			name:    "unsupported provider",
			mutate:  func(c *Config) { c.WeatherAPI.Provider = "darksky" },
			wantSub: "weather_api.provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := writeConfig(t, sampleConfig)
			cfg, err := p.Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatal("Validate accepted an invalid config")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestLoadKeepsPreviousOnFailure(t *testing.T) {
	p := writeConfig(t, sampleConfig)
	if _, err := p.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := os.WriteFile(p.Path(), []byte("groups: ["), 0o644); err != nil {
		t.Fatalf("corrupting config: %v", err)
	}
	if _, err := p.Load(); err == nil {
		t.Fatal("Load should reject a corrupt file")
	}

	cfg, err := p.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if len(cfg.Groups) != 2 {
		t.Errorf("previous config not retained, groups = %d", len(cfg.Groups))
	}
}

func TestEffectiveSafetyLayering(t *testing.T) {
	defaults := SafetyConfig{MaxRuntimeHours: 8, CooldownMinutes: 30}

	plain := GroupConfig{Name: "a"}
	if got := plain.EffectiveSafety(defaults); got.MaxRuntimeHours != 8 || got.CooldownMinutes != 30 {
		t.Errorf("defaults not applied: %+v", got)
	}

	override := GroupConfig{Name: "b", Safety: &SafetyConfig{MaxRuntimeHours: 2, CooldownMinutes: 10}}
	if got := override.EffectiveSafety(defaults); got.MaxRuntimeHours != 2 || got.CooldownMinutes != 10 {
		t.Errorf("group override not applied: %+v", got)
	}
}
