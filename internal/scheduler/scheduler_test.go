package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/frostguard/frostguard/internal/clock"
	"github.com/frostguard/frostguard/internal/devices"
	"github.com/frostguard/frostguard/internal/events"
	"github.com/frostguard/frostguard/internal/schedule"
	"github.com/frostguard/frostguard/internal/state"
	"github.com/frostguard/frostguard/internal/weather"
	"github.com/frostguard/frostguard/pkg/solar"
)

// fakeController is an in-memory device controller.
type fakeController struct {
	mu        sync.Mutex
	on        map[string]bool
	readErr   error
	setErr    error
	setCalls  []bool
	refreshes int
}

func newFakeController() *fakeController {
	return &fakeController{on: make(map[string]bool)}
}

func (c *fakeController) InitDevice(ctx context.Context, group string, cfg devices.Config) error {
	return nil
}

func (c *fakeController) GroupState(ctx context.Context, group string) (devices.GroupState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return devices.GroupState{}, c.readErr
	}
	return devices.GroupState{IsOn: c.on[group], Online: true}, nil
}

func (c *fakeController) SetGroup(ctx context.Context, group string, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.on[group] = on
	c.setCalls = append(c.setCalls, on)
	return nil
}

func (c *fakeController) RefreshDevice(ctx context.Context, group, device string) error {
	c.mu.Lock()
	c.refreshes++
	c.mu.Unlock()
	return nil
}

func (c *fakeController) GroupDevices(group string) []devices.DeviceStatus {
	return []devices.DeviceStatus{{Name: "plug-1", IPAddress: "192.168.1.50"}}
}

func (c *fakeController) refreshCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshes
}

func (c *fakeController) isOn(group string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.on[group]
}

func (c *fakeController) setOn(group string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.on[group] = on
}

// recordingEmitter captures published events.
type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (e *recordingEmitter) Publish(ev events.Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *recordingEmitter) types() []events.Type {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]events.Type, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Type
	}
	return out
}

func (e *recordingEmitter) has(t events.Type) bool {
	for _, got := range e.types() {
		if got == t {
			return true
		}
	}
	return false
}

// staticWeather serves a fixed snapshot.
type staticWeather struct {
	snap *weather.Snapshot
	err  error
}

func (w *staticWeather) Snapshot() (*weather.Snapshot, error) { return w.snap, w.err }

func allDays() map[int]bool {
	days := make(map[int]bool)
	for d := 1; d <= 7; d++ {
		days[d] = true
	}
	return days
}

func nightSchedule(name, on, off string) schedule.Schedule {
	return schedule.Schedule{
		Name:     name,
		Enabled:  true,
		Priority: schedule.PriorityNormal,
		Days:     allDays(),
		On:       schedule.TimeSpec{Kind: schedule.KindClock, Value: on},
		Off:      schedule.TimeSpec{Kind: schedule.KindClock, Value: off},
	}
}

type fixture struct {
	sched   *Scheduler
	ctrl    *fakeController
	emitter *recordingEmitter
	clk     *clock.Fake
	manual  *state.ManualStore
	runtime *state.RuntimeStore
}

func newFixture(t *testing.T, clk *clock.Fake, groups []Group, w WeatherSource) *fixture {
	t.Helper()
	dir := t.TempDir()

	ctrl := newFakeController()
	emitter := &recordingEmitter{}
	runtime := state.NewRuntimeStore(filepath.Join(dir, "runtime.json"))
	manual := state.NewManualStore(filepath.Join(dir, "manual.json"), clk)
	automation := state.NewAutomationStore(filepath.Join(dir, "automation.json"))

	ev := schedule.NewEvaluator(solar.NewCalculator(), 40.7, -74.0)
	sched, err := New(Options{
		Groups:     groups,
		Evaluator:  ev,
		Weather:    w,
		Devices:    ctrl,
		Runtime:    runtime,
		Manual:     manual,
		Automation: automation,
		Emitter:    emitter,
		Clock:      clk,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{sched: sched, ctrl: ctrl, emitter: emitter, clk: clk, manual: manual, runtime: runtime}
}

func TestSchedulerDefaultInterval(t *testing.T) {
	tz, _ := time.LoadLocation("America/New_York")
	clk := clock.NewFake(time.Date(2026, 1, 14, 12, 0, 0, 0, tz))
	groups := []Group{{Name: "driveway", Schedules: []schedule.Schedule{nightSchedule("overnight", "22:00", "06:00")}}}

	// The fixture leaves Interval unset; the ten-minute default applies.
	f := newFixture(t, clk, groups, nil)
	if f.sched.interval != 10*time.Minute {
		t.Fatalf("default interval = %v, want 10m", f.sched.interval)
	}
}

func TestSchedulerFollowsWindow(t *testing.T) {
	tz, _ := time.LoadLocation("America/New_York")
	clk := clock.NewFake(time.Date(2026, 1, 14, 21, 59, 0, 0, tz)) // Wednesday
	groups := []Group{{Name: "driveway", Schedules: []schedule.Schedule{nightSchedule("overnight", "22:00", "06:00")}}}
	f := newFixture(t, clk, groups, nil)
	ctx := context.Background()

	f.sched.Tick(ctx)
	if f.ctrl.isOn("driveway") {
		t.Fatal("group should be off one minute before the window")
	}

	clk.Advance(time.Minute) // 22:00, window opens
	f.sched.Tick(ctx)
	if !f.ctrl.isOn("driveway") {
		t.Fatal("group should turn on at the window start")
	}

	clk.Advance(4 * time.Hour) // 02:00, still inside the cross-midnight window
	f.sched.Tick(ctx)
	if !f.ctrl.isOn("driveway") {
		t.Fatal("group should stay on across midnight")
	}

	clk.Set(time.Date(2026, 1, 15, 6, 0, 0, 0, tz)) // off boundary is exclusive
	f.sched.Tick(ctx)
	if f.ctrl.isOn("driveway") {
		t.Fatal("group should turn off at the window end")
	}

	rt := f.runtime.Get("driveway")
	if rt.IsOn || rt.OnSince != nil {
		t.Errorf("runtime state after off = %+v, want cleared", rt)
	}
}

func TestSchedulerManualOverrideWinsAndExpires(t *testing.T) {
	tz, _ := time.LoadLocation("America/New_York")
	clk := clock.NewFake(time.Date(2026, 1, 14, 23, 0, 0, 0, tz)) // inside window
	groups := []Group{{Name: "driveway", Schedules: []schedule.Schedule{nightSchedule("overnight", "22:00", "06:00")}}}
	f := newFixture(t, clk, groups, nil)
	ctx := context.Background()

	f.sched.Tick(ctx)
	if !f.ctrl.isOn("driveway") {
		t.Fatal("schedule should have the group on")
	}

	timeout := 30 * time.Minute
	if err := f.manual.Apply("driveway", state.ActionOff, &timeout); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	f.sched.Tick(ctx)
	if f.ctrl.isOn("driveway") {
		t.Fatal("manual off override should beat the active schedule")
	}
	rt := f.runtime.Get("driveway")
	if rt.LastActionSource != state.SourceManual {
		t.Errorf("last action source = %q, want manual", rt.LastActionSource)
	}

	// Override expires; the schedule (still inside its window) resumes.
	clk.Advance(31 * time.Minute)
	f.sched.Tick(ctx)
	if !f.ctrl.isOn("driveway") {
		t.Fatal("schedule control should resume after the override expires")
	}
	if !f.emitter.has(events.ManualOverrideExpired) {
		t.Errorf("events = %v, want manual_override_expired", f.emitter.types())
	}
}

func TestSchedulerMaxRuntimeTripsAndCooldownHolds(t *testing.T) {
	tz, _ := time.LoadLocation("America/New_York")
	clk := clock.NewFake(time.Date(2026, 1, 14, 22, 0, 0, 0, tz))
	groups := []Group{{
		Name:      "driveway",
		Schedules: []schedule.Schedule{nightSchedule("overnight", "22:00", "06:00")},
		Safety:    schedule.Safety{MaxRuntimeHours: 2, CooldownMinutes: 30},
	}}
	f := newFixture(t, clk, groups, nil)
	ctx := context.Background()

	f.sched.Tick(ctx)
	if !f.ctrl.isOn("driveway") {
		t.Fatal("group should be on inside the window")
	}

	clk.Advance(2 * time.Hour) // runtime limit reached
	f.sched.Tick(ctx)
	if f.ctrl.isOn("driveway") {
		t.Fatal("max runtime should force the group off")
	}
	if !f.emitter.has(events.SafetyMaxRuntime) {
		t.Fatalf("events = %v, want safety_max_runtime", f.emitter.types())
	}
	rt := f.runtime.Get("driveway")
	if rt.LastActionSource != state.SourceSafety {
		t.Errorf("last action source = %q, want safety", rt.LastActionSource)
	}
	if rt.CooldownUntil == nil {
		t.Fatal("cooldown should be armed")
	}

	// Still inside the schedule window, but the cooldown holds the group off.
	clk.Advance(10 * time.Minute)
	f.sched.Tick(ctx)
	if f.ctrl.isOn("driveway") {
		t.Fatal("cooldown should keep the group off")
	}

	// Cooldown elapses; the schedule turns it back on.
	clk.Advance(21 * time.Minute)
	f.sched.Tick(ctx)
	if !f.ctrl.isOn("driveway") {
		t.Fatal("group should turn back on after the cooldown")
	}
}

func TestSchedulerSafetyClearsManualOverride(t *testing.T) {
	tz, _ := time.LoadLocation("America/New_York")
	clk := clock.NewFake(time.Date(2026, 1, 14, 12, 0, 0, 0, tz)) // outside any window
	groups := []Group{{
		Name:      "driveway",
		Schedules: []schedule.Schedule{nightSchedule("overnight", "22:00", "06:00")},
		Safety:    schedule.Safety{MaxRuntimeHours: 1, CooldownMinutes: 15},
	}}
	f := newFixture(t, clk, groups, nil)
	ctx := context.Background()

	if err := f.manual.Apply("driveway", state.ActionOn, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	f.sched.Tick(ctx)
	if !f.ctrl.isOn("driveway") {
		t.Fatal("manual on override should turn the group on")
	}

	clk.Advance(time.Hour)
	f.sched.Tick(ctx)
	if f.ctrl.isOn("driveway") {
		t.Fatal("max runtime applies to manual overrides too")
	}
	if !f.emitter.has(events.ManualOverrideSafety) {
		t.Fatalf("events = %v, want manual_override_expired_safety", f.emitter.types())
	}
	if ov, _ := f.manual.Active("driveway"); ov != nil {
		t.Fatal("the override should have been cleared")
	}
}

func TestSchedulerConnectivityLostAndRestored(t *testing.T) {
	tz, _ := time.LoadLocation("America/New_York")
	clk := clock.NewFake(time.Date(2026, 1, 14, 12, 0, 0, 0, tz))
	groups := []Group{{Name: "driveway", Schedules: []schedule.Schedule{nightSchedule("overnight", "22:00", "06:00")}}}
	f := newFixture(t, clk, groups, nil)
	ctx := context.Background()

	f.sched.Tick(ctx) // healthy baseline

	f.ctrl.mu.Lock()
	f.ctrl.readErr = errors.New("connection refused")
	f.ctrl.mu.Unlock()

	for i := 0; i < connectivityLostAfter; i++ {
		clk.Advance(time.Minute)
		f.sched.Tick(ctx)
	}
	if !f.emitter.has(events.ConnectivityLost) {
		t.Fatalf("events = %v, want connectivity_lost after %d failures", f.emitter.types(), connectivityLostAfter)
	}

	// One more failing tick must not emit again.
	before := len(f.emitter.types())
	clk.Advance(time.Minute)
	f.sched.Tick(ctx)
	if got := len(f.emitter.types()); got != before {
		t.Fatalf("connectivity_lost should emit once, events = %v", f.emitter.types())
	}

	f.ctrl.mu.Lock()
	f.ctrl.readErr = nil
	f.ctrl.mu.Unlock()
	clk.Advance(time.Minute)
	f.sched.Tick(ctx)
	if !f.emitter.has(events.ConnectivityRestored) {
		t.Fatalf("events = %v, want connectivity_restored", f.emitter.types())
	}
}

func TestSchedulerCommandFailuresLoseConnectivity(t *testing.T) {
	tz, _ := time.LoadLocation("America/New_York")
	clk := clock.NewFake(time.Date(2026, 1, 14, 23, 0, 0, 0, tz)) // inside window
	groups := []Group{{Name: "driveway", Schedules: []schedule.Schedule{nightSchedule("overnight", "22:00", "06:00")}}}
	f := newFixture(t, clk, groups, nil)
	ctx := context.Background()

	// Reads work, commands fail: the group never turns on and the failures
	// accumulate toward connectivity loss just like read failures.
	f.ctrl.mu.Lock()
	f.ctrl.setErr = errors.New("write: connection reset")
	f.ctrl.mu.Unlock()

	for i := 0; i < connectivityLostAfter; i++ {
		f.sched.Tick(ctx)
		clk.Advance(time.Minute)
	}
	if !f.emitter.has(events.ConnectivityLost) {
		t.Fatalf("events = %v, want connectivity_lost after %d command failures", f.emitter.types(), connectivityLostAfter)
	}

	// Once lost, the scheduler retries device discovery each failing tick.
	if got := f.ctrl.refreshCount(); got == 0 {
		t.Fatal("expected a device re-initialization attempt after connectivity loss")
	}

	f.ctrl.mu.Lock()
	f.ctrl.setErr = nil
	f.ctrl.mu.Unlock()
	f.sched.Tick(ctx)
	if !f.ctrl.isOn("driveway") {
		t.Fatal("group should turn on once commands succeed again")
	}
	if !f.emitter.has(events.ConnectivityRestored) {
		t.Fatalf("events = %v, want connectivity_restored", f.emitter.types())
	}
}

func TestSchedulerWindowEndSkipsSafetyTrip(t *testing.T) {
	tz, _ := time.LoadLocation("America/New_York")
	clk := clock.NewFake(time.Date(2026, 1, 14, 22, 0, 0, 0, tz))
	groups := []Group{{
		Name:      "driveway",
		Schedules: []schedule.Schedule{nightSchedule("overnight", "22:00", "06:00")},
		Safety:    schedule.Safety{MaxRuntimeHours: 2, CooldownMinutes: 30},
	}}
	f := newFixture(t, clk, groups, nil)
	ctx := context.Background()

	f.sched.Tick(ctx)
	if !f.ctrl.isOn("driveway") {
		t.Fatal("group should be on inside the window")
	}

	// The window ends with the runtime limit long exceeded. The schedule-off
	// wins: a plain off, no safety event, no cooldown penalty.
	clk.Set(time.Date(2026, 1, 15, 6, 30, 0, 0, tz))
	f.sched.Tick(ctx)
	if f.ctrl.isOn("driveway") {
		t.Fatal("group should turn off at the window end")
	}
	if f.emitter.has(events.SafetyMaxRuntime) {
		t.Fatalf("events = %v, schedule-driven off must not trip the runtime limit", f.emitter.types())
	}
	rt := f.runtime.Get("driveway")
	if rt.CooldownUntil != nil {
		t.Errorf("cooldown armed at %v, want none for a schedule-driven off", rt.CooldownUntil)
	}
	if rt.LastActionSource != state.SourceSchedule {
		t.Errorf("last action source = %q, want schedule", rt.LastActionSource)
	}
}

func TestSchedulerFirstObservationStaysQuiet(t *testing.T) {
	tz, _ := time.LoadLocation("America/New_York")
	clk := clock.NewFake(time.Date(2026, 1, 14, 12, 0, 0, 0, tz))
	groups := []Group{{Name: "driveway", Schedules: []schedule.Schedule{nightSchedule("overnight", "22:00", "06:00")}}}
	f := newFixture(t, clk, groups, nil)
	ctx := context.Background()

	// The plug is already on at startup even though we never commanded it.
	f.ctrl.setOn("driveway", true)
	f.sched.Tick(ctx)
	if f.emitter.has(events.DeviceChanged) {
		t.Fatal("first observed state must not produce a device_changed event")
	}

	// A later out-of-band flip does.
	f.ctrl.setOn("driveway", true) // scheduler turned it off; someone turns it on
	clk.Advance(time.Minute)
	f.sched.Tick(ctx)
	if !f.emitter.has(events.DeviceChanged) {
		t.Fatalf("events = %v, want device_changed for an out-of-band flip", f.emitter.types())
	}
}

func TestSchedulerVacationForcesOff(t *testing.T) {
	tz, _ := time.LoadLocation("America/New_York")
	clk := clock.NewFake(time.Date(2026, 1, 14, 23, 0, 0, 0, tz)) // inside window
	dir := t.TempDir()

	ctrl := newFakeController()
	ctrl.setOn("driveway", true)
	emitter := &recordingEmitter{}
	runtime := state.NewRuntimeStore(filepath.Join(dir, "runtime.json"))
	manual := state.NewManualStore(filepath.Join(dir, "manual.json"), clk)
	automation := state.NewAutomationStore(filepath.Join(dir, "automation.json"))

	ev := schedule.NewEvaluator(solar.NewCalculator(), 40.7, -74.0)
	sched, err := New(Options{
		Groups:     []Group{{Name: "driveway", Schedules: []schedule.Schedule{nightSchedule("overnight", "22:00", "06:00")}}},
		Evaluator:  ev,
		Devices:    ctrl,
		Runtime:    runtime,
		Manual:     manual,
		Automation: automation,
		Emitter:    emitter,
		Clock:      clk,
		Vacation:   func() bool { return true },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sched.Tick(context.Background())
	if ctrl.isOn("driveway") {
		t.Fatal("vacation mode should force the group off inside its window")
	}
	if dec := sched.Decisions()["driveway"]; dec.Reason != schedule.ReasonVacation {
		t.Errorf("decision reason = %q, want vacation", dec.Reason)
	}
}

func TestSchedulerConditionalScheduleNeedsUsableWeather(t *testing.T) {
	tz, _ := time.LoadLocation("America/New_York")
	clk := clock.NewFake(time.Date(2026, 1, 14, 23, 0, 0, 0, tz)) // inside window
	maxTemp := 35.0
	sched := nightSchedule("cold-night", "22:00", "06:00")
	sched.Conditions = schedule.Conditions{TemperatureMaxF: &maxTemp}
	groups := []Group{{Name: "driveway", Schedules: []schedule.Schedule{sched}}}

	src := &staticWeather{snap: &weather.Snapshot{State: weather.StateOffline, IsOffline: true}}
	f := newFixture(t, clk, groups, src)
	ctx := context.Background()

	f.sched.Tick(ctx)
	if f.ctrl.isOn("driveway") {
		t.Fatal("conditional schedule must not fire without usable weather data")
	}

	temp := 28.0
	src.snap = &weather.Snapshot{State: weather.StateOnline, Current: weather.Current{TemperatureF: &temp}}
	clk.Advance(time.Minute)
	f.sched.Tick(ctx)
	if !f.ctrl.isOn("driveway") {
		t.Fatal("conditional schedule should fire once weather is back and cold enough")
	}
}

// rollingWeather serves a forecast regenerated from the fake clock, with the
// same temperature at each hour of day. Day over day it fingerprints as
// unchanged.
type rollingWeather struct{ clk *clock.Fake }

func (w *rollingWeather) Snapshot() (*weather.Snapshot, error) {
	now := w.clk.Now()
	hours := make([]weather.HourlyForecast, 0, 24)
	for i := 1; i <= 24; i++ {
		tm := now.Truncate(time.Hour).Add(time.Duration(i) * time.Hour)
		hours = append(hours, weather.HourlyForecast{
			Time:         tm,
			TemperatureF: 30 + float64(tm.Hour()%5),
			WindMPH:      10,
		})
	}
	return &weather.Snapshot{Provider: "test", Hours: hours}, nil
}

func TestSummaryReporterModes(t *testing.T) {
	tz, _ := time.LoadLocation("America/New_York")
	start := time.Date(2026, 1, 15, 6, 30, 0, 0, tz)
	clk := clock.NewFake(start)

	src := &rollingWeather{clk: clk}
	emitter := &recordingEmitter{}

	statePath := filepath.Join(t.TempDir(), "summary.json")
	r := NewSummaryReporter(SummaryConfig{Enabled: true, Mode: SummaryOnChange, At: "06:00", StatePath: statePath}, src, emitter, clk, tz)

	r.MaybeEmit()
	if got := len(emitter.types()); got != 1 {
		t.Fatalf("first due emission count = %d, want 1", got)
	}

	// The persisted state carries the hash, the emitted text, and the
	// timestamp of the last update.
	data, err := os.ReadFile(statePath)
	if err != nil {
		t.Fatalf("reading summary state: %v", err)
	}
	var onDisk map[string]interface{}
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("decoding summary state: %v", err)
	}
	for _, key := range []string{"version", "last_hash", "last_summary", "last_updated"} {
		if _, ok := onDisk[key]; !ok {
			t.Errorf("summary state is missing %q: %s", key, data)
		}
	}
	if s, _ := onDisk["last_summary"].(string); !strings.HasPrefix(s, "Next 24h:") {
		t.Errorf("last_summary = %q, want the emitted summary text", onDisk["last_summary"])
	}

	// Same day: never a second emission.
	clk.Advance(2 * time.Hour)
	r.MaybeEmit()
	if got := len(emitter.types()); got != 1 {
		t.Fatalf("same-day emission count = %d, want 1", got)
	}

	// Next day, identical forecast fingerprint: on_change stays quiet.
	clk.Set(start.AddDate(0, 0, 1))
	r.MaybeEmit()
	if got := len(emitter.types()); got != 1 {
		t.Fatalf("on_change with unchanged forecast emitted; count = %d, want 1", got)
	}

	// always mode emits daily regardless. State carries over via the file.
	r2 := NewSummaryReporter(SummaryConfig{Enabled: true, Mode: SummaryAlways, At: "06:00", StatePath: statePath}, src, emitter, clk, tz)
	clk.Set(start.AddDate(0, 0, 2))
	r2.MaybeEmit()
	if got := len(emitter.types()); got != 2 {
		t.Fatalf("always-mode emission count = %d, want 2", got)
	}
	if emitter.types()[0] != events.ForecastSummary {
		t.Errorf("event type = %s, want forecast_summary", emitter.types()[0])
	}

	// Before the due time nothing happens.
	clk.Set(time.Date(2026, 1, 18, 5, 0, 0, 0, tz))
	r2.MaybeEmit()
	if got := len(emitter.types()); got != 2 {
		t.Fatalf("pre-due emission count = %d, want 2", got)
	}
}
