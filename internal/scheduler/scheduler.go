// Package scheduler runs the control loop: every tick it reconciles each
// group's actual plug state with the desired state derived from schedules,
// manual overrides, safety limits, and the weather snapshot.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/frostguard/frostguard/internal/clock"
	"github.com/frostguard/frostguard/internal/devices"
	"github.com/frostguard/frostguard/internal/events"
	"github.com/frostguard/frostguard/internal/log"
	"github.com/frostguard/frostguard/internal/metrics"
	"github.com/frostguard/frostguard/internal/schedule"
	"github.com/frostguard/frostguard/internal/state"
	"github.com/frostguard/frostguard/internal/weather"
)

// DefaultTickInterval is the spacing between scheduler passes.
const DefaultTickInterval = 10 * time.Minute

// connectivityLostAfter is the consecutive read-failure count at which a
// group's devices are declared unreachable.
const connectivityLostAfter = 3

// Group is one controlled plug group with its activation rules.
type Group struct {
	Name      string
	Schedules []schedule.Schedule
	Safety    schedule.Safety // zero values disable the limits
}

// WeatherSource provides the current weather snapshot.
type WeatherSource interface {
	Snapshot() (*weather.Snapshot, error)
}

// Emitter receives scheduler events.
type Emitter interface {
	Publish(ev events.Event)
}

// Options wires a Scheduler.
type Options struct {
	Groups     []Group
	Evaluator  *schedule.Evaluator
	Weather    WeatherSource
	Devices    devices.Controller
	Runtime    *state.RuntimeStore
	Manual     *state.ManualStore
	Automation *state.AutomationStore
	Emitter    Emitter
	Clock      clock.Clock
	Interval   time.Duration

	// Vacation reports whether vacation mode is active. Nil means never.
	Vacation func() bool

	// Summary optionally emits the daily forecast summary from the tick loop.
	Summary *SummaryReporter
}

// Scheduler owns the tick loop. It is the only caller of the device
// controller's mutating methods.
type Scheduler struct {
	groups     []Group
	evaluator  *schedule.Evaluator
	weather    WeatherSource
	devices    devices.Controller
	runtime    *state.RuntimeStore
	manual     *state.ManualStore
	automation *state.AutomationStore
	emitter    Emitter
	clk        clock.Clock
	interval   time.Duration
	vacation   func() bool
	summary    *SummaryReporter

	kick chan struct{}

	mu        sync.Mutex
	decisions map[string]schedule.Decision
	connFails map[string]int
	connLost  map[string]bool
}

// New creates a Scheduler from the options.
func New(opts Options) (*Scheduler, error) {
	if len(opts.Groups) == 0 {
		return nil, fmt.Errorf("scheduler needs at least one group")
	}
	if opts.Evaluator == nil || opts.Devices == nil || opts.Runtime == nil || opts.Manual == nil || opts.Automation == nil {
		return nil, fmt.Errorf("scheduler is missing a required dependency")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultTickInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Vacation == nil {
		opts.Vacation = func() bool { return false }
	}
	return &Scheduler{
		groups:     opts.Groups,
		evaluator:  opts.Evaluator,
		weather:    opts.Weather,
		devices:    opts.Devices,
		runtime:    opts.Runtime,
		manual:     opts.Manual,
		automation: opts.Automation,
		emitter:    opts.Emitter,
		clk:        opts.Clock,
		interval:   opts.Interval,
		vacation:   opts.Vacation,
		summary:    opts.Summary,
		kick:       make(chan struct{}, 1),
		decisions:  make(map[string]schedule.Decision),
		connFails:  make(map[string]int),
		connLost:   make(map[string]bool),
	}, nil
}

// Run executes the tick loop until the context is cancelled. Ticks are
// anchored to the interval grid so slow passes do not drift the cadence; a
// Kick forces an immediate out-of-band pass without moving the grid.
func (s *Scheduler) Run(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		s.Tick(ctx)
		next := time.Now().Add(s.interval)

		for {
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				s.flush()
				return
			case <-s.kick:
				timer.Stop()
				log.Debug("out-of-band scheduler tick")
				s.Tick(ctx)
			case <-timer.C:
				s.Tick(ctx)
				next = next.Add(s.interval)
				if !next.After(time.Now()) {
					next = time.Now().Add(s.interval)
				}
			}
		}
	}()
}

// Kick requests an immediate tick. Duplicate requests coalesce.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Tick runs one full scheduling pass over all groups.
func (s *Scheduler) Tick(ctx context.Context) {
	metrics.TicksTotal.Inc()
	now := s.clk.Now()

	var snap *weather.Snapshot
	if s.weather != nil {
		if got, err := s.weather.Snapshot(); err == nil {
			snap = got
		}
	}

	vacation := s.vacation()
	for i := range s.groups {
		s.processGroup(ctx, &s.groups[i], now, snap, vacation)
	}

	if s.summary != nil {
		s.summary.MaybeEmit()
	}

	if err := s.runtime.Persist(); err != nil {
		log.Errorf("persisting runtime state: %v", err)
	}
}

// Decisions returns the most recent decision per group.
func (s *Scheduler) Decisions() map[string]schedule.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]schedule.Decision, len(s.decisions))
	for name, d := range s.decisions {
		out[name] = d
	}
	return out
}

func (s *Scheduler) processGroup(ctx context.Context, g *Group, now time.Time, snap *weather.Snapshot, vacation bool) {
	rt := s.runtime.Get(g.Name)

	inCooldown := false
	if rt.CooldownUntil != nil {
		if now.Before(*rt.CooldownUntil) {
			inCooldown = true
		} else {
			rt.CooldownUntil = nil
		}
	}

	ov, expired := s.manual.Active(g.Name)
	if expired {
		s.publish(events.Event{
			Type:       events.ManualOverrideExpired,
			Message:    fmt.Sprintf("Manual override for group %s expired; resuming schedule control", g.Name),
			OccurredAt: now,
			Details:    map[string]interface{}{"group": g.Name},
		})
	}

	flags := s.automation.Effective(g.Name, schedule.DefaultFlags())
	dec := s.evaluator.Evaluate(schedule.Input{
		GroupName: g.Name,
		Schedules: g.Schedules,
		Flags:     flags,
		Vacation:  vacation,
		Weather:   snap,
		Now:       now,
	})

	desired := dec.DesiredOn
	source := state.SourceSchedule
	activeName := dec.WinningSchedule
	switch {
	case ov != nil:
		desired = ov.Action == state.ActionOn
		source = state.SourceManual
		activeName = ""
	case dec.Reason == schedule.ReasonVacation:
		source = state.SourceVacation
	}

	if inCooldown && desired {
		log.Infof("group %s held off: cooldown until %s", g.Name, rt.CooldownUntil.Format(time.RFC3339))
		desired = false
		source = state.SourceSafety
		activeName = ""
	}

	s.mu.Lock()
	s.decisions[g.Name] = dec
	s.mu.Unlock()

	// The runtime cap only matters while the decision would keep the group
	// on; a group the schedule is about to turn off shuts off normally and
	// never pays the cooldown.
	if desired && s.tripMaxRuntime(ctx, g, now, &rt) {
		s.runtime.Put(g.Name, rt)
		return
	}

	v := 0.0
	if desired {
		v = 1.0
	}
	metrics.GroupState.WithLabelValues(g.Name).Set(v)

	gs, err := s.devices.GroupState(ctx, g.Name)
	if err != nil {
		if s.recordConnFailure(g.Name, now, err) {
			s.reinitGroup(ctx, g.Name)
		}
		s.runtime.Put(g.Name, rt)
		return
	}

	// Someone flipped the plug outside our control: adopt the observed
	// state so runtime accounting stays honest. The very first observation
	// after startup is expected to differ and stays quiet.
	if gs.IsOn != rt.IsOn {
		if rt.InitialStateReported {
			s.publish(events.Event{
				Type:       events.DeviceChanged,
				Message:    fmt.Sprintf("Group %s changed state outside scheduler control (now %s)", g.Name, onOff(gs.IsOn)),
				OccurredAt: now,
				Details:    map[string]interface{}{"group": g.Name, "observed_on": gs.IsOn},
			})
		}
		rt.IsOn = gs.IsOn
		if gs.IsOn {
			since := now
			rt.OnSince = &since
			rt.OnRuntimeElapsedSec = 0
		} else {
			rt.OnSince = nil
			rt.OnRuntimeElapsedSec = 0
		}
	}
	rt.InitialStateReported = true

	if gs.IsOn != desired {
		if err := s.devices.SetGroup(ctx, g.Name, desired); err != nil {
			metrics.DeviceCommands.WithLabelValues("error").Inc()
			log.Errorf("setting group %s %s: %v", g.Name, onOff(desired), err)
			if s.recordConnFailure(g.Name, now, err) {
				s.reinitGroup(ctx, g.Name)
			}
			s.runtime.Put(g.Name, rt)
			return
		}
		metrics.DeviceCommands.WithLabelValues("ok").Inc()
		log.Infof("group %s -> %s (%s)", g.Name, onOff(desired), source)

		rt.IsOn = desired
		rt.LastAction = &now
		rt.LastActionSource = source
		if desired {
			since := now
			rt.OnSince = &since
			rt.OnRuntimeElapsedSec = 0
			rt.ActiveScheduleName = activeName
		} else {
			rt.OnSince = nil
			rt.OnRuntimeElapsedSec = 0
			rt.ActiveScheduleName = ""
		}
	} else if rt.IsOn {
		if rt.OnSince != nil {
			rt.OnRuntimeElapsedSec = now.Sub(*rt.OnSince).Seconds()
		}
		rt.ActiveScheduleName = activeName
	}

	s.recordConnSuccess(g.Name, now)
	s.runtime.Put(g.Name, rt)
}

// tripMaxRuntime enforces the continuous-runtime cap. When tripped it forces
// the group off, arms the cooldown, clears any manual override, and reports
// true.
func (s *Scheduler) tripMaxRuntime(ctx context.Context, g *Group, now time.Time, rt *state.RuntimeState) bool {
	safety := s.safetyFor(g, rt.ActiveScheduleName)
	if safety.MaxRuntimeHours <= 0 || !rt.IsOn {
		return false
	}

	var onFor time.Duration
	if rt.OnSince != nil {
		onFor = now.Sub(*rt.OnSince)
	} else {
		onFor = time.Duration(rt.OnRuntimeElapsedSec * float64(time.Second))
	}
	limit := time.Duration(safety.MaxRuntimeHours * float64(time.Hour))
	if onFor < limit {
		return false
	}

	if err := s.devices.SetGroup(ctx, g.Name, false); err != nil {
		metrics.DeviceCommands.WithLabelValues("error").Inc()
		log.Errorf("safety shutoff for group %s failed: %v", g.Name, err)
		if s.recordConnFailure(g.Name, now, err) {
			s.reinitGroup(ctx, g.Name)
		}
		// The group stays on and untouched; the shutoff retries next tick.
		return true
	}
	metrics.DeviceCommands.WithLabelValues("ok").Inc()
	s.recordConnSuccess(g.Name, now)
	log.Warnf("group %s exceeded max runtime %.1fh, forcing off", g.Name, safety.MaxRuntimeHours)

	rt.IsOn = false
	rt.OnSince = nil
	rt.OnRuntimeElapsedSec = 0
	rt.LastAction = &now
	rt.LastActionSource = state.SourceSafety
	rt.ActiveScheduleName = ""
	if safety.CooldownMinutes > 0 {
		until := now.Add(time.Duration(safety.CooldownMinutes) * time.Minute)
		rt.CooldownUntil = &until
	}

	if ov, _ := s.manual.Active(g.Name); ov != nil {
		if err := s.manual.Clear(g.Name); err != nil {
			log.Errorf("clearing manual override for %s after safety shutoff: %v", g.Name, err)
		}
		s.publish(events.Event{
			Type:       events.ManualOverrideSafety,
			Message:    fmt.Sprintf("Manual override for group %s cleared by the max-runtime safety limit", g.Name),
			OccurredAt: now,
			Details:    map[string]interface{}{"group": g.Name},
		})
	}

	s.publish(events.Event{
		Type:       events.SafetyMaxRuntime,
		Message:    fmt.Sprintf("Group %s was on for %v, exceeding the %.1fh runtime limit; forced off", g.Name, onFor.Round(time.Minute), safety.MaxRuntimeHours),
		OccurredAt: now,
		Details: map[string]interface{}{
			"group":            g.Name,
			"on_for_seconds":   onFor.Seconds(),
			"max_hours":        safety.MaxRuntimeHours,
			"cooldown_minutes": safety.CooldownMinutes,
		},
	})

	metrics.GroupState.WithLabelValues(g.Name).Set(0)
	return true
}

// safetyFor resolves the effective safety limits: the active schedule's
// override when present, the group defaults otherwise.
func (s *Scheduler) safetyFor(g *Group, activeSchedule string) schedule.Safety {
	if activeSchedule != "" {
		for i := range g.Schedules {
			if g.Schedules[i].Name == activeSchedule && g.Schedules[i].Safety != nil {
				return *g.Schedules[i].Safety
			}
		}
	}
	return g.Safety
}

// recordConnFailure counts a failed device interaction (state read or
// command) and reports whether the group is currently considered lost.
func (s *Scheduler) recordConnFailure(group string, now time.Time, err error) bool {
	s.mu.Lock()
	s.connFails[group]++
	fails := s.connFails[group]
	lost := fails >= connectivityLostAfter
	emit := lost && !s.connLost[group]
	if emit {
		s.connLost[group] = true
	}
	s.mu.Unlock()

	log.Warnf("device interaction with group %s failed (%d consecutive): %v", group, fails, err)
	if emit {
		s.publish(events.Event{
			Type:       events.ConnectivityLost,
			Message:    fmt.Sprintf("Lost connectivity to devices in group %s", group),
			OccurredAt: now,
			Details:    map[string]interface{}{"group": group, "consecutive_failures": fails},
		})
	}
	return lost
}

// reinitGroup re-runs discovery for every device in a lost group so a plug
// that came back on a new connection is picked up without a restart.
func (s *Scheduler) reinitGroup(ctx context.Context, group string) {
	for _, d := range s.devices.GroupDevices(group) {
		if err := s.devices.RefreshDevice(ctx, group, d.Name); err != nil {
			log.Warnf("re-initializing device %s in group %s: %v", d.Name, group, err)
		}
	}
}

func (s *Scheduler) recordConnSuccess(group string, now time.Time) {
	s.mu.Lock()
	wasLost := s.connLost[group]
	s.connFails[group] = 0
	s.connLost[group] = false
	s.mu.Unlock()

	if wasLost {
		s.publish(events.Event{
			Type:       events.ConnectivityRestored,
			Message:    fmt.Sprintf("Connectivity to devices in group %s restored", group),
			OccurredAt: now,
			Details:    map[string]interface{}{"group": group},
		})
	}
}

func (s *Scheduler) publish(ev events.Event) {
	if s.emitter == nil {
		return
	}
	s.emitter.Publish(ev)
}

// flush persists runtime state on shutdown.
func (s *Scheduler) flush() {
	if err := s.runtime.Persist(); err != nil {
		log.Errorf("persisting runtime state at shutdown: %v", err)
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
