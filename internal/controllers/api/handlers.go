package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/frostguard/frostguard/internal/devices"
	"github.com/frostguard/frostguard/internal/events"
	"github.com/frostguard/frostguard/internal/notify"
	"github.com/frostguard/frostguard/internal/state"
)

func (c *Controller) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.logger.Errorf("encoding response: %v", err)
	}
}

func (c *Controller) writeError(w http.ResponseWriter, status int, msg string) {
	c.writeJSON(w, status, map[string]string{"error": msg})
}

func (c *Controller) groupExists(name string) bool {
	for _, g := range c.deps.Config.Groups {
		if g.Name == name {
			return true
		}
	}
	return false
}

func (c *Controller) handleHealthz(w http.ResponseWriter, r *http.Request) {
	c.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type groupStatus struct {
	Runtime    state.RuntimeState     `json:"runtime"`
	Decision   *decisionStatus        `json:"decision,omitempty"`
	Override   *state.ManualOverride  `json:"manual_override,omitempty"`
	Automation map[string]*bool       `json:"automation_overrides,omitempty"`
	Devices    []devices.DeviceStatus `json:"devices,omitempty"`
}

type decisionStatus struct {
	DesiredOn       bool        `json:"desired_on"`
	Reason          string      `json:"reason"`
	WinningSchedule string      `json:"winning_schedule,omitempty"`
	Priority        string      `json:"priority,omitempty"`
	Conditions      interface{} `json:"conditions"`
}

func (c *Controller) handleStatus(w http.ResponseWriter, r *http.Request) {
	weatherState, age := c.deps.Weather.State()
	decisions := c.deps.Scheduler.Decisions()
	runtimes := c.deps.Runtime.All()
	overrides := c.deps.Manual.Snapshot()

	groups := make(map[string]groupStatus, len(c.deps.Config.Groups))
	for _, g := range c.deps.Config.Groups {
		gs := groupStatus{
			Runtime:    runtimes[g.Name],
			Automation: c.deps.Automation.Get(g.Name),
		}
		if dec, ok := decisions[g.Name]; ok {
			ds := &decisionStatus{
				DesiredOn:       dec.DesiredOn,
				Reason:          string(dec.Reason),
				WinningSchedule: dec.WinningSchedule,
				Conditions:      dec.Conditions,
			}
			if dec.Priority != nil {
				ds.Priority = dec.Priority.String()
			}
			gs.Decision = ds
		}
		if ov, ok := overrides[g.Name]; ok {
			gs.Override = &ov
		}
		if c.deps.Devices != nil {
			gs.Devices = c.deps.Devices.GroupDevices(g.Name)
		}
		groups[g.Name] = gs
	}

	c.writeJSON(w, http.StatusOK, map[string]interface{}{
		"vacation_mode": c.deps.Config.VacationMode,
		"weather": map[string]interface{}{
			"state":       string(weatherState),
			"age_seconds": age.Seconds(),
		},
		"groups": groups,
		"sinks":  c.deps.Dispatcher.SinkHealth(),
	})
}

func (c *Controller) handleWeather(w http.ResponseWriter, r *http.Request) {
	snap, err := c.deps.Weather.Snapshot()
	if err != nil {
		svcState, _ := c.deps.Weather.State()
		c.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"state": string(svcState),
			"error": "no weather data available",
		})
		return
	}

	c.writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":          string(snap.State),
		"provider":       snap.Provider,
		"fetched_at":     snap.FetchedAt.UTC().Format(time.RFC3339),
		"age_seconds":    snap.Age.Seconds(),
		"usable":         snap.IsUsable,
		"offline":        snap.IsOffline,
		"current":        snap.Current,
		"black_ice_risk": snap.BlackIceRisk,
		"hours":          snap.Hours,
	})
}

func (c *Controller) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			c.writeError(w, http.StatusBadRequest, "limit must be an integer in [1, 1000]")
			return
		}
		limit = n
	}

	recs, err := c.deps.Dispatcher.RecentEvents(r.Context(), limit)
	if err != nil {
		c.writeError(w, http.StatusInternalServerError, fmt.Sprintf("querying events: %v", err))
		return
	}
	if recs == nil {
		recs = []notify.JournalRecord{}
	}
	c.writeJSON(w, http.StatusOK, map[string]interface{}{"events": recs})
}

type overrideRequest struct {
	Action         string `json:"action"`
	TimeoutMinutes *int   `json:"timeout_minutes,omitempty"`
}

func (c *Controller) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	group := mux.Vars(r)["group"]
	if !c.groupExists(group) {
		c.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown group %q", group))
		return
	}

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	action := state.Action(req.Action)
	if action != state.ActionOn && action != state.ActionOff {
		c.writeError(w, http.StatusBadRequest, `action must be "on" or "off"`)
		return
	}

	var timeout *time.Duration
	if req.TimeoutMinutes != nil {
		if *req.TimeoutMinutes < 1 {
			c.writeError(w, http.StatusBadRequest, "timeout_minutes must be positive")
			return
		}
		d := time.Duration(*req.TimeoutMinutes) * time.Minute
		timeout = &d
	}

	if err := c.deps.Manual.Apply(group, action, timeout); err != nil {
		c.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	details := map[string]interface{}{"group": group, "action": string(action)}
	if req.TimeoutMinutes != nil {
		details["timeout_minutes"] = *req.TimeoutMinutes
	}
	c.deps.Dispatcher.Publish(events.Event{
		Type:    events.ManualOverrideApplied,
		Message: fmt.Sprintf("Manual override: group %s forced %s", group, action),
		Details: details,
	})

	c.deps.Scheduler.Kick()
	c.writeJSON(w, http.StatusOK, map[string]string{"status": "override applied"})
}

func (c *Controller) handleClearOverride(w http.ResponseWriter, r *http.Request) {
	group := mux.Vars(r)["group"]
	if !c.groupExists(group) {
		c.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown group %q", group))
		return
	}

	if err := c.deps.Manual.Clear(group); err != nil {
		c.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	c.deps.Scheduler.Kick()
	c.writeJSON(w, http.StatusOK, map[string]string{"status": "override cleared"})
}

type automationRequest struct {
	Value *bool `json:"value"`
}

func (c *Controller) handleSetAutomation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	group, flag := vars["group"], vars["flag"]
	if !c.groupExists(group) {
		c.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown group %q", group))
		return
	}
	if flag != state.FlagEnabled && flag != state.FlagWeatherMode {
		c.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown flag %q", flag))
		return
	}

	var req automationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := c.deps.Automation.Set(group, flag, req.Value); err != nil {
		c.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if flag == state.FlagWeatherMode && req.Value != nil {
		evType := events.WeatherModeDisabled
		verb := "disabled"
		if *req.Value {
			evType = events.WeatherModeEnabled
			verb = "enabled"
		}
		c.deps.Dispatcher.Publish(events.Event{
			Type:    evType,
			Message: fmt.Sprintf("Weather mode %s for group %s", verb, group),
			Details: map[string]interface{}{"group": group},
		})
	}

	c.deps.Scheduler.Kick()
	c.writeJSON(w, http.StatusOK, map[string]string{"status": "flag updated"})
}

func (c *Controller) handleNotificationTest(w http.ResponseWriter, r *http.Request) {
	c.deps.Dispatcher.Publish(events.Event{
		Type:    events.StartupTest,
		Message: "notification delivery test requested via API",
	})
	c.writeJSON(w, http.StatusOK, map[string]string{"status": "test event dispatched"})
}
