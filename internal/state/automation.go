package state

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/frostguard/frostguard/internal/atomicfile"
	"github.com/frostguard/frostguard/internal/log"
	"github.com/frostguard/frostguard/internal/schedule"
)

// Flag names recognized when layering automation overrides.
const (
	FlagEnabled     = "enabled"
	FlagWeatherMode = "weather_mode"
)

type automationFile struct {
	Version int                         `json:"version"`
	Groups  map[string]map[string]*bool `json:"groups"`
}

// AutomationStore persists per-group sparse flag overrides. A nil value in a
// group's map clears the override for that flag, restoring the base value.
type AutomationStore struct {
	path   string
	mu     sync.Mutex
	groups map[string]map[string]*bool
}

// NewAutomationStore loads the store from disk. Malformed content starts
// empty.
func NewAutomationStore(path string) *AutomationStore {
	s := &AutomationStore{
		path:   path,
		groups: make(map[string]map[string]*bool),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("could not read automation overrides %s: %v", path, err)
		}
		return s
	}

	var f automationFile
	if err := json.Unmarshal(data, &f); err != nil {
		log.Warnf("malformed automation overrides %s, starting empty: %v", path, err)
		return s
	}
	if f.Version != stateSchemaVersion {
		log.Warnf("automation overrides %s has schema version %d, starting empty", path, f.Version)
		return s
	}
	if f.Groups != nil {
		s.groups = f.Groups
	}
	return s
}

// Effective layers the group's overrides onto the base flags.
func (s *AutomationStore) Effective(group string, base schedule.Flags) schedule.Flags {
	s.mu.Lock()
	defer s.mu.Unlock()

	flags := base
	overrides, ok := s.groups[group]
	if !ok {
		return flags
	}
	if v, ok := overrides[FlagEnabled]; ok && v != nil {
		flags.Enabled = *v
	}
	if v, ok := overrides[FlagWeatherMode]; ok && v != nil {
		flags.WeatherMode = *v
	}
	return flags
}

// Set records an override for the flag; a nil value clears it. The file is
// rewritten atomically.
func (s *AutomationStore) Set(group, flag string, value *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if value == nil {
		if overrides, ok := s.groups[group]; ok {
			delete(overrides, flag)
			if len(overrides) == 0 {
				delete(s.groups, group)
			}
		}
	} else {
		if s.groups[group] == nil {
			s.groups[group] = make(map[string]*bool)
		}
		v := *value
		s.groups[group][flag] = &v
	}

	f := automationFile{Version: stateSchemaVersion, Groups: s.groups}
	return atomicfile.WriteJSON(s.path, f)
}

// Get returns a copy of the group's overrides.
func (s *AutomationStore) Get(group string) map[string]*bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*bool)
	for flag, v := range s.groups[group] {
		if v == nil {
			continue
		}
		copied := *v
		out[flag] = &copied
	}
	return out
}
