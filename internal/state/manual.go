package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/frostguard/frostguard/internal/atomicfile"
	"github.com/frostguard/frostguard/internal/clock"
	"github.com/frostguard/frostguard/internal/log"
)

// Action is a forced device state.
type Action string

const (
	ActionOn  Action = "on"
	ActionOff Action = "off"
)

// ManualOverride forces a group to a state until cleared or expired.
type ManualOverride struct {
	Action    Action     `json:"action"`
	SetAt     time.Time  `json:"set_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type manualFile struct {
	Version int                        `json:"version"`
	Groups  map[string]*ManualOverride `json:"groups"`
}

// ManualStore persists per-group manual overrides.
type ManualStore struct {
	path   string
	clk    clock.Clock
	mu     sync.Mutex
	groups map[string]*ManualOverride
}

// NewManualStore loads the store from disk. Malformed content starts empty.
func NewManualStore(path string, clk clock.Clock) *ManualStore {
	if clk == nil {
		clk = clock.Real{}
	}
	s := &ManualStore{
		path:   path,
		clk:    clk,
		groups: make(map[string]*ManualOverride),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("could not read manual overrides %s: %v", path, err)
		}
		return s
	}

	var f manualFile
	if err := json.Unmarshal(data, &f); err != nil {
		log.Warnf("malformed manual overrides %s, starting empty: %v", path, err)
		return s
	}
	if f.Version != stateSchemaVersion {
		log.Warnf("manual overrides %s has schema version %d, starting empty", path, f.Version)
		return s
	}
	if f.Groups != nil {
		s.groups = f.Groups
	}
	return s
}

// Apply sets an override for the group. A nil timeout means no expiry.
func (s *ManualStore) Apply(group string, action Action, timeout *time.Duration) error {
	if action != ActionOn && action != ActionOff {
		return fmt.Errorf("invalid manual override action %q", action)
	}

	now := s.clk.Now()
	ov := &ManualOverride{Action: action, SetAt: now}
	if timeout != nil {
		expires := now.Add(*timeout)
		ov.ExpiresAt = &expires
	}

	s.mu.Lock()
	s.groups[group] = ov
	err := s.persistLocked()
	s.mu.Unlock()
	return err
}

// Clear removes the group's override, if any.
func (s *ManualStore) Clear(group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[group]; !ok {
		return nil
	}
	delete(s.groups, group)
	return s.persistLocked()
}

// Active returns the group's override if it has not expired. An expired
// override is removed and (true, override) is never returned for it; the
// second result reports whether the override expired during this call.
func (s *ManualStore) Active(group string) (*ManualOverride, bool) {
	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ov, ok := s.groups[group]
	if !ok {
		return nil, false
	}
	if ov.ExpiresAt != nil && !now.Before(*ov.ExpiresAt) {
		delete(s.groups, group)
		if err := s.persistLocked(); err != nil {
			log.Errorf("failed to persist manual override expiry for %s: %v", group, err)
		}
		return nil, true
	}
	copied := *ov
	return &copied, false
}

// Snapshot returns a copy of all overrides, for status reporting.
func (s *ManualStore) Snapshot() map[string]ManualOverride {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ManualOverride, len(s.groups))
	for name, ov := range s.groups {
		out[name] = *ov
	}
	return out
}

func (s *ManualStore) persistLocked() error {
	f := manualFile{Version: stateSchemaVersion, Groups: make(map[string]*ManualOverride, len(s.groups))}
	for name, ov := range s.groups {
		copied := *ov
		f.Groups[name] = &copied
	}
	if err := atomicfile.WriteJSON(s.path, f); err != nil {
		return fmt.Errorf("persisting manual overrides: %w", err)
	}
	return nil
}
