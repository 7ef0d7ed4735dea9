// Package state holds the persisted per-group stores: runtime accumulators,
// manual overrides, and automation flag overrides. All files are JSON with a
// schema version and are replaced atomically.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/frostguard/frostguard/internal/atomicfile"
	"github.com/frostguard/frostguard/internal/log"
)

const stateSchemaVersion = 1

// ActionSource records what caused the last state transition.
type ActionSource string

const (
	SourceSchedule ActionSource = "schedule"
	SourceManual   ActionSource = "manual"
	SourceSafety   ActionSource = "safety"
	SourceVacation ActionSource = "vacation"
)

// RuntimeState is the per-group accumulator the scheduler persists at the
// end of every tick.
type RuntimeState struct {
	IsOn                 bool         `json:"is_on"`
	OnSince              *time.Time   `json:"on_since,omitempty"`
	OnRuntimeElapsedSec  float64      `json:"on_runtime_elapsed_seconds"`
	CooldownUntil        *time.Time   `json:"cooldown_until,omitempty"`
	LastAction           *time.Time   `json:"last_action,omitempty"`
	LastActionSource     ActionSource `json:"last_action_source,omitempty"`
	ActiveScheduleName   string       `json:"active_schedule_name,omitempty"`
	InitialStateReported bool         `json:"initial_state_reported"`
}

type runtimeFile struct {
	Version int                      `json:"version"`
	Groups  map[string]*RuntimeState `json:"groups"`
}

// RuntimeStore persists runtime state for all groups in one file. The
// scheduler loop is the only writer.
type RuntimeStore struct {
	path   string
	mu     sync.Mutex
	groups map[string]*RuntimeState
}

// NewRuntimeStore loads the store from disk. A missing file starts empty; a
// malformed file or schema mismatch also starts empty, with a log entry.
func NewRuntimeStore(path string) *RuntimeStore {
	s := &RuntimeStore{
		path:   path,
		groups: make(map[string]*RuntimeState),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("could not read runtime state %s: %v", path, err)
		}
		return s
	}

	var f runtimeFile
	if err := json.Unmarshal(data, &f); err != nil {
		log.Warnf("malformed runtime state %s, starting empty: %v", path, err)
		return s
	}
	if f.Version != stateSchemaVersion {
		log.Warnf("runtime state %s has schema version %d, starting empty", path, f.Version)
		return s
	}
	if f.Groups != nil {
		s.groups = f.Groups
	}
	return s
}

// Get returns a copy of the group's runtime state.
func (s *RuntimeStore) Get(group string) RuntimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.groups[group]; ok {
		return *st
	}
	return RuntimeState{}
}

// Put replaces the group's runtime state in memory. Persist writes it out.
func (s *RuntimeStore) Put(group string, st RuntimeState) {
	s.mu.Lock()
	copied := st
	s.groups[group] = &copied
	s.mu.Unlock()
}

// All returns a copy of every group's state, for status reporting.
func (s *RuntimeStore) All() map[string]RuntimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]RuntimeState, len(s.groups))
	for name, st := range s.groups {
		out[name] = *st
	}
	return out
}

// Persist writes the store to disk atomically.
func (s *RuntimeStore) Persist() error {
	s.mu.Lock()
	f := runtimeFile{Version: stateSchemaVersion, Groups: make(map[string]*RuntimeState, len(s.groups))}
	for name, st := range s.groups {
		copied := *st
		f.Groups[name] = &copied
	}
	s.mu.Unlock()

	if err := atomicfile.WriteJSON(s.path, f); err != nil {
		return fmt.Errorf("persisting runtime state: %w", err)
	}
	return nil
}
