// Package devices defines the device-control interface the scheduler drives
// and an HTTP smart plug implementation of it.
package devices

import (
	"context"
	"fmt"
	"time"
)

// Config describes one plug endpoint as configured.
type Config struct {
	Name             string
	IPAddress        string
	Outlets          []int // empty means the whole device
	DiscoveryTimeout time.Duration
}

// DefaultDiscoveryTimeout bounds device initialization.
const DefaultDiscoveryTimeout = 30 * time.Second

// DefaultCommandTimeout bounds individual on/off/state calls.
const DefaultCommandTimeout = 10 * time.Second

// InitError reports a failed device initialization.
type InitError struct {
	Device    string
	Detail    string
	IsTimeout bool
}

func (e *InitError) Error() string {
	if e.IsTimeout {
		return fmt.Sprintf("device %s: initialization timed out: %s", e.Device, e.Detail)
	}
	return fmt.Sprintf("device %s: initialization failed: %s", e.Device, e.Detail)
}

// GroupState aggregates outlet states for a group. The group is on iff at
// least one participating outlet is on.
type GroupState struct {
	IsOn      bool
	PerOutlet []bool
	Online    bool
}

// DeviceStatus is the runtime view of one device, for status reporting.
type DeviceStatus struct {
	Name          string `json:"name"`
	IPAddress     string `json:"ip_address"`
	Initialized   bool   `json:"initialized"`
	Reachable     bool   `json:"reachable"`
	InitError     string `json:"initialization_error,omitempty"`
	LastSeenState *bool  `json:"last_seen_state,omitempty"`
}

// Controller is the sole mutator of plug hardware. The scheduler loop issues
// all commands through it.
type Controller interface {
	// InitDevice registers and probes a device under a group. Failures are
	// *InitError; the device stays registered but uninitialized.
	InitDevice(ctx context.Context, group string, cfg Config) error

	// GroupState reads the aggregated outlet state of a group.
	GroupState(ctx context.Context, group string) (GroupState, error)

	// SetGroup drives every participating outlet in the group on or off.
	SetGroup(ctx context.Context, group string, on bool) error

	// RefreshDevice re-probes one device, re-fetching outlet states.
	RefreshDevice(ctx context.Context, group, device string) error

	// GroupDevices reports per-device runtime status for a group.
	GroupDevices(group string) []DeviceStatus
}
