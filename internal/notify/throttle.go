// Package notify implements the notification dispatcher: typed events fanned
// out to sinks with routing, rate limiting, and per-sink health tracking.
package notify

import (
	"sync"
	"time"

	"github.com/frostguard/frostguard/internal/clock"
	"github.com/frostguard/frostguard/internal/events"
)

// StateChangeWindow is the minimum spacing between emitted state-change
// events for a given (sink, category) pair.
const StateChangeWindow = 15 * time.Minute

type throttleKey struct {
	sink     string
	category string
}

type throttleEntry struct {
	lastEmit time.Time
	pending  *events.Event
}

// Throttle coalesces rate-limited events per (sink, category). When the
// window is closed the newest event replaces any pending one; Drain hands
// back the pending events whose window has opened.
type Throttle struct {
	window time.Duration
	clk    clock.Clock

	mu      sync.Mutex
	entries map[throttleKey]*throttleEntry
}

// NewThrottle creates a throttle with the given window.
func NewThrottle(window time.Duration, clk clock.Clock) *Throttle {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Throttle{
		window:  window,
		clk:     clk,
		entries: make(map[throttleKey]*throttleEntry),
	}
}

// Admit decides whether the event may be emitted to the sink right now.
// Only the state_change category is rate limited; every other event passes
// straight through. A false result means the event was stored as pending
// and will surface via Drain once the window opens; intermediate events
// coalesce to the newest.
func (t *Throttle) Admit(sink string, ev events.Event) bool {
	category := ev.Type.Category()
	if category != events.CategoryStateChange {
		return true
	}
	key := throttleKey{sink: sink, category: category}
	now := t.clk.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok {
		entry = &throttleEntry{}
		t.entries[key] = entry
	}

	if entry.lastEmit.IsZero() || now.Sub(entry.lastEmit) >= t.window {
		entry.lastEmit = now
		entry.pending = nil
		return true
	}

	copied := ev
	entry.pending = &copied
	return false
}

// Drain returns the pending events whose window has opened, marking them
// emitted. The sink name is returned alongside each event.
func (t *Throttle) Drain() []PendingEmission {
	now := t.clk.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var out []PendingEmission
	for key, entry := range t.entries {
		if entry.pending == nil {
			continue
		}
		if now.Sub(entry.lastEmit) < t.window {
			continue
		}
		out = append(out, PendingEmission{Sink: key.sink, Event: *entry.pending})
		entry.lastEmit = now
		entry.pending = nil
	}
	return out
}

// PendingEmission is a coalesced event released by Drain.
type PendingEmission struct {
	Sink  string
	Event events.Event
}
