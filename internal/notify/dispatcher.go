package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/frostguard/frostguard/internal/clock"
	"github.com/frostguard/frostguard/internal/events"
	"github.com/frostguard/frostguard/internal/log"
	"github.com/frostguard/frostguard/internal/metrics"
)

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Validate() error
	Probe(ctx context.Context) error
	Send(ctx context.Context, ev events.Event) error
}

// Routing maps event types to the set of sink names that should receive
// them. A nil Routing, or an event type with no entry, means every enabled
// sink receives the event.
type Routing map[events.Type]map[string]bool

// SinksFor resolves the target sink names for an event type, nil meaning
// "all enabled sinks".
func (r Routing) SinksFor(t events.Type) map[string]bool {
	if r == nil {
		return nil
	}
	targets, ok := r[t]
	if !ok {
		return nil
	}
	return targets
}

// Options configures a Dispatcher.
type Options struct {
	Routing Routing

	// Required names sinks whose startup validation failure is fatal.
	Required map[string]bool

	// TestOnStartup emits a startup_test event after probing succeeds.
	TestOnStartup bool

	// SendTimeout bounds one delivery attempt. Zero means 10s.
	SendTimeout time.Duration

	// DrainInterval is how often coalesced throttled events are re-checked.
	// Zero means 30s.
	DrainInterval time.Duration

	// Source stamps events published without one. Zero means "frostguard".
	Source string

	Journal *Journal
	Clock   clock.Clock
}

// Dispatcher fans events out to sinks. Deliveries are fire-and-forget
// goroutines so a slow sink never blocks the caller; health and metrics
// record the outcome of each attempt.
type Dispatcher struct {
	sinks    map[string]Sink
	disabled map[string]bool
	opts     Options
	throttle *Throttle
	health   *healthManager
	clk      clock.Clock
	journal  *Journal

	sendWG sync.WaitGroup

	mu sync.Mutex
}

// NewDispatcher creates a dispatcher over the given sinks.
func NewDispatcher(sinks []Sink, opts Options) *Dispatcher {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = 30 * time.Second
	}
	if opts.Source == "" {
		opts.Source = "frostguard"
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	d := &Dispatcher{
		sinks:    make(map[string]Sink, len(sinks)),
		disabled: make(map[string]bool),
		opts:     opts,
		throttle: NewThrottle(StateChangeWindow, clk),
		health:   newHealthManager(),
		clk:      clk,
		journal:  opts.Journal,
	}
	for _, s := range sinks {
		d.sinks[s.Name()] = s
		d.health.register(s.Name())
	}
	return d
}

// ValidateAndProbe validates every sink's configuration and probes its
// reachability. A failure on a required sink is returned as a fatal error;
// a failure on an optional sink disables that sink for the run.
func (d *Dispatcher) ValidateAndProbe(ctx context.Context) error {
	for name, s := range d.sinks {
		err := s.Validate()
		if err == nil {
			probeCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
			err = s.Probe(probeCtx)
			cancel()
		}
		if err == nil {
			continue
		}
		if d.opts.Required[name] {
			return fmt.Errorf("required notification sink %s failed startup validation: %w", name, err)
		}
		log.Warnf("notification sink %s failed startup validation, disabling: %v", name, err)
		d.mu.Lock()
		d.disabled[name] = true
		d.mu.Unlock()
		d.health.disable(name)
	}

	if d.opts.TestOnStartup {
		d.Publish(events.Event{
			Type:       events.StartupTest,
			Message:    "notification delivery test at startup",
			OccurredAt: d.clk.Now(),
		})
	}
	return nil
}

// Publish journals the event and fans it out to the routed sinks. Throttled
// events are coalesced per (sink, category) and released later by the drain
// loop. Publish never blocks on delivery.
func (d *Dispatcher) Publish(ev events.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = d.clk.Now()
	}
	if ev.Source == "" {
		ev.Source = d.opts.Source
	}
	if !events.Valid(ev.Type) {
		log.Warnf("dropping event with unknown type %q", ev.Type)
		return
	}

	if d.journal != nil {
		if err := d.journal.Record(context.Background(), ev); err != nil {
			log.Warnf("event journal write failed: %v", err)
		}
	}

	targets := d.opts.Routing.SinksFor(ev.Type)
	for name, s := range d.sinks {
		if d.sinkDisabled(name) {
			continue
		}
		if targets != nil && !targets[name] {
			continue
		}
		if !d.throttle.Admit(name, ev) {
			log.Debugf("event %s to sink %s deferred by rate limit", ev.Type, name)
			continue
		}
		d.deliver(s, ev)
	}
}

// Run drains coalesced throttled events until the context is canceled, then
// waits for in-flight deliveries to finish.
func (d *Dispatcher) Run(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(d.opts.DrainInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.drainPending()
			case <-ctx.Done():
				d.sendWG.Wait()
				if d.journal != nil {
					if err := d.journal.Close(); err != nil {
						log.Warnf("closing event journal: %v", err)
					}
				}
				return
			}
		}
	}()
}

// SinkHealth reports the health of every configured sink.
func (d *Dispatcher) SinkHealth() map[string]SinkHealth {
	return d.health.all()
}

// RecentEvents returns the newest journaled events, most recent first.
func (d *Dispatcher) RecentEvents(ctx context.Context, limit int) ([]JournalRecord, error) {
	if d.journal == nil {
		return nil, nil
	}
	return d.journal.Recent(ctx, limit)
}

func (d *Dispatcher) drainPending() {
	for _, pe := range d.throttle.Drain() {
		s, ok := d.sinks[pe.Sink]
		if !ok || d.sinkDisabled(pe.Sink) {
			continue
		}
		d.deliver(s, pe.Event)
	}
}

func (d *Dispatcher) deliver(s Sink, ev events.Event) {
	d.sendWG.Add(1)
	go func() {
		defer d.sendWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.opts.SendTimeout)
		defer cancel()

		err := s.Send(ctx, ev)
		now := d.clk.Now()
		if err != nil {
			d.health.recordFailure(s.Name(), now, err)
			metrics.NotificationsTotal.WithLabelValues(s.Name(), "error").Inc()
			log.Warnf("delivering %s to sink %s: %v", ev.Type, s.Name(), err)
			return
		}
		d.health.recordSuccess(s.Name(), now)
		metrics.NotificationsTotal.WithLabelValues(s.Name(), "success").Inc()
		log.Debugf("delivered %s to sink %s", ev.Type, s.Name())
	}()
}

func (d *Dispatcher) sinkDisabled(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disabled[name]
}
