package weather

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/frostguard/frostguard/internal/clock"
	"github.com/frostguard/frostguard/internal/events"
	"github.com/frostguard/frostguard/internal/log"
	"github.com/frostguard/frostguard/internal/metrics"
)

// ResilienceConfig tunes the polling loop and cache validity.
type ResilienceConfig struct {
	RefreshInterval  time.Duration // between successful fetches
	RetryInterval    time.Duration // initial retry delay after a failure
	MaxRetryInterval time.Duration // retry delay cap while failing
	CacheValidFor    time.Duration // how long cached data counts as usable
	HorizonHours     int           // forecast hours requested per fetch
}

// DefaultResilienceConfig returns the standard polling policy.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		RefreshInterval:  10 * time.Minute,
		RetryInterval:    5 * time.Minute,
		MaxRetryInterval: 60 * time.Minute,
		CacheValidFor:    6 * time.Hour,
		HorizonHours:     24,
	}
}

// Emitter receives service state-change events. Rate limiting of the
// weather_service_* family happens downstream in the dispatcher.
type Emitter interface {
	Publish(ev events.Event)
}

type lastFetch struct {
	fetchedAt time.Time
	provider  string
	forecast  NormalizedForecast
}

// Service wraps a Provider with caching, retry backoff, and the
// online/degraded/offline state machine.
type Service struct {
	provider Provider
	cache    *CacheStore
	loc      Location
	cfg      ResilienceConfig
	blackIce BlackIceThresholds
	emitter  Emitter
	clk      clock.Clock
	source   string

	mu         sync.RWMutex
	last       *lastFetch
	state      ServiceState
	stateKnown bool
}

// NewService creates a weather service. The emitter may be nil, in which case
// state changes are only logged.
func NewService(provider Provider, cache *CacheStore, loc Location, cfg ResilienceConfig, blackIce BlackIceThresholds, emitter Emitter, clk clock.Clock, source string) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{
		provider: provider,
		cache:    cache,
		loc:      loc,
		cfg:      cfg,
		blackIce: blackIce,
		emitter:  emitter,
		clk:      clk,
		source:   source,
	}
}

// LoadCache primes the service from the durable cache, if present. The state
// observed here is the first one and never emits an event.
func (s *Service) LoadCache() error {
	if s.cache == nil {
		return nil
	}
	cached, err := s.cache.Load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// No cache on disk: leave the state unknown so the first fetch result is
	// treated as the initial observation and stays quiet.
	if cached == nil {
		s.state = StateOffline
		return nil
	}

	s.last = &lastFetch{
		fetchedAt: cached.FetchedAt,
		provider:  cached.Provider,
		forecast:  cached.Forecast,
	}
	age := s.clk.Now().Sub(cached.FetchedAt)
	switch {
	case age <= s.cfg.CacheValidFor:
		s.state = StateDegraded
	default:
		s.state = StateOffline
	}
	s.stateKnown = true
	log.Infof("loaded cached forecast from %s, age %v", cached.Provider, age.Round(time.Second))
	return nil
}

// Run starts the polling loop and returns; the loop stops when the context
// is cancelled. Success sleeps the refresh interval; failure sleeps a
// doubling retry delay capped at the configured maximum.
func (s *Service) Run(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		currentRetry := s.cfg.RetryInterval

		for {
			sleep := s.cfg.RefreshInterval
			if err := s.fetchOnce(); err != nil {
				log.Warnf("weather fetch failed: %v", err)
				metrics.WeatherFetches.WithLabelValues("error").Inc()
				sleep = currentRetry
				currentRetry *= 2
				if currentRetry > s.cfg.MaxRetryInterval {
					currentRetry = s.cfg.MaxRetryInterval
				}
			} else {
				metrics.WeatherFetches.WithLabelValues("ok").Inc()
				currentRetry = s.cfg.RetryInterval
			}

			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
}

// fetchOnce performs a single provider fetch and advances the state machine.
func (s *Service) fetchOnce() error {
	forecast, err := s.provider.Fetch(s.loc, s.cfg.HorizonHours)
	now := s.clk.Now()

	if err != nil {
		s.mu.Lock()
		if s.last != nil && now.Sub(s.last.fetchedAt) <= s.cfg.CacheValidFor {
			s.transitionLocked(StateDegraded, now)
		} else {
			s.transitionLocked(StateOffline, now)
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.last = &lastFetch{
		fetchedAt: now,
		provider:  s.provider.Name(),
		forecast:  *forecast,
	}
	s.transitionLocked(StateOnline, now)
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.Store(s.provider.Name(), now, *forecast); err != nil {
			log.Errorf("failed to persist weather cache: %v", err)
		}
	}
	return nil
}

// transitionLocked records a state change and emits the matching event.
// The very first observed state never emits.
func (s *Service) transitionLocked(next ServiceState, now time.Time) {
	if !s.stateKnown {
		s.state = next
		s.stateKnown = true
		metrics.SetWeatherState(string(next))
		return
	}
	if s.state == next {
		return
	}
	prev := s.state
	s.state = next
	metrics.SetWeatherState(string(next))
	log.Infof("weather service state: %s -> %s", prev, next)

	if s.emitter == nil {
		return
	}

	var evType events.Type
	var msg string
	switch next {
	case StateOnline:
		evType = events.WeatherRecovered
		msg = "Weather service recovered; live forecast data available"
	case StateDegraded:
		evType = events.WeatherDegraded
		msg = "Weather service degraded; operating on cached forecast data"
	case StateOffline:
		evType = events.WeatherOffline
		msg = "Weather service offline; no usable forecast data"
	default:
		return
	}

	s.emitter.Publish(events.Event{
		Type:       evType,
		Message:    msg,
		OccurredAt: now,
		Details: map[string]interface{}{
			"previous_state": string(prev),
			"new_state":      string(next),
		},
		Source: s.source,
	})
}

// Snapshot returns the current immutable view of the weather data. It fails
// with ErrUnavailable when no fetch has ever succeeded and no cache exists.
func (s *Service) Snapshot() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.last == nil {
		return nil, ErrUnavailable
	}

	now := s.clk.Now()
	age := now.Sub(s.last.fetchedAt)

	snap := &Snapshot{
		FetchedAt: s.last.fetchedAt,
		Provider:  s.last.provider,
		State:     s.state,
		Age:       age,
		IsUsable:  age <= s.cfg.CacheValidFor,
		IsOffline: age > offlineAge,
		Current:   s.last.forecast.Current,
		Hours:     s.last.forecast.Hours,
	}
	snap.BlackIceRisk = s.blackIce.Evaluate(snap.Current)
	return snap, nil
}

// State returns the current machine state and the snapshot age, for status
// reporting.
func (s *Service) State() (ServiceState, time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return s.state, 0
	}
	return s.state, s.clk.Now().Sub(s.last.fetchedAt)
}

// Describe returns a short human-readable service description for logs.
func (s *Service) Describe() string {
	state, age := s.State()
	return fmt.Sprintf("%s (age %v)", state, age.Round(time.Second))
}
