// Package app wires the daemon together: configuration, stores, the weather
// service, the notification dispatcher, the scheduler, and the HTTP API.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/frostguard/frostguard/internal/clock"
	"github.com/frostguard/frostguard/internal/controllers/api"
	"github.com/frostguard/frostguard/internal/devices"
	"github.com/frostguard/frostguard/internal/events"
	"github.com/frostguard/frostguard/internal/log"
	"github.com/frostguard/frostguard/internal/notify"
	"github.com/frostguard/frostguard/internal/scheduler"
	"github.com/frostguard/frostguard/internal/schedule"
	"github.com/frostguard/frostguard/internal/state"
	"github.com/frostguard/frostguard/internal/weather"
	"github.com/frostguard/frostguard/pkg/config"
	"github.com/frostguard/frostguard/pkg/solar"
)

// App is the composed daemon.
type App struct {
	provider *config.YAMLProvider
	logger   *zap.SugaredLogger

	vacation atomic.Bool
}

// New creates an application instance.
func New(provider *config.YAMLProvider, logger *zap.SugaredLogger) *App {
	return &App{provider: provider, logger: logger}
}

// Run starts every component and blocks until shutdown.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, err := a.provider.Current()
	if err != nil {
		return err
	}
	a.vacation.Store(cfg.VacationMode)

	tz, err := cfg.Timezone()
	if err != nil {
		return fmt.Errorf("resolving timezone: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir %s: %w", cfg.DataDir, err)
	}

	clk := clock.Real{}
	runtimeStore := state.NewRuntimeStore(filepath.Join(cfg.DataDir, "runtime_state.json"))
	manualStore := state.NewManualStore(filepath.Join(cfg.DataDir, "manual_overrides.json"), clk)
	automationStore := state.NewAutomationStore(filepath.Join(cfg.DataDir, "automation_overrides.json"))

	// Notifications come up first so every later component can emit.
	dispatcher, journal, err := a.buildDispatcher(ctx, cfg, clk)
	if err != nil {
		return err
	}
	dispatcher.Run(ctx, &wg)

	weatherService, err := a.buildWeatherService(cfg, tz, dispatcher, clk)
	if err != nil {
		return err
	}
	weatherService.Run(ctx, &wg)

	deviceController := devices.NewHTTPPlugController()
	a.initDevices(ctx, cfg, deviceController, dispatcher)

	sched, err := a.buildScheduler(cfg, tz, weatherService, deviceController, runtimeStore, manualStore, automationStore, dispatcher, clk)
	if err != nil {
		return err
	}
	sched.Run(ctx, &wg)

	apiController, err := api.NewController(ctx, &wg, cfg.API, api.Deps{
		Config:     cfg,
		Scheduler:  sched,
		Weather:    weatherService,
		Dispatcher: dispatcher,
		Devices:    deviceController,
		Runtime:    runtimeStore,
		Manual:     manualStore,
		Automation: automationStore,
	}, a.logger)
	if err != nil {
		return err
	}
	if err := apiController.StartController(); err != nil {
		return err
	}

	watcher := config.NewWatcher(a.provider, func(next *config.Config) {
		a.vacation.Store(next.VacationMode)
		if len(next.Groups) != len(cfg.Groups) {
			log.Warn("group layout changed; restart to apply device and schedule changes")
		}
		sched.Kick()
	})
	if err := watcher.Run(ctx, &wg); err != nil {
		log.Warnf("config watcher unavailable: %v", err)
	}

	if journal != nil {
		a.startJournalPruner(ctx, &wg, journal)
	}

	log.Info("Application started successfully")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigs:
		log.Info("shutdown signal received, initiating graceful shutdown...")
	case <-ctx.Done():
		log.Info("context cancelled, shutting down...")
	}

	cancel()
	log.Info("waiting for all workers to terminate...")
	wg.Wait()
	log.Info("shutdown complete")
	return nil
}

func (a *App) buildDispatcher(ctx context.Context, cfg *config.Config, clk clock.Clock) (*notify.Dispatcher, *notify.Journal, error) {
	var sinks []notify.Sink
	required := make(map[string]bool)

	if e := cfg.Notifications.Email; e != nil {
		sinks = append(sinks, notify.NewSMTPSink("email", notify.SMTPConfig{
			Host:     e.Host,
			Port:     e.Port,
			From:     e.From,
			To:       e.To,
			Username: e.Username,
			Password: e.Password,
		}))
		required["email"] = e.Required
	}
	if w := cfg.Notifications.Webhook; w != nil {
		sinks = append(sinks, notify.NewWebhookSink("webhook", notify.WebhookConfig{
			URL:          w.URL,
			Headers:      w.Headers,
			MaxPerMinute: w.MaxPerMinute,
		}))
		required["webhook"] = w.Required
	}

	var routing notify.Routing
	if cfg.Notifications.Routing != nil {
		routing = make(notify.Routing, len(cfg.Notifications.Routing))
		for name, targets := range cfg.Notifications.Routing {
			t := events.Type(name)
			if !events.Valid(t) {
				log.Warnf("notifications.routing: unknown event type %q, entry ignored", name)
				continue
			}
			routing[t] = targets
		}
	}

	retention := notify.DefaultJournalRetention
	if d := cfg.Notifications.Journal.RetentionDays; d > 0 {
		retention = time.Duration(d) * 24 * time.Hour
	}
	journal, err := notify.OpenJournal(filepath.Join(cfg.DataDir, "events.db"), retention)
	if err != nil {
		return nil, nil, err
	}

	dispatcher := notify.NewDispatcher(sinks, notify.Options{
		Routing:       routing,
		Required:      required,
		TestOnStartup: cfg.Notifications.TestOnStartup,
		Source:        "frostguard/" + uuid.NewString(),
		Journal:       journal,
		Clock:         clk,
	})
	if err := dispatcher.ValidateAndProbe(ctx); err != nil {
		journal.Close()
		return nil, nil, err
	}
	return dispatcher, journal, nil
}

func (a *App) buildWeatherService(cfg *config.Config, tz *time.Location, dispatcher *notify.Dispatcher, clk clock.Clock) (*weather.Service, error) {
	provider := weather.NewOpenMeteoProvider(cfg.WeatherAPI.Endpoint, 0)
	cache := weather.NewCacheStore(filepath.Join(cfg.DataDir, "weather_cache.json"))
	loc := weather.Location{
		Latitude:  cfg.Location.Latitude,
		Longitude: cfg.Location.Longitude,
		Timezone:  tz,
	}

	svc := weather.NewService(provider, cache, loc, cfg.Resilience(), cfg.BlackIce(), dispatcher, clk, "weather")
	if err := svc.LoadCache(); err != nil {
		log.Warnf("could not load weather cache: %v", err)
	}
	return svc, nil
}

func (a *App) initDevices(ctx context.Context, cfg *config.Config, ctrl devices.Controller, dispatcher *notify.Dispatcher) {
	for _, g := range cfg.Groups {
		for _, d := range g.Devices {
			err := ctrl.InitDevice(ctx, g.Name, devices.Config{
				Name:             d.Name,
				IPAddress:        d.IPAddress,
				Outlets:          d.Outlets,
				DiscoveryTimeout: d.DiscoveryTimeout.Std(),
			})
			if err == nil {
				continue
			}
			log.Warnf("device init: %v", err)
			dispatcher.Publish(events.Event{
				Type:    events.DeviceLost,
				Message: fmt.Sprintf("Device %s (%s) in group %s is unreachable at startup", d.Name, d.IPAddress, g.Name),
				Details: map[string]interface{}{"group": g.Name, "device": d.Name, "ip_address": d.IPAddress},
			})
		}
	}
}

func (a *App) buildScheduler(cfg *config.Config, tz *time.Location, weatherService *weather.Service, deviceController devices.Controller, runtimeStore *state.RuntimeStore, manualStore *state.ManualStore, automationStore *state.AutomationStore, dispatcher *notify.Dispatcher, clk clock.Clock) (*scheduler.Scheduler, error) {
	groups := make([]scheduler.Group, 0, len(cfg.Groups))
	for i := range cfg.Groups {
		g := &cfg.Groups[i]
		schedules, err := g.BuildSchedules()
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", g.Name, err)
		}
		groups = append(groups, scheduler.Group{
			Name:      g.Name,
			Schedules: schedules,
			Safety:    g.EffectiveSafety(cfg.Safety),
		})
	}

	evaluator := schedule.NewEvaluator(solar.NewCalculator(), cfg.Location.Latitude, cfg.Location.Longitude)

	summaryCfg := cfg.Notifications.Summary
	var summary *scheduler.SummaryReporter
	if summaryCfg.Enabled {
		summary = scheduler.NewSummaryReporter(scheduler.SummaryConfig{
			Enabled:   true,
			Mode:      summaryCfg.Mode,
			At:        summaryCfg.At,
			StatePath: filepath.Join(cfg.DataDir, "forecast_notification_state.json"),
		}, weatherService, dispatcher, clk, tz)
	}

	return scheduler.New(scheduler.Options{
		Groups:     groups,
		Evaluator:  evaluator,
		Weather:    weatherService,
		Devices:    deviceController,
		Runtime:    runtimeStore,
		Manual:     manualStore,
		Automation: automationStore,
		Emitter:    dispatcher,
		Clock:      clk,
		Interval:   cfg.Scheduler.TickInterval.Std(),
		Vacation:   func() bool { return a.vacation.Load() },
		Summary:    summary,
	})
}

func (a *App) startJournalPruner(ctx context.Context, wg *sync.WaitGroup, journal *notify.Journal) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(6 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := journal.Prune(ctx, time.Now()); err != nil {
					log.Warnf("journal prune: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
