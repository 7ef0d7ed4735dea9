// Package api implements the HTTP control surface: status, weather, events,
// manual overrides, automation flags, and metrics.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/frostguard/frostguard/internal/devices"
	"github.com/frostguard/frostguard/internal/log"
	"github.com/frostguard/frostguard/internal/metrics"
	"github.com/frostguard/frostguard/internal/notify"
	"github.com/frostguard/frostguard/internal/scheduler"
	"github.com/frostguard/frostguard/internal/state"
	"github.com/frostguard/frostguard/internal/weather"
	"github.com/frostguard/frostguard/pkg/config"
)

// pinHeader carries the control PIN on mutating requests.
const pinHeader = "X-Frostguard-PIN"

// Deps are the daemon components the API exposes.
type Deps struct {
	Config     *config.Config
	Scheduler  *scheduler.Scheduler
	Weather    *weather.Service
	Dispatcher *notify.Dispatcher
	Devices    devices.Controller
	Runtime    *state.RuntimeStore
	Manual     *state.ManualStore
	Automation *state.AutomationStore
}

// Controller serves the HTTP API.
type Controller struct {
	ctx    context.Context
	wg     *sync.WaitGroup
	cfg    config.APIConfig
	deps   Deps
	Server http.Server
	logger *zap.SugaredLogger
}

// NewController creates the API controller.
func NewController(ctx context.Context, wg *sync.WaitGroup, cfg config.APIConfig, deps Deps, logger *zap.SugaredLogger) (*Controller, error) {
	ctrl := &Controller{
		ctx:    ctx,
		wg:     wg,
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}

	if ctrl.cfg.ListenAddr == "" {
		logger.Info("api listen_addr not provided; defaulting to 127.0.0.1:8750")
		ctrl.cfg.ListenAddr = "127.0.0.1:8750"
	}
	if ctrl.cfg.PIN == "" {
		logger.Warn("api pin not configured; control endpoints are unauthenticated")
	}

	ctrl.Server.Addr = ctrl.cfg.ListenAddr
	ctrl.Server.Handler = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{logger}),
	)(ctrl.setupRouter())
	return ctrl, nil
}

type recoveryLogger struct{ l *zap.SugaredLogger }

func (r recoveryLogger) Println(args ...interface{}) { r.l.Error(args...) }

// StartController starts the HTTP server and ties its lifetime to the
// controller context.
func (c *Controller) StartController() error {
	log.Info("Starting API controller...")
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		c.logger.Infof("API server starting on %s", c.Server.Addr)
		if err := c.Server.ListenAndServe(); err != http.ErrServerClosed {
			log.Errorf("API server error: %v", err)
		}
	}()

	go func() {
		<-c.ctx.Done()
		log.Info("Shutting down the API server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.Server.Shutdown(shutdownCtx)
	}()

	return nil
}

func (c *Controller) setupRouter() *mux.Router {
	router := mux.NewRouter()
	router.Use(c.loggingMiddleware)

	router.Handle("/metrics", metrics.Handler()).Methods("GET")
	router.HandleFunc("/healthz", c.handleHealthz).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", c.handleStatus).Methods("GET")
	api.HandleFunc("/weather", c.handleWeather).Methods("GET")
	api.HandleFunc("/events", c.handleEvents).Methods("GET")

	ctl := api.NewRoute().Subrouter()
	ctl.Use(c.pinMiddleware)
	ctl.HandleFunc("/groups/{group}/override", c.handleSetOverride).Methods("POST")
	ctl.HandleFunc("/groups/{group}/override", c.handleClearOverride).Methods("DELETE")
	ctl.HandleFunc("/groups/{group}/automation/{flag}", c.handleSetAutomation).Methods("POST")
	ctl.HandleFunc("/notifications/test", c.handleNotificationTest).Methods("POST")

	return router
}

func (c *Controller) loggingMiddleware(next http.Handler) http.Handler {
	return handlers.CombinedLoggingHandler(loggingWriter{c.logger}, next)
}

type loggingWriter struct{ l *zap.SugaredLogger }

func (w loggingWriter) Write(p []byte) (int, error) {
	w.l.Debug(string(p))
	return len(p), nil
}

// pinMiddleware guards mutating endpoints with a constant-time PIN check.
func (c *Controller) pinMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.cfg.PIN != "" {
			got := r.Header.Get(pinHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(c.cfg.PIN)) != 1 {
				c.logger.Warnf("rejected %s %s: bad or missing PIN from %s", r.Method, r.URL.Path, r.RemoteAddr)
				http.Error(w, "invalid PIN", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
