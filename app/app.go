// Package app wires config, logging, middleware and the engine into a
// runnable server with signal-driven shutdown.
package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/searchktools/reactor/config"
	"github.com/searchktools/reactor/core"
	"github.com/searchktools/reactor/core/http"
	"github.com/searchktools/reactor/logging"
	"github.com/searchktools/reactor/middleware"
	"github.com/searchktools/reactor/router"
)

// App is one configured server instance.
type App struct {
	cfg        config.Config
	configPath string
	log        *logging.Logger
	router     *router.Router
	engine     *core.Engine

	// extra middlewares appended between the built-ins and the router.
	mws []middleware.Middleware
}

// New builds an App from a loaded config. Routes are registered on
// Router() before Run.
func New(cfg config.Config) *App {
	return &App{
		cfg:    cfg,
		log:    logging.New(logging.ParseLevel(cfg.LogLevel)),
		router: router.New(),
	}
}

// WatchConfig makes Run watch path and apply reloadable settings to the
// running server.
func (a *App) WatchConfig(path string) { a.configPath = path }

// Router exposes the route table for registration.
func (a *App) Router() *router.Router { return a.router }

// Logger exposes the app logger so handlers share it.
func (a *App) Logger() *logging.Logger { return a.log }

// Use appends a middleware. Call before Run.
func (a *App) Use(mw middleware.Middleware) { a.mws = append(a.mws, mw) }

// Snapshot reports engine counters; zero before Run.
func (a *App) Snapshot() string {
	if a.engine == nil {
		return ""
	}
	return a.engine.Snapshot().String()
}

func (a *App) buildHandler() core.Handler {
	mws := []middleware.Middleware{middleware.Recovery(a.log)}
	if a.cfg.GzipEnabled {
		mws = append(mws, middleware.Gzip(a.cfg.GzipMinBytes))
	}
	mws = append(mws, a.mws...)
	return middleware.Chain(a.router, mws...)
}

func (a *App) engineOptions() core.Options {
	return core.Options{
		Addr:           a.cfg.Address,
		Port:           a.cfg.Port,
		Backlog:        a.cfg.Backlog,
		Loops:          a.cfg.Loops,
		ReadBufferSize: a.cfg.ReadBufferSize,
		Limits: http.Limits{
			MaxLineLen:  a.cfg.MaxLineLength,
			MaxHeaders:  a.cfg.MaxHeaders,
			MaxBodySize: a.cfg.MaxBodySize,
		},
		MaxConns:          a.cfg.MaxConns,
		MaxConnsPerLoop:   a.cfg.MaxConnsPerLoop,
		MaxConnsPerSource: a.cfg.MaxConnsPerSource,
		IdleTimeout:       a.cfg.IdleTimeout,
		DrainGrace:        a.cfg.DrainGrace,
		PoolMaxResident:   a.cfg.PoolMaxBytes,
		Logger:            a.log,
	}
}

// Run serves until SIGINT or SIGTERM, then drains gracefully. It blocks
// for the server's whole lifetime.
func (a *App) Run() error {
	engine, err := core.NewEngine(a.buildHandler(), a.engineOptions())
	if err != nil {
		return err
	}
	a.engine = engine

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.configPath != "" {
		err := config.Watch(ctx, a.configPath, func(cfg config.Config) {
			// Listener and loop topology are fixed for the process;
			// only the log level follows the file.
			a.log.SetLevel(logging.ParseLevel(cfg.LogLevel))
			a.log.Infof("config reloaded, log level now %s", cfg.LogLevel)
		}, func(err error) {
			a.log.Warnf("config reload skipped: %v", err)
		})
		if err != nil {
			a.log.Warnf("config watch unavailable: %v", err)
		}
	}

	go func() {
		<-ctx.Done()
		a.log.Infof("shutdown signal received, draining")
	}()

	a.log.Infof("starting on %s:%d (pid %d)", a.cfg.Address, engine.Port(), os.Getpid())
	return engine.Run(ctx)
}
