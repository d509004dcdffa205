// Package server wires the HTTP surface: the WebSocket upgrade endpoint,
// health probes, and metrics.
package server

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/pscheid92/entitysync/internal/config"
	"github.com/pscheid92/entitysync/internal/registry"
	"github.com/pscheid92/entitysync/internal/session"
	"github.com/pscheid92/entitysync/internal/watcher"
)

type Server struct {
	echo         *echo.Echo
	config       *config.Config
	sessions     *session.Handler
	conns        *registry.Connections
	subs         *registry.Subscriptions
	watcher      *watcher.Watcher
	limiter      *GlobalConnectionLimiter
	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg *config.Config, sessions *session.Handler, conns *registry.Connections, subs *registry.Subscriptions, w *watcher.Watcher, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	srv := &Server{
		echo:         e,
		config:       cfg,
		sessions:     sessions,
		conns:        conns,
		subs:         subs,
		watcher:      w,
		limiter:      NewGlobalConnectionLimiter(cfg.MaxConnections),
		healthChecks: healthChecks,
		startTime:    time.Now(),
	}

	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	return s.echo.Start(":" + s.config.Port)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
