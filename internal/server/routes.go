package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	upgradeRatePerSecond = 10
	upgradeBurst         = 20
)

func (s *Server) registerRoutes() {
	// Observability endpoints (no auth required)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/stats", s.handleStats)
	s.echo.GET("/version", s.handleVersion)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// WebSocket upgrade; per-IP rate limited to blunt reconnect storms
	s.echo.GET("/ws", s.handleWebSocket, newRateLimiter(upgradeRatePerSecond, upgradeBurst))
}
