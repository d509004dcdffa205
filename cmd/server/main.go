package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/entitysync/internal/auth"
	"github.com/pscheid92/entitysync/internal/changelog"
	"github.com/pscheid92/entitysync/internal/config"
	"github.com/pscheid92/entitysync/internal/logging"
	"github.com/pscheid92/entitysync/internal/registry"
	"github.com/pscheid92/entitysync/internal/server"
	"github.com/pscheid92/entitysync/internal/session"
	"github.com/pscheid92/entitysync/internal/watcher"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config) (*pgxpool.Pool, *changelog.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := changelog.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	store := changelog.NewStore(pool)
	if err := store.Migrate(ctx); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool, store
}

func runGracefulShutdown(srv *server.Server, w *watcher.Watcher, conns *registry.Connections, cancelSweeper context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		w.Stop()
		cancelSweeper()
		conns.CloseAll("server shutting down")

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "port", cfg.Port)

	pool, store := setupDB(cfg)
	defer pool.Close()

	verifier, err := auth.NewVerifier([]byte(cfg.JWTSecret))
	if err != nil {
		slog.Error("Failed to create token verifier", "error", err)
		os.Exit(1)
	}

	conns := registry.NewConnections(clock)
	subs := registry.NewSubscriptions(clock)
	sessions := session.NewHandler(verifier, conns, subs, clock, cfg.TokenWarningWindow)

	w := watcher.New(store, subs, conns, clock, cfg.WatchInterval, cfg.WatchPageSize)
	if err := w.Start(context.Background()); err != nil {
		slog.Error("Failed to start change watcher", "error", err)
		os.Exit(1)
	}

	sweeper := registry.NewSweeper(subs, conns, clock, cfg.SweepInterval, cfg.StaleThreshold)
	sweeperCtx, cancelSweeper := context.WithCancel(context.Background())
	go sweeper.Run(sweeperCtx)

	healthChecks := []server.HealthCheck{
		{Name: "postgres", Check: store.Ping},
		{Name: "watcher", Check: func(context.Context) error {
			if !w.IsRunning() {
				return fmt.Errorf("watcher not running")
			}
			return nil
		}},
	}
	srv := server.NewServer(cfg, sessions, conns, subs, w, healthChecks)

	done := runGracefulShutdown(srv, w, conns, cancelSweeper)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
