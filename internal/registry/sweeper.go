package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Sweeper periodically garbage-collects subscription buckets orphaned by
// disconnects. It runs on its own cadence, independent of and much less
// frequent than the change-log watcher.
type Sweeper struct {
	subs      *Subscriptions
	conns     *Connections
	clock     clockwork.Clock
	interval  time.Duration
	threshold time.Duration
}

func NewSweeper(subs *Subscriptions, conns *Connections, clock clockwork.Clock, interval, threshold time.Duration) *Sweeper {
	return &Sweeper{
		subs:      subs,
		conns:     conns,
		clock:     clock,
		interval:  interval,
		threshold: threshold,
	}
}

// Run starts the periodic sweep loop. It blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("Stale subscription sweeper started", "interval", s.interval, "threshold", s.threshold)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Stale subscription sweeper stopped")
			return
		case <-ticker.Chan():
			s.Sweep()
		}
	}
}

// Sweep runs a single pass. Exposed for operational tooling and tests.
func (s *Sweeper) Sweep() int {
	return s.subs.CleanupStale(s.threshold, s.conns.UserHasConnections)
}
