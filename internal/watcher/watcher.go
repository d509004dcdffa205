// Package watcher tails the entity change log and fans invalidations out to
// interested connections.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/entitysync/internal/domain"
	"github.com/pscheid92/entitysync/internal/metrics"
	"github.com/pscheid92/entitysync/internal/protocol"
	"github.com/pscheid92/entitysync/internal/registry"
)

const (
	breakerFailureRate   = 0.6
	breakerMinExecutions = 5
	breakerWindow        = time.Minute
	breakerOpenDelay     = 30 * time.Second
)

// Watcher polls the change log at a fixed interval, resolves interested
// connections through the subscription registry, and pushes INVALIDATE
// frames through the connection registry. The cursor advances only after a
// batch fully completes, so a crash mid-batch re-processes rather than
// skips (at-least-once).
type Watcher struct {
	source   domain.ChangeSource
	subs     *registry.Subscriptions
	conns    *registry.Connections
	clock    clockwork.Clock
	interval time.Duration
	pageSize int
	breaker  circuitbreaker.CircuitBreaker[any]

	cursor      atomic.Int64
	lastSuccess atomic.Int64 // unix seconds; 0 = never

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Stats is a point-in-time snapshot for health probes.
type Stats struct {
	Running      bool      `json:"running"`
	Cursor       int64     `json:"cursor"`
	BreakerState string    `json:"breaker_state"`
	LastSuccess  time.Time `json:"last_success"`
}

func New(source domain.ChangeSource, subs *registry.Subscriptions, conns *registry.Connections, clock clockwork.Clock, interval time.Duration, pageSize int) *Watcher {
	w := &Watcher{
		source:   source,
		subs:     subs,
		conns:    conns,
		clock:    clock,
		interval: interval,
		pageSize: pageSize,
	}

	w.breaker = circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(breakerFailureRate, breakerMinExecutions, breakerWindow).
		WithDelay(breakerOpenDelay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Change-log circuit breaker state changed",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			metrics.WatcherBreakerStateChanges.WithLabelValues(e.NewState.String()).Inc()
			metrics.WatcherBreakerState.Set(stateToFloat(e.NewState))
		}).
		Build()

	return w
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

// Start positions the cursor at the tip of the change log and launches the
// polling loop. Returns domain.ErrWatcherRunning if already started.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return domain.ErrWatcherRunning
	}

	cursor, err := w.source.LatestCursor(ctx)
	if err != nil {
		return fmt.Errorf("failed to position watcher cursor: %w", err)
	}
	w.cursor.Store(cursor)
	metrics.WatcherCursor.Set(float64(cursor))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.run(runCtx)

	slog.Info("Change log watcher started", "interval", w.interval, "page_size", w.pageSize, "cursor", cursor)
	return nil
}

// Stop halts the polling loop. An in-flight poll is allowed to finish before
// Stop returns, so batches are never torn. Idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
	slog.Info("Change log watcher stopped", "cursor", w.cursor.Load())
}

// IsRunning reports whether the polling loop is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Cursor returns the last fully processed change id.
func (w *Watcher) Cursor() int64 {
	return w.cursor.Load()
}

// GetStats returns the watcher's operational state.
func (w *Watcher) GetStats() Stats {
	var last time.Time
	if secs := w.lastSuccess.Load(); secs > 0 {
		last = time.Unix(secs, 0).UTC()
	}
	return Stats{
		Running:      w.IsRunning(),
		Cursor:       w.cursor.Load(),
		BreakerState: w.breaker.State().String(),
		LastSuccess:  last,
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Watcher panic recovered", "panic", r)
		}
	}()

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			w.poll(ctx)
		}
	}
}

// poll processes one page of the change log. A query failure leaves the
// cursor unchanged; the next tick retries.
func (w *Watcher) poll(ctx context.Context) {
	start := w.clock.Now()
	defer func() {
		metrics.WatcherPollDuration.Observe(w.clock.Since(start).Seconds())
	}()

	if !w.breaker.TryAcquirePermit() {
		slog.Debug("Skipping poll: change-log circuit open")
		return
	}

	cursor := w.cursor.Load()
	changes, err := w.source.ChangesAfter(ctx, cursor, w.pageSize)
	if err != nil {
		w.breaker.RecordError(err)
		metrics.WatcherPollErrorsTotal.Inc()
		slog.Warn("Change log query failed", "cursor", cursor, "error", err)
		return
	}
	w.breaker.RecordSuccess()
	w.lastSuccess.Store(w.clock.Now().Unix())

	if len(changes) == 0 {
		return
	}

	w.deliver(changes)

	// Advance only after the whole batch was handed to the transport.
	newCursor := changes[len(changes)-1].ID
	w.cursor.Store(newCursor)
	metrics.WatcherCursor.Set(float64(newCursor))
	slog.Debug("Processed change batch", "count", len(changes), "cursor", newCursor)
}

type deliveryKey struct {
	connID     uuid.UUID
	entityCode string
}

// deliver groups the batch by (connection, entity code) and pushes one
// INVALIDATE frame per group. Sends to connections that died since the
// lookup are silently dropped by the connection registry.
func (w *Watcher) deliver(changes []domain.Change) {
	groups := make(map[deliveryKey][]protocol.ChangeItem)

	for _, change := range changes {
		item := protocol.ChangeItem{
			EntityID: change.EntityID,
			Action:   change.Action,
			Version:  change.Version,
		}
		for _, userID := range w.subs.Match(change.EntityCode, change.EntityID) {
			for _, connID := range w.conns.ForUser(userID) {
				key := deliveryKey{connID: connID, entityCode: change.EntityCode}
				groups[key] = append(groups[key], item)
			}
		}
	}

	if len(groups) == 0 {
		return
	}

	timestamp := w.clock.Now()
	for key, items := range groups {
		w.conns.Send(key.connID, protocol.NewInvalidate(key.entityCode, items, timestamp))
		metrics.InvalidationsSentTotal.Inc()
	}
}
