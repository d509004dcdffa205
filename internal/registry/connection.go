package registry

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/entitysync/internal/metrics"
)

// connection is one live client socket. The writer is the only send handle
// and is owned exclusively by the registry entry.
type connection struct {
	id          uuid.UUID
	userID      string
	writer      *clientWriter
	tokenExpiry time.Time
}

// Connections is the registry of live client connections. All methods are
// safe for concurrent use from per-connection handlers, the watcher, and
// the sweeper.
type Connections struct {
	mu     sync.RWMutex
	clock  clockwork.Clock
	conns  map[uuid.UUID]*connection
	byUser map[string]map[uuid.UUID]struct{}
}

// ConnectionStats is a point-in-time snapshot for health probes.
type ConnectionStats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
}

func NewConnections(clock clockwork.Clock) *Connections {
	return &Connections{
		clock:  clock,
		conns:  make(map[uuid.UUID]*connection),
		byUser: make(map[string]map[uuid.UUID]struct{}),
	}
}

// Connect registers a freshly authenticated socket and returns its generated
// connection ID. The registry takes ownership of writes to conn.
func (r *Connections) Connect(userID string, conn *websocket.Conn, tokenExpiry time.Time) uuid.UUID {
	c := &connection{
		id:          uuid.New(),
		userID:      userID,
		writer:      newClientWriter(conn, r.clock),
		tokenExpiry: tokenExpiry,
	}

	r.mu.Lock()
	r.conns[c.id] = c
	userConns, ok := r.byUser[userID]
	if !ok {
		userConns = make(map[uuid.UUID]struct{})
		r.byUser[userID] = userConns
	}
	userConns[c.id] = struct{}{}
	total := len(r.conns)
	r.mu.Unlock()

	metrics.ConnectionsCurrent.Set(float64(total))
	metrics.ConnectionsTotal.Inc()
	slog.Debug("Connection registered", "connection_id", c.id.String(), "user_id", userID, "total_connections", total)
	return c.id
}

// Disconnect removes a connection and stops its writer. Idempotent: unknown
// IDs are a no-op.
func (r *Connections) Disconnect(id uuid.UUID) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)
	if userConns, ok := r.byUser[c.userID]; ok {
		delete(userConns, id)
		if len(userConns) == 0 {
			delete(r.byUser, c.userID)
		}
	}
	total := len(r.conns)
	r.mu.Unlock()

	// Stop outside the lock: stop waits for the writer goroutine to exit.
	c.writer.stop()

	metrics.ConnectionsCurrent.Set(float64(total))
	slog.Debug("Connection removed", "connection_id", id.String(), "user_id", c.userID, "total_connections", total)
}

// UpdateTokenExpiry refreshes the stored credential expiry. A no-op if the
// connection is already gone (races with Disconnect are expected).
func (r *Connections) UpdateTokenExpiry(id uuid.UUID, expiry time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		c.tokenExpiry = expiry
	}
}

// Send delivers a JSON frame to a connection, best effort. Frames to unknown
// connections are dropped silently; frames to slow connections whose buffer
// is full are dropped and counted.
func (r *Connections) Send(id uuid.UUID, message any) {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		metrics.MessagesDroppedTotal.Inc()
		return
	}

	data, err := json.Marshal(message)
	if err != nil {
		slog.Error("Failed to marshal outbound frame", "connection_id", id.String(), "error", err)
		return
	}

	select {
	case c.writer.sendChannel <- data:
	default:
		metrics.MessagesDroppedTotal.Inc()
		slog.Warn("Dropping frame for slow connection", "connection_id", id.String(), "user_id", c.userID)
	}
}

// Has reports whether the connection is still registered.
func (r *Connections) Has(id uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[id]
	return ok
}

// TokenExpiry returns the connection's current credential expiry.
func (r *Connections) TokenExpiry(id uuid.UUID) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return time.Time{}, false
	}
	return c.tokenExpiry, true
}

// ForUser returns the IDs of the user's live connections.
func (r *Connections) ForUser(userID string) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userConns := r.byUser[userID]
	ids := make([]uuid.UUID, 0, len(userConns))
	for id := range userConns {
		ids = append(ids, id)
	}
	return ids
}

// UserHasConnections reports whether the user has at least one live connection.
func (r *Connections) UserHasConnections(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// IDs returns all live connection IDs.
func (r *Connections) IDs() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live connections.
func (r *Connections) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Stats returns counts for the health and stats endpoints.
func (r *Connections) Stats() ConnectionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ConnectionStats{Connections: len(r.conns), Users: len(r.byUser)}
}

// CloseAll gracefully closes every connection with a normal-closure frame.
// Used during shutdown.
func (r *Connections) CloseAll(reason string) {
	r.mu.Lock()
	closing := make([]*connection, 0, len(r.conns))
	for id, c := range r.conns {
		closing = append(closing, c)
		delete(r.conns, id)
	}
	for userID := range r.byUser {
		delete(r.byUser, userID)
	}
	r.mu.Unlock()

	for _, c := range closing {
		c.writer.stopGraceful(websocket.CloseNormalClosure, reason)
	}

	metrics.ConnectionsCurrent.Set(0)
	slog.Info("All connections closed", "count", len(closing), "reason", reason)
}
