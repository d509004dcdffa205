// Package session implements the per-connection protocol state machine:
// authenticate on accept, dispatch inbound frames to the registries, and
// schedule credential-expiry warnings.
package session

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/entitysync/internal/domain"
	"github.com/pscheid92/entitysync/internal/metrics"
	"github.com/pscheid92/entitysync/internal/protocol"
	"github.com/pscheid92/entitysync/internal/registry"
)

// Close codes for accept-time authentication failures. Distinct codes let
// clients tell "no token sent" apart from "token rejected".
const (
	CloseMissingToken = 4001
	CloseInvalidToken = 4002
)

const rejectWriteTimeout = 5 * time.Second

// Handler authenticates accepted sockets and runs their read loop.
type Handler struct {
	verifier      domain.TokenVerifier
	conns         *registry.Connections
	subs          *registry.Subscriptions
	clock         clockwork.Clock
	warningWindow time.Duration
}

func NewHandler(verifier domain.TokenVerifier, conns *registry.Connections, subs *registry.Subscriptions, clock clockwork.Clock, warningWindow time.Duration) *Handler {
	return &Handler{
		verifier:      verifier,
		conns:         conns,
		subs:          subs,
		clock:         clock,
		warningWindow: warningWindow,
	}
}

// HandleConnection drives one socket from accept to close. It blocks until
// the transport closes, then removes the connection from the registry and
// cleans up its subscription attribution.
func (h *Handler) HandleConnection(conn *websocket.Conn, token string) {
	if token == "" {
		metrics.AuthFailuresTotal.WithLabelValues("missing").Inc()
		h.reject(conn, CloseMissingToken, "missing token")
		return
	}

	claims, err := h.verifier.Verify(token)
	if err != nil {
		metrics.AuthFailuresTotal.WithLabelValues("invalid").Inc()
		slog.Warn("Rejecting connection: token verification failed", "error", err)
		h.reject(conn, CloseInvalidToken, "invalid token")
		return
	}

	connID := h.conns.Connect(claims.Subject, conn, claims.ExpiresAt)
	h.scheduleExpiryWarning(connID, claims.ExpiresAt)

	defer func() {
		h.conns.Disconnect(connID)
		h.subs.CleanupConnection(connID)
		slog.Info("Session closed", "connection_id", connID.String(), "user_id", claims.Subject)
	}()

	slog.Info("Session authenticated", "connection_id", connID.String(), "user_id", claims.Subject)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.dispatch(connID, claims.Subject, data)
	}
}

// reject sends an ERROR frame followed by a close frame with the given code.
// The socket was never registered, so writing directly is safe here.
func (h *Handler) reject(conn *websocket.Conn, code int, message string) {
	deadline := h.clock.Now().Add(rejectWriteTimeout)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteJSON(protocol.NewError(message))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, message))
	_ = conn.Close()
}

func (h *Handler) dispatch(connID uuid.UUID, userID string, data []byte) {
	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		metrics.MalformedMessagesTotal.Inc()
		slog.Warn("Malformed client frame", "connection_id", connID.String(), "error", err)
		h.conns.Send(connID, protocol.NewError("malformed message"))
		return
	}

	switch m := msg.(type) {
	case protocol.Subscribe:
		metrics.ClientMessagesTotal.WithLabelValues(protocol.TypeSubscribe).Inc()
		count := h.subs.Subscribe(userID, connID, m.EntityCode, m.EntityIDs)
		h.conns.Send(connID, protocol.NewSubscribed(count))
		slog.Debug("Subscribed", "connection_id", connID.String(), "user_id", userID, "entity_code", m.EntityCode, "count", count)

	case protocol.Unsubscribe:
		metrics.ClientMessagesTotal.WithLabelValues(protocol.TypeUnsubscribe).Inc()
		h.subs.Unsubscribe(userID, m.EntityCode, m.EntityIDs)

	case protocol.UnsubscribeAll:
		metrics.ClientMessagesTotal.WithLabelValues(protocol.TypeUnsubscribeAll).Inc()
		h.subs.UnsubscribeAll(userID)

	case protocol.TokenRefresh:
		metrics.ClientMessagesTotal.WithLabelValues(protocol.TypeTokenRefresh).Inc()
		h.handleTokenRefresh(connID, userID, m.Token)

	case protocol.Ping:
		metrics.ClientMessagesTotal.WithLabelValues(protocol.TypePing).Inc()
		h.conns.Send(connID, protocol.NewPong())

	case protocol.Unknown:
		slog.Warn("Ignoring unknown frame type", "connection_id", connID.String(), "type", m.Type)
	}
}

// handleTokenRefresh re-verifies the presented token. Failure or a subject
// mismatch replies ERROR without altering connection state.
func (h *Handler) handleTokenRefresh(connID uuid.UUID, userID string, token string) {
	claims, err := h.verifier.Verify(token)
	if err != nil {
		slog.Warn("Token refresh failed", "connection_id", connID.String(), "error", err)
		h.conns.Send(connID, protocol.NewError("invalid token"))
		return
	}
	if claims.Subject != userID {
		slog.Warn("Token refresh subject mismatch", "connection_id", connID.String(), "user_id", userID)
		h.conns.Send(connID, protocol.NewError("token subject mismatch"))
		return
	}

	h.conns.UpdateTokenExpiry(connID, claims.ExpiresAt)
	h.scheduleExpiryWarning(connID, claims.ExpiresAt)
	slog.Debug("Token refreshed", "connection_id", connID.String(), "expiry", claims.ExpiresAt)
}

// scheduleExpiryWarning arms a one-shot timer for (expiry - warningWindow).
// Cancellation is by comparison: when the timer fires, it sends only if the
// connection still exists and its current expiry equals the expiry this
// timer was armed for. A later refresh changes the stored expiry and thereby
// suppresses stale timers.
func (h *Handler) scheduleExpiryWarning(connID uuid.UUID, expiry time.Time) {
	fireIn := expiry.Sub(h.clock.Now()) - h.warningWindow
	if fireIn < 0 {
		fireIn = 0
	}

	h.clock.AfterFunc(fireIn, func() {
		current, ok := h.conns.TokenExpiry(connID)
		if !ok || !current.Equal(expiry) {
			return
		}

		remaining := current.Sub(h.clock.Now())
		if remaining < 0 {
			remaining = 0
		}
		h.conns.Send(connID, protocol.NewTokenExpiringSoon(remaining))
		metrics.TokenWarningsSentTotal.Inc()
		slog.Debug("Token expiry warning sent", "connection_id", connID.String(), "expires_in", remaining)
	})
}
