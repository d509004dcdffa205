package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/entitysync/internal/domain"
	"github.com/pscheid92/entitysync/internal/registry"
)

// stubVerifier resolves fixed tokens. Unknown tokens fail verification.
type stubVerifier struct {
	tokens map[string]domain.TokenClaims
}

func (s stubVerifier) Verify(token string) (domain.TokenClaims, error) {
	if claims, ok := s.tokens[token]; ok {
		return claims, nil
	}
	return domain.TokenClaims{}, domain.ErrInvalidToken
}

type sessionFixture struct {
	clock    *clockwork.FakeClock
	verifier stubVerifier
	conns    *registry.Connections
	subs     *registry.Subscriptions
	handler  *Handler
	dial     func(token string) *ws.Conn
}

// newSessionFixture wires a handler behind a real WebSocket endpoint. The
// fake clock starts at wall time so socket deadlines stay in the future.
func newSessionFixture(t *testing.T, warningWindow time.Duration) *sessionFixture {
	t.Helper()

	f := &sessionFixture{
		clock:    clockwork.NewFakeClockAt(time.Now()),
		verifier: stubVerifier{tokens: make(map[string]domain.TokenClaims)},
	}
	f.conns = registry.NewConnections(f.clock)
	f.subs = registry.NewSubscriptions(f.clock)
	f.handler = NewHandler(f.verifier, f.conns, f.subs, f.clock, warningWindow)

	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		f.handler.HandleConnection(conn, r.URL.Query().Get("token"))
	}))
	t.Cleanup(func() { srv.Close() })

	f.dial = func(token string) *ws.Conn {
		t.Helper()
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
		conn, _, err := ws.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return conn
	}

	return f
}

func (f *sessionFixture) addToken(token, subject string, expiresIn time.Duration) {
	f.verifier.tokens[token] = domain.TokenClaims{
		Subject:   subject,
		IssuedAt:  f.clock.Now(),
		ExpiresAt: f.clock.Now().Add(expiresIn),
	}
}

func (f *sessionFixture) waitForConnections(t *testing.T, expected int) {
	t.Helper()
	for range 100 {
		if f.conns.Count() == expected {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected %d connections, have %d", expected, f.conns.Count())
}

func sendFrame(t *testing.T, conn *ws.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(frame)))
}

func readFrame(t *testing.T, conn *ws.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	return decoded
}

func readCloseCode(t *testing.T, conn *ws.Conn) *ws.CloseError {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *ws.CloseError
		require.ErrorAs(t, err, &closeErr)
		return closeErr
	}
}

func TestHandleConnection_MissingTokenClosedWith4001(t *testing.T) {
	f := newSessionFixture(t, time.Minute)

	conn := f.dial("")

	frame := readFrame(t, conn)
	assert.Equal(t, "ERROR", frame["type"])

	closeErr := readCloseCode(t, conn)
	assert.Equal(t, CloseMissingToken, closeErr.Code)
	assert.Equal(t, 0, f.conns.Count())
}

func TestHandleConnection_InvalidTokenClosedWith4002(t *testing.T) {
	f := newSessionFixture(t, time.Minute)

	conn := f.dial("bogus")

	frame := readFrame(t, conn)
	assert.Equal(t, "ERROR", frame["type"])

	closeErr := readCloseCode(t, conn)
	assert.Equal(t, CloseInvalidToken, closeErr.Code)
	assert.Equal(t, 0, f.conns.Count())
}

func TestHandleConnection_SubscribeRepliesWithCount(t *testing.T) {
	f := newSessionFixture(t, time.Minute)
	f.addToken("tok", "alice", time.Hour)

	conn := f.dial("tok")
	f.waitForConnections(t, 1)

	sendFrame(t, conn, `{"type":"SUBSCRIBE","entityCode":"project","entityIds":["p1","p2"]}`)

	frame := readFrame(t, conn)
	assert.Equal(t, "SUBSCRIBED", frame["type"])
	assert.Equal(t, float64(2), frame["count"])

	assert.Equal(t, []string{"alice"}, f.subs.Match("project", "p1"))
}

func TestHandleConnection_WildcardSubscribeCount(t *testing.T) {
	f := newSessionFixture(t, time.Minute)
	f.addToken("tok", "alice", time.Hour)

	conn := f.dial("tok")
	f.waitForConnections(t, 1)

	sendFrame(t, conn, `{"type":"SUBSCRIBE","entityCode":"project"}`)

	frame := readFrame(t, conn)
	assert.Equal(t, "SUBSCRIBED", frame["type"])
	assert.Equal(t, float64(registry.WildcardCount), frame["count"])
}

func TestHandleConnection_PingPong(t *testing.T) {
	f := newSessionFixture(t, time.Minute)
	f.addToken("tok", "alice", time.Hour)

	conn := f.dial("tok")
	f.waitForConnections(t, 1)

	sendFrame(t, conn, `{"type":"PING"}`)
	assert.Equal(t, "PONG", readFrame(t, conn)["type"])
}

func TestHandleConnection_MalformedFrameKeepsConnectionOpen(t *testing.T) {
	f := newSessionFixture(t, time.Minute)
	f.addToken("tok", "alice", time.Hour)

	conn := f.dial("tok")
	f.waitForConnections(t, 1)

	sendFrame(t, conn, `{not json`)
	assert.Equal(t, "ERROR", readFrame(t, conn)["type"])

	// Still alive and serving.
	sendFrame(t, conn, `{"type":"PING"}`)
	assert.Equal(t, "PONG", readFrame(t, conn)["type"])
}

func TestHandleConnection_UnknownTypeIsIgnored(t *testing.T) {
	f := newSessionFixture(t, time.Minute)
	f.addToken("tok", "alice", time.Hour)

	conn := f.dial("tok")
	f.waitForConnections(t, 1)

	sendFrame(t, conn, `{"type":"FROBNICATE"}`)

	// No reply, no close. The next ping still answers.
	sendFrame(t, conn, `{"type":"PING"}`)
	assert.Equal(t, "PONG", readFrame(t, conn)["type"])
}

func TestHandleConnection_UnsubscribeNarrowsInterest(t *testing.T) {
	f := newSessionFixture(t, time.Minute)
	f.addToken("tok", "alice", time.Hour)

	conn := f.dial("tok")
	f.waitForConnections(t, 1)

	sendFrame(t, conn, `{"type":"SUBSCRIBE","entityCode":"project","entityIds":["p1","p2"]}`)
	readFrame(t, conn)

	sendFrame(t, conn, `{"type":"UNSUBSCRIBE","entityCode":"project","entityIds":["p1"]}`)

	// UNSUBSCRIBE has no reply; verify through a ping round trip.
	sendFrame(t, conn, `{"type":"PING"}`)
	readFrame(t, conn)

	assert.Empty(t, f.subs.Match("project", "p1"))
	assert.Equal(t, []string{"alice"}, f.subs.Match("project", "p2"))
}

func TestHandleConnection_UnsubscribeAll(t *testing.T) {
	f := newSessionFixture(t, time.Minute)
	f.addToken("tok", "alice", time.Hour)

	conn := f.dial("tok")
	f.waitForConnections(t, 1)

	sendFrame(t, conn, `{"type":"SUBSCRIBE","entityCode":"project","entityIds":["p1"]}`)
	readFrame(t, conn)
	sendFrame(t, conn, `{"type":"SUBSCRIBE","entityCode":"task"}`)
	readFrame(t, conn)

	sendFrame(t, conn, `{"type":"UNSUBSCRIBE_ALL"}`)
	sendFrame(t, conn, `{"type":"PING"}`)
	readFrame(t, conn)

	assert.Empty(t, f.subs.Match("project", "p1"))
	assert.Empty(t, f.subs.Match("task", "x"))
}

func TestHandleConnection_TokenRefreshUpdatesExpiry(t *testing.T) {
	f := newSessionFixture(t, time.Minute)
	f.addToken("tok", "alice", time.Hour)
	f.addToken("tok2", "alice", 2*time.Hour)

	conn := f.dial("tok")
	f.waitForConnections(t, 1)
	connID := f.conns.IDs()[0]

	sendFrame(t, conn, `{"type":"TOKEN_REFRESH","token":"tok2"}`)
	sendFrame(t, conn, `{"type":"PING"}`)
	assert.Equal(t, "PONG", readFrame(t, conn)["type"])

	expiry, ok := f.conns.TokenExpiry(connID)
	require.True(t, ok)
	assert.True(t, expiry.Equal(f.clock.Now().Add(2*time.Hour)))
}

func TestHandleConnection_TokenRefreshSubjectMismatch(t *testing.T) {
	f := newSessionFixture(t, time.Minute)
	f.addToken("tok", "alice", time.Hour)
	f.addToken("bobs", "bob", 2*time.Hour)

	conn := f.dial("tok")
	f.waitForConnections(t, 1)
	connID := f.conns.IDs()[0]
	before, _ := f.conns.TokenExpiry(connID)

	sendFrame(t, conn, `{"type":"TOKEN_REFRESH","token":"bobs"}`)
	assert.Equal(t, "ERROR", readFrame(t, conn)["type"])

	// Connection survives and expiry is untouched.
	after, ok := f.conns.TokenExpiry(connID)
	require.True(t, ok)
	assert.True(t, after.Equal(before))
}

func TestHandleConnection_TokenRefreshInvalidToken(t *testing.T) {
	f := newSessionFixture(t, time.Minute)
	f.addToken("tok", "alice", time.Hour)

	conn := f.dial("tok")
	f.waitForConnections(t, 1)

	sendFrame(t, conn, `{"type":"TOKEN_REFRESH","token":"bogus"}`)
	assert.Equal(t, "ERROR", readFrame(t, conn)["type"])

	sendFrame(t, conn, `{"type":"PING"}`)
	assert.Equal(t, "PONG", readFrame(t, conn)["type"])
}

func TestHandleConnection_ExpiryWarningFires(t *testing.T) {
	f := newSessionFixture(t, time.Minute)
	f.addToken("tok", "alice", 2*time.Minute)

	conn := f.dial("tok")
	f.waitForConnections(t, 1)

	// Wait for both the writer ticker and the warning timer to be armed,
	// then advance to the warning moment (expiry minus the window).
	require.NoError(t, f.clock.BlockUntilContext(t.Context(), 2))
	f.clock.Advance(time.Minute)

	frame := readFrame(t, conn)
	assert.Equal(t, "TOKEN_EXPIRING_SOON", frame["type"])
	assert.InDelta(t, 60, frame["expiresIn"], 1)
}

func TestHandleConnection_RefreshSuppressesPendingWarning(t *testing.T) {
	f := newSessionFixture(t, time.Minute)
	f.addToken("tok", "alice", 2*time.Minute)

	conn := f.dial("tok")
	f.waitForConnections(t, 1)

	// Refresh before the old warning would fire.
	f.verifier.tokens["tok2"] = domain.TokenClaims{
		Subject:   "alice",
		ExpiresAt: f.clock.Now().Add(time.Hour),
	}
	sendFrame(t, conn, `{"type":"TOKEN_REFRESH","token":"tok2"}`)
	sendFrame(t, conn, `{"type":"PING"}`)
	assert.Equal(t, "PONG", readFrame(t, conn)["type"])

	// The original warning moment passes without a frame.
	f.clock.Advance(2 * time.Minute)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, data, err := conn.ReadMessage()
	assert.Error(t, err, "unexpected frame: %s", string(data))
}

func TestHandleConnection_DisconnectDetachesSubscriptions(t *testing.T) {
	f := newSessionFixture(t, time.Minute)
	f.addToken("tok", "alice", time.Hour)

	conn := f.dial("tok")
	f.waitForConnections(t, 1)

	sendFrame(t, conn, `{"type":"SUBSCRIBE","entityCode":"project","entityIds":["p1"]}`)
	readFrame(t, conn)

	require.NoError(t, conn.Close())
	f.waitForConnections(t, 0)

	// Interest is retained for a possible reconnect, but the bucket is
	// detached and eligible for the stale sweep.
	assert.Equal(t, []string{"alice"}, f.subs.Match("project", "p1"))
	for range 100 {
		if f.subs.Stats().Detached == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("bucket was not detached after disconnect")
}
