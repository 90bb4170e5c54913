package server_test

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/palaver-chat/palaver/internal/server"
)

const testOrigin = "http://client.example.com"

var tokenPattern = regexp.MustCompile(`window\.token = "([^"]+)"`)

type wsEnvelope struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func newTestServer(t *testing.T) (*server.Server, *httptest.Server) {
	t.Helper()
	return newTestServerWith(t, nil)
}

func newTestServerWith(t *testing.T, adjust func(*server.Config)) (*server.Server, *httptest.Server) {
	t.Helper()

	cfg := server.NewConfig()
	cfg.TokenSecret = "handlers-test-secret"
	cfg.AllowedOrigins = []string{testOrigin}
	if adjust != nil {
		adjust(cfg)
	}

	srv := server.New(cfg, zerolog.Nop())
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return srv, ts
}

// login posts credentials and extracts the handoff token from the entry page.
func login(t *testing.T, ts *httptest.Server, username string) string {
	t.Helper()

	resp, err := http.PostForm(ts.URL+"/login", url.Values{
		"username": {username},
		"password": {"anything"},
	})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	match := tokenPattern.FindSubmatch(body)
	require.NotNil(t, match, "entry page should embed window.token")
	return string(match[1])
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// dial opens a WebSocket connection presenting the token as a subprotocol,
// the way the browser client does.
func dial(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{Subprotocols: []string{"token", token}}
	conn, resp, err := dialer.Dial(wsURL(ts), http.Header{"Origin": []string{testOrigin}})
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wsEnvelope {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var env wsEnvelope
	require.NoError(t, json.Unmarshal(frame, &env))
	return env
}

func TestLoginIssuesVerifiableToken(t *testing.T) {
	srv, ts := newTestServer(t)

	raw := login(t, ts, "alice")

	claims, err := srv.Issuer().Verify(raw)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.UserID)

	entry, err := srv.Sessions().Get(claims.SessionKey)
	require.NoError(t, err)
	require.Equal(t, "alice", entry.Profile.ID)
}

func TestLoginFormIsServed(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/login")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `name="username"`)
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	_, ts := newTestServer(t)

	dialer := websocket.Dialer{}
	conn, resp, err := dialer.Dial(wsURL(ts), http.Header{"Origin": []string{testOrigin}})
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketRejectsForgedToken(t *testing.T) {
	_, ts := newTestServer(t)

	dialer := websocket.Dialer{Subprotocols: []string{"token", "not-a-real-token"}}
	conn, resp, err := dialer.Dial(wsURL(ts), http.Header{"Origin": []string{testOrigin}})
	require.Error(t, err)
	require.Nil(t, conn)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketAcceptsQueryParameterToken(t *testing.T) {
	_, ts := newTestServer(t)
	raw := login(t, ts, "alice")

	dialer := websocket.Dialer{}
	conn, resp, err := dialer.Dial(wsURL(ts)+"?token="+url.QueryEscape(raw), http.Header{"Origin": []string{testOrigin}})
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	env := readEnvelope(t, conn)
	require.Equal(t, "USER_JOINS_ROOM", env.Type)
	require.Equal(t, "alice", env.Data["id"])
}

func TestWebSocketPresenceAndChatFlow(t *testing.T) {
	_, ts := newTestServer(t)

	alice := dial(t, ts, login(t, ts, "alice"))

	// Alice sees herself join.
	env := readEnvelope(t, alice)
	require.Equal(t, "USER_JOINS_ROOM", env.Type)
	require.Equal(t, "alice", env.Data["id"])

	bob := dial(t, ts, login(t, ts, "bob"))

	// Bob replays the room in join order, himself included.
	env = readEnvelope(t, bob)
	require.Equal(t, "USER_JOINS_ROOM", env.Type)
	require.Equal(t, "alice", env.Data["id"])
	env = readEnvelope(t, bob)
	require.Equal(t, "USER_JOINS_ROOM", env.Type)
	require.Equal(t, "bob", env.Data["id"])

	// Alice sees bob arrive.
	env = readEnvelope(t, alice)
	require.Equal(t, "USER_JOINS_ROOM", env.Type)
	require.Equal(t, "bob", env.Data["id"])

	// Alice sends a chat message; the server stamps identity and a fresh id.
	frame := `{"uri": "CHAT_MESSAGE", "payload": {"id": "client-chosen", "from": "spoofed", "body": "hello"}}`
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(frame)))

	for _, conn := range []*websocket.Conn{alice, bob} {
		env = readEnvelope(t, conn)
		require.Equal(t, "CHAT_MESSAGE", env.Type)
		require.Equal(t, "alice", env.Data["from"])
		require.Equal(t, "hello", env.Data["body"])
		require.NotEmpty(t, env.Data["id"])
		require.NotEqual(t, "client-chosen", env.Data["id"])
	}

	// Bob drops; alice is told.
	require.NoError(t, bob.Close())
	env = readEnvelope(t, alice)
	require.Equal(t, "USER_LEAVES_ROOM", env.Type)
	require.Equal(t, "bob", env.Data["id"])
}

func TestWebSocketRejectsDuplicateUser(t *testing.T) {
	_, ts := newTestServer(t)
	raw := login(t, ts, "alice")

	first := dial(t, ts, raw)
	env := readEnvelope(t, first)
	require.Equal(t, "USER_JOINS_ROOM", env.Type)

	second := dial(t, ts, raw)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := second.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))

	// The first connection is unaffected and receives no presence noise.
	frame := `{"uri": "CHAT_MESSAGE", "payload": {"body": "still here"}}`
	require.NoError(t, first.WriteMessage(websocket.TextMessage, []byte(frame)))
	env = readEnvelope(t, first)
	require.Equal(t, "CHAT_MESSAGE", env.Type)
	require.Equal(t, "still here", env.Data["body"])
}

func TestWebSocketSurvivesMalformedFrames(t *testing.T) {
	_, ts := newTestServer(t)

	alice := dial(t, ts, login(t, ts, "alice"))
	env := readEnvelope(t, alice)
	require.Equal(t, "USER_JOINS_ROOM", env.Type)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("this is not json")))
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"uri": "FUTURE_KIND", "payload": {}}`)))

	// The connection is still live and messages still flow.
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"uri": "CHAT_MESSAGE", "payload": {"body": "alive"}}`)))
	env = readEnvelope(t, alice)
	require.Equal(t, "CHAT_MESSAGE", env.Type)
	require.Equal(t, "alive", env.Data["body"])
}

func TestWebSocketRateLimitDropsFramesButKeepsConnection(t *testing.T) {
	srv, ts := newTestServerWith(t, func(cfg *server.Config) {
		cfg.RateLimit.Burst = 1
		cfg.RateLimit.RefillInterval = time.Hour
	})

	alice := dial(t, ts, login(t, ts, "alice"))
	env := readEnvelope(t, alice)
	require.Equal(t, "USER_JOINS_ROOM", env.Type)

	// The single budgeted message goes through.
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"uri": "CHAT_MESSAGE", "payload": {"body": "one"}}`)))
	env = readEnvelope(t, alice)
	require.Equal(t, "CHAT_MESSAGE", env.Type)
	require.Equal(t, "one", env.Data["body"])

	// Over-limit frames are dropped without closing the connection.
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"uri": "CHAT_MESSAGE", "payload": {"body": "two"}}`)))
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"uri": "CHAT_MESSAGE", "payload": {"body": "three"}}`)))

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(500*time.Millisecond)))
	_, _, err := alice.ReadMessage()
	require.Error(t, err)
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	require.True(t, nerr.Timeout(), "expected silence, not a closed connection")

	// The connection is still bound in the room.
	require.Equal(t, 1, srv.Hub().Len())
}

func TestWebSocketAllowsMissingOriginUnderWildcard(t *testing.T) {
	_, ts := newTestServerWith(t, func(cfg *server.Config) {
		cfg.AllowedOrigins = []string{"*"}
	})
	raw := login(t, ts, "alice")

	// Non-browser clients send no Origin header at all.
	dialer := websocket.Dialer{}
	conn, resp, err := dialer.Dial(wsURL(ts)+"?token="+url.QueryEscape(raw), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	env := readEnvelope(t, conn)
	require.Equal(t, "USER_JOINS_ROOM", env.Type)
	require.Equal(t, "alice", env.Data["id"])
}

func TestWebSocketBlocksDisallowedOrigin(t *testing.T) {
	_, ts := newTestServer(t)
	raw := login(t, ts, "alice")

	dialer := websocket.Dialer{Subprotocols: []string{"token", raw}}
	conn, resp, err := dialer.Dial(wsURL(ts), http.Header{"Origin": []string{"http://evil.example.com"}})
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "running")
}

func TestIndexRedirectsToLogin(t *testing.T) {
	_, ts := newTestServer(t)

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(ts.URL + "/")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "/login", resp.Header.Get("Location"))
}
