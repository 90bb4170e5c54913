// Package server exposes the HTTP handlers: login, the entry page embedding
// the handoff token, the WebSocket upgrade, and the health check.
package server

import (
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/palaver-chat/palaver/internal/session"
)

// tokenSubprotocol is the Sec-WebSocket-Protocol value browsers use to smuggle
// the handoff token: the client offers ["token", <jwt>] and the server
// selects "token".
const tokenSubprotocol = "token"

const closeWriteWait = 5 * time.Second

var entryPage = template.Must(template.New("entry").Parse(`<!DOCTYPE html>
<html>
    <head>
        <title>palaver</title>
    </head>

    <body>
        <div id="origin"></div>
        <script>
            window.token = {{.Token}};
        </script>
        <script src="/bundle.js" type="text/javascript"></script>
    </body>
</html>`))

const loginPage = `<form action="/login" method="post">
    <div>
        <label>Username:</label>
        <input type="text" name="username"/>
    </div>
    <div>
        <label>Password:</label>
        <input type="password" name="password"/>
    </div>
    <div>
        <input type="submit" value="Log In"/>
    </div>
</form>
`

// handleIndex redirects to the login page. The entry page is only reachable
// through a successful login, which is what hands out the token.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprint(w, loginPage)

	case http.MethodPost:
		s.handleLoginPost(w, r)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleLoginPost runs the authenticator, records a fresh session entry, and
// serves the entry page carrying the signed handoff token.
func (s *Server) handleLoginPost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	profile, err := s.auth.Authenticate(r.PostFormValue("username"), r.PostFormValue("password"))
	if err != nil {
		s.log.Warn().Err(err).Msg("Login rejected")
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	key := session.NewKey()
	s.sessions.Put(key, profile)

	signed, err := s.issuer.Issue(key, profile)
	if err != nil {
		s.log.Error().Err(err).Str("user", profile.ID).Msg("Failed to issue handoff token")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.log.Info().Str("user", profile.ID).Msg("User logged in")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := entryPage.Execute(w, struct{ Token string }{Token: signed}); err != nil {
		s.log.Error().Err(err).Msg("Error writing entry page")
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/login", http.StatusFound)
}

// handleWebSocket verifies the handoff token, upgrades the connection, and
// binds it into the room. Requests without a valid token are rejected before
// any room state is touched.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	raw := handoffToken(r)
	if raw == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	claims, err := s.issuer.Verify(raw)
	if err != nil {
		s.log.Warn().Str("addr", r.RemoteAddr).Msg("Rejected connection with invalid token")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	client := s.hub.NewClient(conn, r.RemoteAddr)
	if err := s.hub.Bind(client, claims.SessionKey); err != nil {
		s.log.Warn().Err(err).Str("addr", r.RemoteAddr).Str("user", claims.UserID).Msg("Rejected connection")
		s.closeRejected(conn, err)
		return
	}

	s.hub.Serve(client)
}

// closeRejected closes a connection that failed to bind, telling the client
// why before the transport goes away.
func (s *Server) closeRejected(conn *websocket.Conn, reason error) {
	message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason.Error())
	if err := conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeWriteWait)); err != nil {
		s.log.Debug().Err(err).Msg("Error writing close message to rejected connection")
	}
	if err := conn.Close(); err != nil {
		s.log.Debug().Err(err).Msg("Error closing rejected connection")
	}
}

// handoffToken extracts the handoff token from the upgrade request: the
// subprotocol list first, then a token query parameter for non-browser
// clients.
func handoffToken(r *http.Request) string {
	protocols := websocket.Subprotocols(r)
	for i, p := range protocols {
		if p == tokenSubprotocol && i+1 < len(protocols) {
			return protocols[i+1]
		}
	}
	return r.URL.Query().Get("token")
}

// handleHealth provides a simple liveness endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "Palaver chat server is running!")
}
