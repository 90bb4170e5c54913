// Package server constructs and runs the chat HTTP service: login, the entry
// page handing clients their token, and the WebSocket endpoint feeding the
// room.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/palaver-chat/palaver/internal/room"
	"github.com/palaver-chat/palaver/internal/session"
	"github.com/palaver-chat/palaver/internal/token"
)

// Server owns the chat service's state: the session store, the token issuer,
// the room hub, and the HTTP server in front of them.
type Server struct {
	cfg      Config
	log      zerolog.Logger
	sessions *session.Store
	issuer   *token.Issuer
	hub      *room.Hub
	auth     Authenticator
	origins  *originPolicy
	upgrader websocket.Upgrader
	http     *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithAuthenticator replaces the development authenticator with a real
// credential verifier.
func WithAuthenticator(auth Authenticator) Option {
	return func(s *Server) {
		s.auth = auth
	}
}

// New builds a Server from the given configuration.
func New(cfg *Config, log zerolog.Logger, options ...Option) *Server {
	config := *cfg
	config.sanitize()

	s := &Server{
		cfg:      config,
		log:      log,
		sessions: session.NewStore(),
		auth:     PermissiveAuthenticator(),
		origins:  newOriginPolicy(config.AllowedOrigins, log),
	}

	issuerOpts := []token.IssuerOption{}
	if config.TokenTTL > 0 {
		issuerOpts = append(issuerOpts, token.WithTTL(config.TokenTTL))
	}
	s.issuer = token.NewIssuer(config.TokenSecret, issuerOpts...)

	s.hub = room.NewHub(s.sessions, log, room.WithLimits(config.roomLimits()))

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Subprotocols:    []string{tokenSubprotocol},
		CheckOrigin:     s.origins.check,
	}

	for _, opt := range options {
		opt(s)
	}

	s.http = &http.Server{
		Addr:         config.Port,
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Sessions exposes the identity token store, for wiring and tests.
func (s *Server) Sessions() *session.Store {
	return s.sessions
}

// Hub exposes the room hub, for shutdown coordination and tests.
func (s *Server) Hub() *room.Hub {
	return s.hub
}

// Issuer exposes the handoff token issuer, for tests.
func (s *Server) Issuer() *token.Issuer {
	return s.issuer
}

// Start begins listening for connections and blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info().Str("port", s.cfg.Port).Msg("Server listening")
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server, then the room, closing every
// live WebSocket connection.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.log.Info().Msg("Shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	httpErr := s.http.Shutdown(ctx)
	if httpErr != nil {
		s.log.Warn().Err(httpErr).Msg("HTTP server shutdown error")
	}

	if err := s.hub.Shutdown(timeout); err != nil {
		return err
	}
	return httpErr
}

// RunJanitor purges session entries older than the configured TTL once per
// sweep interval until the context is cancelled. No-op when no TTL is set.
func (s *Server) RunJanitor(ctx context.Context) {
	if s.cfg.SessionTTL <= 0 {
		return
	}

	sweep := s.cfg.SessionTTL / 2
	if sweep < time.Second {
		sweep = time.Second
	}

	ticker := time.NewTicker(sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if purged := s.sessions.PurgeExpired(time.Now().Add(-s.cfg.SessionTTL)); purged > 0 {
				s.log.Info().Int("purged", purged).Msg("Purged expired sessions")
			}
		}
	}
}
