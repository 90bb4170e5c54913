package server

import (
	"errors"

	"github.com/palaver-chat/palaver/internal/session"
)

// ErrBadCredentials is returned by authenticators for rejected logins.
var ErrBadCredentials = errors.New("server: bad credentials")

// Authenticator verifies login credentials and yields the user's profile.
// Credential mechanics (OAuth exchange, password hashing) live behind this
// interface; the chat core only consumes the resulting profile.
type Authenticator interface {
	Authenticate(username, password string) (session.Profile, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(username, password string) (session.Profile, error)

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(username, password string) (session.Profile, error) {
	return f(username, password)
}

// PermissiveAuthenticator accepts any non-empty username and derives the
// profile from it. Development default only.
func PermissiveAuthenticator() Authenticator {
	return AuthenticatorFunc(func(username, _ string) (session.Profile, error) {
		if username == "" {
			return session.Profile{}, ErrBadCredentials
		}
		return session.Profile{
			ID:          username,
			DisplayName: username,
		}, nil
	})
}
