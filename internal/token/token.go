// Package token issues and verifies the signed handoff token: the bearer
// credential a freshly authenticated client presents to open its WebSocket
// connection without re-running authentication. The token embeds the opaque
// session key; everything else about the user is resolved from the session
// store at bind time.
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/palaver-chat/palaver/internal/session"
)

// ErrInvalidToken is returned by Verify for tokens that are malformed, carry a
// bad signature, use an unexpected signing method, or have expired.
var ErrInvalidToken = errors.New("token: invalid token")

// Claims are the verified contents of a handoff token.
type Claims struct {
	SessionKey  string
	UserID      string
	DisplayName string
}

// Issuer signs and verifies handoff tokens with a process-wide HMAC secret
// loaded once at startup.
type Issuer struct {
	secret  []byte
	ttl     time.Duration
	nowFunc func() time.Time
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithTTL stamps issued tokens with an expiry claim, which Verify will then
// enforce. Zero (the default) issues non-expiring tokens.
func WithTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		i.ttl = ttl
	}
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		i.nowFunc = now
	}
}

// NewIssuer creates an Issuer signing with the given secret.
func NewIssuer(secret string, options ...IssuerOption) *Issuer {
	i := &Issuer{
		secret:  []byte(secret),
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(i)
	}
	return i
}

// Issue signs a handoff token binding the session key to the profile it was
// issued for. Pure computation, no side effects.
func (i *Issuer) Issue(sessionKey string, profile session.Profile) (string, error) {
	now := i.nowFunc()
	claims := jwt.MapClaims{
		"key":  sessionKey,
		"sub":  profile.ID,
		"name": profile.DisplayName,
		"iat":  now.Unix(),
		"jti":  uuid.NewString(),
	}
	if i.ttl > 0 {
		claims["exp"] = now.Add(i.ttl).Unix()
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign handoff token")
	}
	return signed, nil
}

// Verify parses and validates a handoff token, returning its claims.
func (i *Issuer) Verify(raw string) (Claims, error) {
	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.nowFunc))
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}

	key, ok := mapClaims["key"].(string)
	if !ok || key == "" {
		return Claims{}, ErrInvalidToken
	}

	claims := Claims{SessionKey: key}
	if sub, ok := mapClaims["sub"].(string); ok {
		claims.UserID = sub
	}
	if name, ok := mapClaims["name"].(string); ok {
		claims.DisplayName = name
	}
	return claims, nil
}
