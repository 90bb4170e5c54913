// Package session implements the identity token store: the process-wide table
// mapping opaque session keys, minted at login, to verified user profiles.
// A key is looked up exactly once, when its owner opens a WebSocket connection.
package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get for keys that were never issued or have been
// purged. Callers must treat it as an unauthenticated connection attempt.
var ErrNotFound = errors.New("session: not found")

// Profile is the identity yielded by the external authenticator.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatar,omitempty"`
}

// Entry binds an opaque session key to a verified profile.
type Entry struct {
	Key       string
	Profile   Profile
	CreatedAt time.Time
}

// NewKey mints a fresh opaque session key. Keys are never reused.
func NewKey() string {
	return uuid.NewString()
}
