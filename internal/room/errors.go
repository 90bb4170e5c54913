package room

import "errors"

var (
	// ErrUnknownSession rejects a bind whose session key has no entry in the
	// identity token store. Room state is never mutated for these.
	ErrUnknownSession = errors.New("room: unknown session key")

	// ErrDuplicateSession rejects a bind for a user who is already bound.
	// The existing connection is unaffected; the new one must be closed.
	ErrDuplicateSession = errors.New("room: user already connected")
)
