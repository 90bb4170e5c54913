// Package room implements the connection registry and the presence and
// broadcast engine for the single shared chat room. The Hub owns all room
// state behind one mutex; broadcast producers never touch a socket directly,
// they enqueue onto each connection's bounded outbound channel and the
// connection's own write pump drains it.
package room

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/palaver-chat/palaver/internal/protocol"
	"github.com/palaver-chat/palaver/internal/session"
)

// SessionSource resolves opaque session keys to identity entries. Satisfied
// by *session.Store.
type SessionSource interface {
	Get(key string) (session.Entry, error)
}

// Limits bundles the per-connection resource controls applied to every
// client the hub creates.
type Limits struct {
	MaxMessageSize int64
	SendBuffer     int
	RateBurst      int
	RateInterval   time.Duration
}

// DefaultLimits returns the limits applied when a field is left zero.
func DefaultLimits() Limits {
	return Limits{
		MaxMessageSize: 512,
		SendBuffer:     256,
		RateBurst:      5,
		RateInterval:   time.Second,
	}
}

func (l Limits) sanitized() Limits {
	defaults := DefaultLimits()
	if l.MaxMessageSize <= 0 {
		l.MaxMessageSize = defaults.MaxMessageSize
	}
	if l.SendBuffer <= 0 {
		l.SendBuffer = defaults.SendBuffer
	}
	if l.RateBurst <= 0 {
		l.RateBurst = defaults.RateBurst
	}
	if l.RateInterval <= 0 {
		l.RateInterval = defaults.RateInterval
	}
	return l
}

// Hub is the process-wide room: an ordered set of bound connections, at most
// one per user id. All mutation and broadcast iteration is serialized by the
// hub mutex; sends inside the lock are single non-blocking enqueues.
type Hub struct {
	sessions SessionSource
	limits   Limits
	log      zerolog.Logger

	mu     sync.Mutex
	order  []*Client          // insertion order = join order
	byUser map[string]*Client // user id -> bound connection

	wg      sync.WaitGroup
	newID   func() string
	nowFunc func() time.Time
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithLimits overrides the per-connection limits.
func WithLimits(limits Limits) HubOption {
	return func(h *Hub) {
		h.limits = limits.sanitized()
	}
}

// WithMessageIDFunc overrides message id generation, for tests.
func WithMessageIDFunc(newID func() string) HubOption {
	return func(h *Hub) {
		h.newID = newID
	}
}

// NewHub creates a hub resolving binds against the given session source.
func NewHub(sessions SessionSource, log zerolog.Logger, options ...HubOption) *Hub {
	h := &Hub{
		sessions: sessions,
		limits:   DefaultLimits(),
		log:      log,
		byUser:   make(map[string]*Client),
		newID:    uuid.NewString,
		nowFunc:  time.Now,
	}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// Len reports the number of bound connections.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.order)
}

// Snapshot returns current presence in join order.
func (h *Hub) Snapshot() []protocol.JoinPayload {
	h.mu.Lock()
	defer h.mu.Unlock()

	presence := make([]protocol.JoinPayload, 0, len(h.order))
	for _, c := range h.order {
		presence = append(presence, c.joinPayload())
	}
	return presence
}

// Bind resolves the session key and binds the connection to the room.
// Unknown keys and duplicate user ids are rejected without mutating room
// state. On success, in order: every other bound connection receives a JOIN
// envelope for the newcomer, then the newcomer receives a JOIN envelope for
// every bound user including itself, in join order, replaying full room
// presence.
func (h *Hub) Bind(c *Client, sessionKey string) error {
	entry, err := h.sessions.Get(sessionKey)
	if err != nil {
		return ErrUnknownSession
	}

	joinFrame, err := protocol.Encode(protocol.Join(presencePayload(
		entry.Profile.ID, entry.Profile.DisplayName, entry.Profile.AvatarURL)))
	if err != nil {
		return err
	}

	h.mu.Lock()

	if _, exists := h.byUser[entry.Profile.ID]; exists {
		h.mu.Unlock()
		return ErrDuplicateSession
	}

	c.userID = entry.Profile.ID
	c.displayName = entry.Profile.DisplayName
	c.avatarURL = entry.Profile.AvatarURL
	c.joinedAt = h.nowFunc()
	c.bound = true

	for _, other := range h.order {
		h.enqueueLocked(other, joinFrame)
	}

	h.order = append(h.order, c)
	h.byUser[c.userID] = c

	for _, member := range h.order {
		frame, err := protocol.Encode(protocol.Join(member.joinPayload()))
		if err != nil {
			h.log.Error().Err(err).Str("user", member.userID).Msg("Failed to encode presence replay envelope")
			continue
		}
		h.enqueueLocked(c, frame)
	}

	count := len(h.order)
	h.mu.Unlock()

	h.log.Info().Str("user", c.userID).Str("addr", c.addr).Int("online", count).Msg("User joined room")
	return nil
}

// Remove unbinds the connection from the room. Idempotent: removing a
// connection twice, or one that never bound, is a no-op returning false.
// When a bound connection is removed, every remaining connection receives a
// LEAVE envelope for its user.
func (h *Hub) Remove(c *Client) bool {
	h.mu.Lock()

	if !c.bound || c.closed {
		h.mu.Unlock()
		return false
	}

	for i, member := range h.order {
		if member == c {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	delete(h.byUser, c.userID)
	c.closed = true
	count := len(h.order)

	h.mu.Unlock()

	close(c.send)
	h.log.Info().Str("user", c.userID).Str("addr", c.addr).Int("online", count).Msg("User left room")

	h.Broadcast(protocol.Leave(c.userID), "")
	return true
}

// Relay fans a chat message from a bound sender out to every bound
// connection, including the sender. The engine stamps a fresh message id and
// the sender's authenticated display name; whatever the client put in its
// payload's id and from fields is discarded.
func (h *Hub) Relay(c *Client, body string) {
	h.Broadcast(protocol.Chat(protocol.ChatPayload{
		ID:   h.newID(),
		From: c.displayName,
		Body: body,
	}), "")
}

// Broadcast sends one envelope to every bound connection except the excluded
// user, if given. A slow or dead recipient never blocks or aborts the
// broadcast: its frame is dropped and the connection is scheduled for
// removal, invisible to the rest of the room.
func (h *Hub) Broadcast(env protocol.Envelope, excludeUserID string) {
	frame, err := protocol.Encode(env)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(env.Type)).Msg("Failed to encode broadcast envelope")
		return
	}

	h.mu.Lock()
	var failed []*Client
	for _, c := range h.order {
		if excludeUserID != "" && c.userID == excludeUserID {
			continue
		}
		if !h.enqueueLocked(c, frame) {
			failed = append(failed, c)
		}
	}
	h.mu.Unlock()

	for _, c := range failed {
		h.log.Warn().Str("user", c.userID).Str("addr", c.addr).Msg("Dropping connection with full send buffer")
		h.Remove(c)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}
}

// enqueueLocked performs a single non-blocking enqueue onto c's outbound
// channel. Must be called with the hub mutex held; the closed check under
// the lock guarantees no send to a removed connection.
func (h *Hub) enqueueLocked(c *Client, frame []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Serve launches the connection's pump goroutines, tracked for shutdown.
// Call after a successful Bind.
func (h *Hub) Serve(c *Client) {
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

// Shutdown closes every live connection and waits for their pump goroutines
// to finish, or until the timeout elapses.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.mu.Lock()
	clients := make([]*Client, len(h.order))
	copy(clients, h.order)
	h.mu.Unlock()

	h.log.Info().Int("connections", len(clients)).Msg("Shutting down room")

	for _, c := range clients {
		if c.conn != nil {
			if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.log.Warn().Err(err).Str("addr", c.addr).Msg("Error closing client connection")
			}
		}
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Msg("Room shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn().Msg("Room shutdown timeout reached")
		return context.DeadlineExceeded
	}
}
