package room

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/palaver-chat/palaver/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Client is one live connection's room-side state: its identity, its bounded
// outbound channel, and its transport. A client moves through
// connecting → bound → closed; identity fields are set by Bind and the bound
// and closed flags are guarded by the hub mutex.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	addr string
	log  zerolog.Logger

	limiter        *rateLimiter
	maxMessageSize int64

	userID      string
	displayName string
	avatarURL   string
	joinedAt    time.Time
	bound       bool
	closed      bool
}

// NewClient wraps a WebSocket connection for this hub, applying the hub's
// per-connection limits. The connection is not part of the room until Bind
// succeeds.
func (h *Hub) NewClient(conn *websocket.Conn, addr string) *Client {
	if conn != nil {
		conn.SetReadLimit(h.limits.MaxMessageSize)
	}

	return &Client{
		conn:           conn,
		send:           make(chan []byte, h.limits.SendBuffer),
		hub:            h,
		addr:           addr,
		log:            h.log.With().Str("addr", addr).Logger(),
		limiter:        newRateLimiter(h.limits.RateBurst, h.limits.RateInterval),
		maxMessageSize: h.limits.MaxMessageSize,
	}
}

// UserID returns the bound user's id, empty before Bind.
func (c *Client) UserID() string {
	return c.userID
}

// DisplayName returns the bound user's display name, empty before Bind.
func (c *Client) DisplayName() string {
	return c.displayName
}

// Outbound exposes the client's outbound channel for reading, for tests.
func (c *Client) Outbound() <-chan []byte {
	return c.send
}

func (c *Client) joinPayload() protocol.JoinPayload {
	return presencePayload(c.userID, c.displayName, c.avatarURL)
}

// presencePayload builds a JOIN payload, mapping a missing avatar to an
// explicit null on the wire.
func presencePayload(id, displayName, avatarURL string) protocol.JoinPayload {
	payload := protocol.JoinPayload{
		ID:          id,
		DisplayName: displayName,
	}
	if avatarURL != "" {
		payload.Avatar = &avatarURL
	}
	return payload
}

// readPump consumes inbound frames until the transport closes, then removes
// the client from the room. Decode failures drop the frame and keep the
// connection; only transport errors end the loop.
func (c *Client) readPump() {
	defer func() {
		c.hub.Remove(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("Error closing connection in read pump")
		}
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.limiter.allow() {
			c.log.Warn().Str("user", c.userID).Msg("Rate limit exceeded; discarding message")
			continue
		}

		c.handleFrame(frame)
	}
}

// handleFrame decodes one inbound frame and dispatches on its kind.
func (c *Client) handleFrame(frame []byte) {
	inbound, err := protocol.DecodeInbound(frame)
	if err != nil {
		// Unknown kinds pass silently for forward compatibility; anything
		// malformed is logged and dropped without touching the connection.
		if !errors.Is(err, protocol.ErrUnknownKind) {
			c.log.Warn().Err(err).Str("user", c.userID).Msg("Dropping malformed frame")
		}
		return
	}

	switch inbound.Kind {
	case protocol.KindChatMessage:
		c.hub.Relay(c, inbound.Chat.Body)
	case protocol.KindUserJoins, protocol.KindUserLeaves:
		// Presence envelopes are server-originated only.
	}
}

func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn().Int64("limit", c.maxMessageSize).Msg("Message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Debug().Err(err).Str("user", c.userID).Msg("Client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug().Err(err).Str("user", c.userID).Msg("Connection closed")
	default:
		c.log.Warn().Err(err).Str("user", c.userID).Msg("WebSocket read error")
	}
}

// writePump drains the outbound channel onto the transport and keeps the
// connection alive with periodic pings. It exits when the channel is closed
// by removal or when a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("Error closing connection in write pump")
		}
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Warn().Err(err).Msg("Error setting write deadline")
				return
			}
			if !ok {
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
					c.log.Debug().Err(err).Msg("Error writing close message")
				}
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				if !isExpectedCloseError(err) {
					c.log.Warn().Err(err).Str("user", c.userID).Msg("Error writing message")
				}
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// isExpectedCloseError reports whether an error is routine during connection
// teardown.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
