// Package protocol implements the wire codec: typed envelopes serialized as
// JSON text frames. Server-to-client traffic uses {type, data} envelopes;
// client-to-server traffic uses {uri, payload} frames, decoded once at the
// boundary into a closed variant.
package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Kind tags an envelope with its message kind.
type Kind string

// The closed set of envelope kinds.
const (
	KindChatMessage Kind = "CHAT_MESSAGE"
	KindUserJoins   Kind = "USER_JOINS_ROOM"
	KindUserLeaves  Kind = "USER_LEAVES_ROOM"
)

var (
	// ErrMalformedFrame is returned for frames that are not valid JSON or
	// lack a recognizable tag. The offending message is dropped; the
	// connection stays open.
	ErrMalformedFrame = errors.New("protocol: malformed frame")

	// ErrUnknownKind is returned for well-formed frames carrying a kind this
	// server does not recognize. Callers skip these silently so newer
	// clients do not break older servers.
	ErrUnknownKind = errors.New("protocol: unknown message kind")
)

// JoinPayload announces a user entering the room. Avatar is null on the wire
// for users without one.
type JoinPayload struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"displayName"`
	Avatar      *string `json:"avatar"`
}

// LeavePayload announces a user leaving the room.
type LeavePayload struct {
	ID string `json:"id"`
}

// ChatPayload carries one chat message. On the broadcast path ID is a fresh
// server-assigned uuid and From is the sender's display name.
type ChatPayload struct {
	ID   string `json:"id"`
	From string `json:"from"`
	Body string `json:"body"`
}

// Envelope is the server-to-client wire unit.
type Envelope struct {
	Type Kind `json:"type"`
	Data any  `json:"data"`
}

// Join builds a USER_JOINS_ROOM envelope.
func Join(payload JoinPayload) Envelope {
	return Envelope{Type: KindUserJoins, Data: payload}
}

// Leave builds a USER_LEAVES_ROOM envelope.
func Leave(userID string) Envelope {
	return Envelope{Type: KindUserLeaves, Data: LeavePayload{ID: userID}}
}

// Chat builds a CHAT_MESSAGE envelope.
func Chat(payload ChatPayload) Envelope {
	return Envelope{Type: KindChatMessage, Data: payload}
}

// Encode serializes an envelope to a text frame. Failure is fatal to this
// message only.
func Encode(env Envelope) ([]byte, error) {
	frame, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode envelope")
	}
	return frame, nil
}

// inboundFrame is the raw client-to-server shape. The payload is kept opaque
// until the uri is known.
type inboundFrame struct {
	URI     Kind            `json:"uri"`
	Payload json.RawMessage `json:"payload"`
}

// Inbound is the decoded client-to-server variant. Exactly the field matching
// Kind is populated.
type Inbound struct {
	Kind Kind
	Chat ChatPayload
}

// DecodeInbound parses a client frame. It returns ErrMalformedFrame for
// invalid JSON or a missing tag, and ErrUnknownKind for tags outside the
// closed set.
func DecodeInbound(frame []byte) (Inbound, error) {
	var raw inboundFrame
	if err := json.Unmarshal(frame, &raw); err != nil {
		return Inbound{}, ErrMalformedFrame
	}
	if raw.URI == "" {
		return Inbound{}, ErrMalformedFrame
	}

	switch raw.URI {
	case KindChatMessage:
		var payload ChatPayload
		if err := json.Unmarshal(raw.Payload, &payload); err != nil {
			return Inbound{}, ErrMalformedFrame
		}
		return Inbound{Kind: KindChatMessage, Chat: payload}, nil
	default:
		return Inbound{}, ErrUnknownKind
	}
}
