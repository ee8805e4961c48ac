// Package event defines the transient game events exchanged inside a room and
// their JSON frame encoding.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Kind tags a frame with its event type.
type Kind string

const (
	KindChat             Kind = "chat"
	KindDiceRoll         Kind = "dice_roll"
	KindUpdateTokens     Kind = "update_tokens"
	KindMapUpdated       Kind = "map_updated"
	KindError            Kind = "error"
	KindConnectionNotice Kind = "connection_notice"
)

// MaxChatRunes bounds the chat message body.
const MaxChatRunes = 2000

var (
	ErrMalformedFrame = errors.New("event: malformed frame")
	ErrUnknownKind    = errors.New("event: unrecognized message type")
)

// ClientKinds lists the kinds a client may send.
var ClientKinds = []Kind{KindChat, KindDiceRoll, KindUpdateTokens, KindMapUpdated}

// ClientOriginated reports whether clients are allowed to send this kind.
func (k Kind) ClientOriginated() bool {
	switch k {
	case KindChat, KindDiceRoll, KindUpdateTokens, KindMapUpdated:
		return true
	}
	return false
}

// field is the frame key carrying the kind-specific payload.
func (k Kind) field() string {
	switch k {
	case KindChat, KindError:
		return "message"
	case KindDiceRoll:
		return "dice_data"
	case KindUpdateTokens:
		return "token_data"
	case KindMapUpdated:
		return "map_data"
	}
	return ""
}

// Event is an immutable message unit. Payload holds the JSON value of the
// kind-specific field: a string for chat and error, an object otherwise.
type Event struct {
	Kind       Kind
	SenderID   string
	SenderName string
	Payload    json.RawMessage
	Timestamp  time.Time
}

// Notice is the payload of a connection_notice event.
type Notice struct {
	Event      string `json:"event"`
	RoomID     string `json:"room_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
}

// Parse decodes an inbound client frame. Identity fields supplied by the client
// are ignored; the gateway stamps them afterwards.
func Parse(data []byte) (Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Event{}, fmt.Errorf("%w: invalid JSON object", ErrMalformedFrame)
	}
	var kind Kind
	rawKind, ok := fields["type"]
	if !ok {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	if err := json.Unmarshal(rawKind, &kind); err != nil || kind == "" {
		return Event{}, fmt.Errorf("%w: type must be a string", ErrMalformedFrame)
	}
	if !kind.ClientOriginated() {
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	payload := fields[kind.field()]
	switch kind {
	case KindChat:
		if len(payload) == 0 {
			payload = json.RawMessage(`""`)
		}
		var msg string
		if err := json.Unmarshal(payload, &msg); err != nil {
			return Event{}, fmt.Errorf("%w: message must be a string", ErrMalformedFrame)
		}
		if utf8.RuneCountInString(msg) > MaxChatRunes {
			return Event{}, fmt.Errorf("%w: message exceeds %d characters", ErrMalformedFrame, MaxChatRunes)
		}
		payload, _ = json.Marshal(msg)
	default:
		trimmed := bytes.TrimSpace(payload)
		if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			payload = json.RawMessage(`{}`)
		} else if trimmed[0] != '{' {
			return Event{}, fmt.Errorf("%w: %s must be an object", ErrMalformedFrame, kind.field())
		}
	}
	return Event{Kind: kind, Payload: append(json.RawMessage(nil), payload...)}, nil
}

// Stamped returns a copy carrying the server-side sender identity and time.
func (e Event) Stamped(senderID, senderName string, at time.Time) Event {
	e.SenderID = senderID
	e.SenderName = senderName
	e.Timestamp = at.UTC()
	return e
}

// NewError builds a sender-only error event.
func NewError(message string) Event {
	raw, _ := json.Marshal(message)
	return Event{Kind: KindError, Payload: raw}
}

// NewNotice builds a connection_notice event.
func NewNotice(n Notice, at time.Time) Event {
	raw, _ := json.Marshal(n)
	return Event{Kind: KindConnectionNotice, Payload: raw, Timestamp: at.UTC()}
}

// Text returns the string payload of chat and error events.
func (e Event) Text() string {
	var s string
	_ = json.Unmarshal(e.Payload, &s)
	return s
}

// MarshalJSON renders the flat wire frame, e.g.
// {"type":"chat","user_id":"u1","username":"ana","message":"hi","timestamp":"..."}.
func (e Event) MarshalJSON() ([]byte, error) {
	frame := map[string]any{"type": e.Kind}
	if e.SenderID != "" {
		frame["user_id"] = e.SenderID
		frame["username"] = e.SenderName
	}
	if !e.Timestamp.IsZero() {
		frame["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if e.Kind == KindConnectionNotice {
		var extra map[string]json.RawMessage
		if len(e.Payload) > 0 {
			if err := json.Unmarshal(e.Payload, &extra); err != nil {
				return nil, fmt.Errorf("encode notice: %w", err)
			}
		}
		for k, v := range extra {
			if _, taken := frame[k]; !taken {
				frame[k] = v
			}
		}
		return json.Marshal(frame)
	}
	if field := e.Kind.field(); field != "" {
		payload := e.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		frame[field] = payload
	}
	return json.Marshal(frame)
}

// Encode renders the event as a wire frame.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}
