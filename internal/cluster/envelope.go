package cluster

import "time"

// Envelope carries one room frame between instances on the broadcast channel.
type Envelope struct {
	InstanceID string    `json:"instance_id"`
	RoomID     string    `json:"room_id"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// ConnectionEvent is published on the events channel when a local session
// joins or leaves a room. Peers do not act on it.
type ConnectionEvent struct {
	Type       string    `json:"type"`
	Event      string    `json:"event"`
	RoomID     string    `json:"room_id"`
	UserID     string    `json:"user_id"`
	InstanceID string    `json:"instance_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// UserMessage targets every connection of one principal, optionally within a room.
type UserMessage struct {
	Type         string    `json:"type"`
	TargetUserID string    `json:"target_user_id"`
	RoomID       string    `json:"room_id,omitempty"`
	Message      string    `json:"message"`
	InstanceID   string    `json:"instance_id"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	typeConnectionEvent = "connection_event"
	typeUserMessage     = "user_message"

	// Connection event names.
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)
