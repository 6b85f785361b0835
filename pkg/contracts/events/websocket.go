// Package events contains the event contract definitions for WebSocket
// communication in the codexcore system. The hub pushes session
// lifecycle transitions to connected operator clients.
package events

import (
	"time"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Session lifecycle messages - the primary event types
	MessageTypeSessionActivated MessageType = "session:activated"
	MessageTypeSessionReplaced  MessageType = "session:replaced"
	MessageTypeSessionExpired   MessageType = "session:expired"
	MessageTypeSessionTornDown  MessageType = "session:torn_down"

	// Stream control messages
	MessageTypeConnect MessageType = "connect"
	MessageTypeStatus  MessageType = "status"
	MessageTypeError   MessageType = "error"
)

// BaseMessage represents the base structure for all WebSocket messages
type BaseMessage struct {
	ID        string      `json:"id,omitempty"`       // Unique message ID
	Type      MessageType `json:"type"`               // Message type
	Timestamp time.Time   `json:"timestamp"`          // Message timestamp
	TraceID   string      `json:"trace_id,omitempty"` // Request trace ID
}

// WebSocketMessage represents a complete WebSocket message
type WebSocketMessage struct {
	BaseMessage
	Data interface{} `json:"data,omitempty"` // Message payload
}

// SessionSnapshot is the payload carried by every session lifecycle
// message. The identity is already masked by the sender; the handle ID
// lets an operator correlate replace/teardown events with activations.
type SessionSnapshot struct {
	Identity string    `json:"identity"`
	HandleID string    `json:"handle_id"`
	At       time.Time `json:"at"`
}

// SessionMessageType maps a store event type name to the wire message
// type, defaulting to the raw name for forward compatibility.
func SessionMessageType(eventType string) MessageType {
	switch eventType {
	case "session_activated":
		return MessageTypeSessionActivated
	case "session_replaced":
		return MessageTypeSessionReplaced
	case "session_expired":
		return MessageTypeSessionExpired
	case "session_torn_down":
		return MessageTypeSessionTornDown
	default:
		return MessageType(eventType)
	}
}
