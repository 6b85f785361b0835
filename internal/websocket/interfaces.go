package websocket

import "time"

// Connection is the slice of a websocket connection the client pumps
// drive. gorilla's *websocket.Conn satisfies it through wrapConn; tests
// substitute a recording fake.
type Connection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error

	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)

	// RemoteAddr returns the peer address, or "" when unknown.
	RemoteAddr() string
}

// StreamDiagnostics exposes the hub's counters to the detailed health
// report. Kept separate from EventBroadcaster so broadcast-only callers
// stay narrow.
type StreamDiagnostics interface {
	GetHubMetrics() map[string]interface{}
}

// EventBroadcaster is the hub surface services hold to push frames to
// connected dashboards without depending on the concrete hub type.
type EventBroadcaster interface {
	// Broadcast fans a typed frame out to every connected client.
	Broadcast(messageType string, data interface{})

	// BroadcastStatus announces a server status transition.
	BroadcastStatus(status, message string)

	// BroadcastError announces a server-side fault. Fatal marks faults
	// that end the event stream, such as an unreadable rule-set payload.
	BroadcastError(code, message string, fatal bool)

	// ClientCount reports how many clients are connected.
	ClientCount() int
}
