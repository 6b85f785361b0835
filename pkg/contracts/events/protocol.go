package events

// Typed payloads for the non-lifecycle frames on the event stream.
// Session lifecycle frames carry SessionSnapshot; everything else the
// hub originates is one of these.

// ConnectGreeting is the first frame a client receives. It confirms the
// stream is live before any session event arrives.
type ConnectGreeting struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	ClientID string `json:"client_id"`
}

// StatusUpdate announces a server state transition, such as a readiness
// flip or the start of a shutdown drain.
type StatusUpdate struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ErrorNotice announces a server-side fault. Fatal marks conditions the
// stream will not recover from on its own, such as an unreadable
// rule-set payload.
type ErrorNotice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

// HeartbeatType is the type field browser clients send to keep
// intermediaries from idling the connection out when they cannot issue
// protocol-level pings.
const HeartbeatType = "heartbeat"

// Heartbeat is the client-to-server keepalive frame. The server never
// answers it; the read deadline refresh is the acknowledgement.
type Heartbeat struct {
	Type string `json:"type"`
}
