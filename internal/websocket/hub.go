package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"codexcore/internal/infrastructure"
	"codexcore/internal/license"
	"codexcore/pkg/contracts/events"
)

// Hub maintains the set of active clients and broadcasts session
// lifecycle events to them. It implements license.EventNotifier, so the
// session store pushes activations, replacements, expiries and
// teardowns straight into the event stream.
type Hub struct {
	clients map[*Client]bool

	// Frames queued for fan-out to every client.
	broadcast chan []byte

	register   chan *Client
	unregister chan *Client

	// Guards clients and the counters below.
	mu sync.RWMutex

	logger *slog.Logger

	totalConnections  int64
	activeConnections int64
	messagesSent      int64
	messagesReceived  int64
	connectionErrors  int64

	// Keepalive timing handed to every client pump. pingPeriod is
	// always shorter than pongWait.
	pingPeriod time.Duration
	pongWait   time.Duration

	quit        chan struct{}
	running     bool
	metricsQuit chan struct{}
}

const (
	defaultPongWait   = 60 * time.Second
	defaultPingPeriod = (defaultPongWait * 9) / 10
)

// NewHub builds a stopped hub; Start launches its loops.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	logger = logger.With(slog.String("component", "websocket.hub"))

	return &Hub{
		broadcast:   make(chan []byte, 64),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		clients:     make(map[*Client]bool),
		logger:      logger,
		pingPeriod:  defaultPingPeriod,
		pongWait:    defaultPongWait,
		quit:        make(chan struct{}),
		metricsQuit: make(chan struct{}),
	}
}

// ConfigureKeepalive overrides the ping schedule and pong deadline for
// clients registered after the call. Pairs that would let the deadline
// lapse before the next ping are ignored.
func (h *Hub) ConfigureKeepalive(pingPeriod, pongWait time.Duration) {
	if pingPeriod <= 0 || pongWait <= 0 || pingPeriod >= pongWait {
		h.logger.Warn("Keepalive settings rejected",
			slog.Duration("ping_period", pingPeriod),
			slog.Duration("pong_wait", pongWait),
		)
		return
	}
	h.mu.Lock()
	h.pingPeriod = pingPeriod
	h.pongWait = pongWait
	h.mu.Unlock()
}

// keepalive returns the current ping schedule and pong deadline.
func (h *Hub) keepalive() (time.Duration, time.Duration) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pingPeriod, h.pongWait
}

// Start launches the run loop and the metrics reporter once.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.Run()
	go h.reportMetrics()
}

// Run serializes registration, departure and fan-out on a single
// goroutine.
func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			h.logger.Info("Session event hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.totalConnections++
			h.activeConnections = int64(count)
			h.mu.Unlock()

			ctx := context.Background()
			if client.traceID != "" {
				ctx = infrastructure.WithTraceID(ctx, client.traceID)
			}

			h.logger.InfoContext(ctx, "Stream client connected",
				slog.Int("total_clients", count),
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr))

			GetMetrics().RecordConnection()
			if otelMetrics := GetOTelMetrics(); otelMetrics != nil {
				otelMetrics.RecordConnection(ctx, client.id, client.remoteAddr)
				otelMetrics.RecordClientCount(ctx, int64(count))
			}

			// Greet the new client so it can confirm the stream is live
			// before any session event arrives.
			connMsg := events.WebSocketMessage{
				BaseMessage: events.BaseMessage{
					ID:        uuid.NewString(),
					Type:      events.MessageTypeConnect,
					Timestamp: time.Now(),
					TraceID:   client.traceID,
				},
				Data: events.ConnectGreeting{
					Status:   "connected",
					Message:  "Connected to session event stream",
					ClientID: client.id,
				},
			}
			if jsonData, err := json.Marshal(connMsg); err == nil {
				select {
				case client.send <- jsonData:
					h.logger.DebugContext(ctx, "Greeting delivered",
						slog.String("client_id", client.id))
				default:
					h.logger.WarnContext(ctx, "Greeting dropped, client buffer full",
						slog.String("client_id", client.id))
				}
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				count := len(h.clients)
				h.activeConnections = int64(count)
				h.mu.Unlock()

				ctx := context.Background()
				if client.traceID != "" {
					ctx = infrastructure.WithTraceID(ctx, client.traceID)
				}

				h.logger.InfoContext(ctx, "Stream client disconnected",
					slog.Int("total_clients", count),
					slog.String("client_id", client.id),
					slog.Duration("connection_duration", time.Since(client.connectedAt)))

				GetMetrics().RecordDisconnection(time.Since(client.connectedAt))
				if otelMetrics := GetOTelMetrics(); otelMetrics != nil {
					otelMetrics.RecordDisconnection(ctx, client.id, time.Since(client.connectedAt), "normal")
					otelMetrics.RecordClientCount(ctx, int64(count))
				}
			} else {
				h.mu.Unlock()
			}

		case message := <-h.broadcast:
			h.mu.RLock()
			// Copy so the lock is not held during sends
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			h.logger.Debug("Fanning frame out to stream clients",
				slog.Int("client_count", len(clients)),
				slog.Int("message_size", len(message)))

			successCount := 0
			failCount := 0

			for _, client := range clients {
				select {
				case client.send <- message:
					successCount++
				default:
					failCount++
					// Slow client; evict it rather than stall the
					// fan-out.
					h.mu.Lock()
					close(client.send)
					delete(h.clients, client)
					h.mu.Unlock()

					h.logger.Warn("Client send buffer full, disconnecting",
						slog.String("client_id", client.id))
				}
			}

			h.mu.Lock()
			h.messagesSent += int64(successCount)
			h.connectionErrors += int64(failCount)
			h.mu.Unlock()

			if failCount > 0 {
				GetMetrics().RecordError("send_buffer_full")
				h.logger.Warn("Evicted slow stream clients during broadcast",
					slog.Int("success_count", successCount),
					slog.Int("fail_count", failCount))
			}

			if otelMetrics := GetOTelMetrics(); otelMetrics != nil {
				otelMetrics.RecordBroadcast(context.Background(), "broadcast",
					int64(len(clients)), int64(successCount), int64(failCount))
			}
		}
	}
}

// NotifySessionEvent implements license.EventNotifier. The store calls
// it synchronously on the activation path, so the only blocking step is
// a buffered channel send; when the broadcast queue is full the event
// is dropped and counted rather than stalling an activation.
func (h *Hub) NotifySessionEvent(event license.SessionEvent) {
	msg := events.WebSocketMessage{
		BaseMessage: events.BaseMessage{
			ID:        uuid.NewString(),
			Type:      events.SessionMessageType(event.Type),
			Timestamp: event.At,
		},
		Data: events.SessionSnapshot{
			Identity: license.MaskIdentity(event.Identity),
			HandleID: event.HandleID,
			At:       event.At,
		},
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Error marshaling session event",
			slog.String("error", err.Error()),
			slog.String("event_type", event.Type))
		return
	}

	select {
	case h.broadcast <- jsonData:
		if otelMetrics := GetOTelMetrics(); otelMetrics != nil {
			otelMetrics.RecordSessionEvent(context.Background(), event.Type)
		}
	default:
		GetMetrics().RecordDroppedMessage()
		if otelMetrics := GetOTelMetrics(); otelMetrics != nil {
			otelMetrics.RecordDroppedMessage(context.Background(), string(msg.Type), "queue_full")
		}
		h.logger.Warn("Broadcast queue full, dropping session event",
			slog.String("event_type", event.Type))
	}
}

// Broadcast sends an arbitrary typed message to all connected clients.
// Services use it for stream frames that are not session lifecycle
// events, such as health state changes.
func (h *Hub) Broadcast(messageType string, data interface{}) {
	h.broadcastJSON(events.WebSocketMessage{
		BaseMessage: events.BaseMessage{
			ID:        uuid.NewString(),
			Type:      events.MessageType(messageType),
			Timestamp: time.Now(),
		},
		Data: data,
	})
}

// BroadcastStatus sends a status update message
func (h *Hub) BroadcastStatus(status, message string) {
	h.Broadcast(string(events.MessageTypeStatus), events.StatusUpdate{
		Status:  status,
		Message: message,
	})
}

// BroadcastError sends a structured error message
func (h *Hub) BroadcastError(code, message string, fatal bool) {
	h.Broadcast(string(events.MessageTypeError), events.ErrorNotice{
		Code:    code,
		Message: message,
		Fatal:   fatal,
	})
}

// broadcastJSON marshals a frame onto the broadcast queue.
func (h *Hub) broadcastJSON(msg events.WebSocketMessage) {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Error marshaling message",
			slog.String("error", err.Error()),
			slog.String("message_type", string(msg.Type)))
		return
	}

	select {
	case h.broadcast <- jsonData:
	default:
		GetMetrics().RecordDroppedMessage()
		h.logger.Warn("Broadcast queue full, dropping message",
			slog.String("message_type", string(msg.Type)))
	}
}

// ClientCount reports connected stream clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop ends both loops and closes every client send channel.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.quit)
	close(h.metricsQuit)

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// Register hands a new client to the run loop.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// noteReceived credits an inbound client frame to the hub counters.
func (h *Hub) noteReceived() {
	h.mu.Lock()
	h.messagesReceived++
	h.mu.Unlock()
}

// reportMetrics samples the broadcast queue depth and logs the hub
// counters every 30 seconds.
func (h *Hub) reportMetrics() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.metricsQuit:
			h.logger.Info("Hub metrics reporter stopped")
			return

		case <-ticker.C:
			h.mu.RLock()
			activeClients := len(h.clients)
			totalConnections := h.totalConnections
			messagesSent := h.messagesSent
			messagesReceived := h.messagesReceived
			h.mu.RUnlock()

			depth := int64(len(h.broadcast))
			GetMetrics().RecordQueueDepth(depth)
			if otelMetrics := GetOTelMetrics(); otelMetrics != nil {
				otelMetrics.RecordQueueDepth(context.Background(), depth, "broadcast")
			}

			h.logger.Info("Stream hub metrics",
				slog.Int("active_clients", activeClients),
				slog.Int64("total_connections", totalConnections),
				slog.Int64("messages_sent", messagesSent),
				slog.Int64("messages_received", messagesReceived),
				slog.Int("broadcast_queue", len(h.broadcast)),
			)
		}
	}
}

// GetHubMetrics reports the hub's own counters together with the
// package-level stream snapshot. The detailed health endpoint surfaces
// the combined view.
func (h *Hub) GetHubMetrics() map[string]interface{} {
	h.mu.RLock()
	out := map[string]interface{}{
		"active_clients":    len(h.clients),
		"total_connections": h.totalConnections,
		"messages_sent":     h.messagesSent,
		"messages_received": h.messagesReceived,
		"connection_errors": h.connectionErrors,
	}
	h.mu.RUnlock()

	out["stream"] = GetMetrics().GetSnapshot()
	return out
}
