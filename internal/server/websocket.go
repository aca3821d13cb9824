package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opd-ai/go-jf-play/internal/player"
	"github.com/opd-ai/go-jf-play/internal/timeline"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Clients only listen.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The rendering layer runs on the same device.
		return true
	},
}

// Event is one engine notification pushed to connected clients.
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Event types pushed over the WebSocket feed.
const (
	EventState  = "state"
	EventToast  = "toast"
	EventError  = "error"
	EventPrompt = "prompt"
)

// PromptPayload is the wire form of the skip/play-next affordance state.
type PromptPayload struct {
	Visible          bool   `json:"visible"`
	SegmentType      string `json:"segment_type,omitempty"`
	CountdownSeconds int    `json:"countdown_seconds,omitempty"`
	ShowNextEpisode  bool   `json:"show_next_episode"`
}

func promptPayload(state timeline.State) PromptPayload {
	payload := PromptPayload{
		Visible:          state.OverlayVisible,
		CountdownSeconds: state.CountdownSeconds,
		ShowNextEpisode:  state.ShowNextEpisodePrompt,
	}
	if state.ActiveSegment != nil {
		payload.SegmentType = state.ActiveSegment.Type
	}
	return payload
}

func promptEvent(state timeline.State) Event {
	return Event{Type: EventPrompt, Data: promptPayload(state), Timestamp: time.Now()}
}

// Hub fans engine events out to all connected WebSocket clients. Slow
// clients are dropped rather than allowed to block the engine.
type Hub struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// Broadcast sends the event to every connected client.
func (h *Hub) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal event", "type", event.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- payload:
		default:
			h.logger.Warn("Dropping event for slow WebSocket client", "type", event.Type)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(client *wsClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("WebSocket client connected", "clients", h.ClientCount())
}

func (h *Hub) unregister(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	h.logger.Debug("WebSocket client disconnected", "clients", h.ClientCount())
}

// wsClient is one connected WebSocket peer.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// handleWebSocket upgrades the connection and starts the client pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.hub.register(client)

	go client.writePump()
	go client.readPump()
}

// writePump pumps events from the hub to the WebSocket connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection so control frames are processed. Clients
// are not expected to send application messages.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// HubSink forwards controller events to the hub. It satisfies
// player.EventSink.
type HubSink struct {
	hub *Hub
}

// NewHubSink creates the controller-to-hub event bridge.
func NewHubSink(hub *Hub) *HubSink {
	return &HubSink{hub: hub}
}

func (s *HubSink) StateChanged(state player.State) {
	s.hub.Broadcast(Event{Type: EventState, Data: state.String()})
}

func (s *HubSink) Toast(message string) {
	s.hub.Broadcast(Event{Type: EventToast, Data: message})
}

func (s *HubSink) TerminalError(message string) {
	s.hub.Broadcast(Event{Type: EventError, Data: message})
}
