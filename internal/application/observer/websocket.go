package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kuro6061/nexum/internal/infrastructure/logger"
)

// WebSocketObserver broadcasts execution events to WebSocket clients.
type WebSocketObserver struct {
	name   string
	filter EventFilter
	logger *logger.Logger
	hub    *WebSocketHub
}

// WebSocketClient represents a connected WebSocket client.
type WebSocketClient struct {
	ID            string
	conn          *websocket.Conn
	send          chan []byte
	hub           *WebSocketHub
	executionID   string
	subscriptions map[EventType]bool
	mu            sync.RWMutex
}

// WebSocketHub manages WebSocket connections and broadcasting.
type WebSocketHub struct {
	clients    map[*WebSocketClient]bool
	broadcast  chan []byte
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	logger     *logger.Logger
	mu         sync.RWMutex
}

// WebSocketMessage is the envelope sent to WebSocket clients.
type WebSocketMessage struct {
	Type      string         `json:"type"`
	Event     *EventPayload  `json:"event,omitempty"`
	Control   map[string]any `json:"control,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventPayload is the WebSocket-friendly event payload.
type EventPayload struct {
	EventType   string         `json:"event_type"`
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Status      string         `json:"status"`
	NodeID      *string        `json:"node_id,omitempty"`
	NodeType    *string        `json:"node_type,omitempty"`
	DurationMs  *int64         `json:"duration_ms,omitempty"`
	Error       *string        `json:"error,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
}

// WebSocketObserverOption configures WebSocketObserver.
type WebSocketObserverOption func(*WebSocketObserver)

func WithWebSocketFilter(filter EventFilter) WebSocketObserverOption {
	return func(o *WebSocketObserver) { o.filter = filter }
}

func WithWebSocketLogger(l *logger.Logger) WebSocketObserverOption {
	return func(o *WebSocketObserver) { o.logger = l }
}

// NewWebSocketHub creates a hub and starts its run loop.
func NewWebSocketHub(log *logger.Logger) *WebSocketHub {
	hub := &WebSocketHub{
		clients:    make(map[*WebSocketClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		logger:     log,
	}
	go hub.run()
	return hub
}

func NewWebSocketObserver(hub *WebSocketHub, opts ...WebSocketObserverOption) *WebSocketObserver {
	obs := &WebSocketObserver{name: "websocket", hub: hub}
	for _, opt := range opts {
		opt(obs)
	}
	return obs
}

func (o *WebSocketObserver) Name() string        { return o.name }
func (o *WebSocketObserver) Filter() EventFilter  { return o.filter }
func (o *WebSocketObserver) GetHub() *WebSocketHub { return o.hub }

// OnEvent broadcasts the event to clients watching its execution.
func (o *WebSocketObserver) OnEvent(ctx context.Context, event Event) error {
	message := o.eventToMessage(event)
	data, err := json.Marshal(message)
	if err != nil {
		if o.logger != nil {
			o.logger.ErrorContext(ctx, "failed to marshal websocket message", "error", err, "event_type", string(event.Type))
		}
		return fmt.Errorf("marshal websocket message: %w", err)
	}
	o.hub.BroadcastToExecution(event.ExecutionID, data)
	return nil
}

func (o *WebSocketObserver) eventToMessage(event Event) *WebSocketMessage {
	payload := &EventPayload{
		EventType:   string(event.Type),
		ExecutionID: event.ExecutionID,
		WorkflowID:  event.WorkflowID,
		Timestamp:   event.Timestamp,
		Status:      event.Status,
		NodeID:      event.NodeID,
		NodeType:    event.NodeType,
		DurationMs:  event.DurationMs,
		Output:      event.Output,
	}
	if event.Error != nil {
		errStr := event.Error.Error()
		payload.Error = &errStr
	}
	return &WebSocketMessage{Type: "event", Event: payload, Timestamp: event.Timestamp}
}

func (h *WebSocketHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			if h.logger != nil {
				h.logger.Info("websocket client connected", "client_id", client.ID, "execution_id", client.executionID)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			if h.logger != nil {
				h.logger.Info("websocket client disconnected", "client_id", client.ID)
			}

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *WebSocketHub) Register(client *WebSocketClient)   { h.register <- client }
func (h *WebSocketHub) Unregister(client *WebSocketClient) { h.unregister <- client }
func (h *WebSocketHub) Broadcast(message []byte)           { h.broadcast <- message }

// BroadcastToExecution sends a message to clients watching the given
// execution, or to every client that isn't scoped to one.
func (h *WebSocketHub) BroadcastToExecution(executionID string, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.executionID == "" || client.executionID == executionID {
			select {
			case client.send <- message:
			default:
				if h.logger != nil {
					h.logger.Warn("websocket client send buffer full, skipping message", "client_id", client.ID)
				}
			}
		}
	}
}

func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func NewWebSocketClient(id string, conn *websocket.Conn, hub *WebSocketHub, executionID string) *WebSocketClient {
	return &WebSocketClient{
		ID:            id,
		conn:          conn,
		send:          make(chan []byte, 256),
		hub:           hub,
		executionID:   executionID,
		subscriptions: make(map[EventType]bool),
	}
}

func (c *WebSocketClient) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				if c.hub.logger != nil {
					c.hub.logger.Error("websocket read error", "client_id", c.ID, "error", err)
				}
			}
			break
		}
		c.handleMessage(message)
	}
}

func (c *WebSocketClient) WritePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WebSocketClient) handleMessage(message []byte) {
	var msg map[string]any
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}

	cmd, ok := msg["command"].(string)
	if !ok {
		return
	}

	eventTypes, _ := msg["event_types"].([]any)
	switch cmd {
	case "subscribe":
		c.mu.Lock()
		for _, et := range eventTypes {
			if eventType, ok := et.(string); ok {
				c.subscriptions[EventType(eventType)] = true
			}
		}
		c.mu.Unlock()
	case "unsubscribe":
		c.mu.Lock()
		for _, et := range eventTypes {
			if eventType, ok := et.(string); ok {
				delete(c.subscriptions, EventType(eventType))
			}
		}
		c.mu.Unlock()
	}
}

func (c *WebSocketClient) IsSubscribed(eventType EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	return c.subscriptions[eventType]
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketHandler upgrades /ws/executions requests and wires the resulting
// client into the hub.
type WebSocketHandler struct {
	hub    *WebSocketHub
	logger *logger.Logger
}

func NewWebSocketHandler(hub *WebSocketHub, log *logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, logger: log}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	executionID := r.URL.Query().Get("execution_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("failed to upgrade websocket connection", "error", err)
		}
		return
	}

	clientID := uuid.New().String()
	client := NewWebSocketClient(clientID, conn, h.hub, executionID)
	h.hub.Register(client)

	welcome := map[string]any{
		"type":         "control",
		"message":      "connected to nexum execution stream",
		"client_id":    clientID,
		"execution_id": executionID,
		"timestamp":    time.Now().Format(time.RFC3339),
	}
	if data, err := json.Marshal(welcome); err == nil {
		select {
		case client.send <- data:
		default:
		}
	}

	go client.WritePump()
	go client.ReadPump()

	if h.logger != nil {
		h.logger.Info("websocket connection established", "client_id", clientID, "execution_id", executionID, "remote_addr", r.RemoteAddr)
	}
}

func (h *WebSocketHandler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	status := map[string]any{
		"status":            "healthy",
		"connected_clients": h.hub.ClientCount(),
		"timestamp":         time.Now().Format(time.RFC3339),
	}
	if data, err := json.Marshal(status); err == nil {
		w.Write(data)
	}
}
