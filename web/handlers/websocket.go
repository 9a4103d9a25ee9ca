package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	"github.com/syn-zhu/EverMemOS/internal/storage"
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

// Event types pushed to websocket clients.
const (
	EventMemoryExtracted    = "memory.extracted"
	EventMemoryDeleted      = "memory.deleted"
	EventMessageAccumulated = "message.accumulated"
	EventEmbeddingCompleted = "embedding.completed"
)

const (
	clientSendBuffer   = 256
	clientWriteTimeout = 10 * time.Second
	broadcastBuffer    = 256
)

// Event is one message on the websocket.
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// EventSource is the engine's callback surface.
type EventSource interface {
	SetOnMemoryExtracted(func(m *types.Memory))
	SetOnMemoryDeleted(func(filter storage.DeleteFilter, count int))
	SetOnMessageAccumulated(func(entry types.BufferEntry))
	SetOnEmbeddingCompleted(func(memoryID string, status types.EmbeddingStatus))
}

// WebSocketHub manages WebSocket connections and broadcasts engine events.
type WebSocketHub struct {
	clients        map[clientInterface]bool
	broadcast      chan Event
	register       chan clientInterface
	unregister     chan clientInterface
	mu             sync.RWMutex
	ctx            context.Context
	cancel         context.CancelFunc
	originPatterns []string
	logger         *slog.Logger
}

// clientInterface allows for both real clients and mock clients.
type clientInterface interface {
	getSendChannel() chan []byte
	close()
}

// Client represents a WebSocket connection.
type Client struct {
	id   string
	hub  *WebSocketHub
	conn *websocket.Conn
	send chan []byte
}

func (c *Client) getSendChannel() chan []byte {
	return c.send
}

func (c *Client) close() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// NewWebSocketHub creates a hub. originPatterns lists the cross-origin
// hosts allowed to connect; same-origin requests are always accepted.
func NewWebSocketHub(logger *slog.Logger, originPatterns ...string) *WebSocketHub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketHub{
		clients:        make(map[clientInterface]bool),
		broadcast:      make(chan Event, broadcastBuffer),
		register:       make(chan clientInterface),
		unregister:     make(chan clientInterface),
		ctx:            ctx,
		cancel:         cancel,
		originPatterns: originPatterns,
		logger:         logger,
	}
}

// Run starts the hub's message processing loop. It returns after Stop.
func (h *WebSocketHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket: client connected", "clients", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.getSendChannel())
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket: client disconnected", "clients", count)

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("websocket: marshal event", "type", event.Type, "err", err)
				continue
			}
			// Full lock: slow clients are dropped from the map.
			h.mu.Lock()
			for client := range h.clients {
				sendChan := client.getSendChannel()
				select {
				case sendChan <- data:
				default:
					close(sendChan)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			return
		}
	}
}

// Stop disconnects every client and ends Run.
func (h *WebSocketHub) Stop() {
	h.cancel()

	h.mu.Lock()
	for client := range h.clients {
		close(client.getSendChannel())
		client.close()
	}
	h.clients = make(map[clientInterface]bool)
	h.mu.Unlock()
}

// Broadcast queues an event for all clients. It never blocks; events are
// dropped when the hub is backed up.
func (h *WebSocketHub) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("websocket: broadcast buffer full, dropping event", "type", event.Type)
	}
}

// Subscribe forwards the engine's callbacks to connected clients.
func (h *WebSocketHub) Subscribe(src EventSource) {
	Forward(src, h.Broadcast)
}

// Forward installs callbacks on src that translate engine events into
// websocket events and pass them to emit.
func Forward(src EventSource, emit func(Event)) {
	src.SetOnMemoryExtracted(func(m *types.Memory) {
		emit(Event{Type: EventMemoryExtracted, Data: m})
	})
	src.SetOnMemoryDeleted(func(filter storage.DeleteFilter, count int) {
		emit(Event{Type: EventMemoryDeleted, Data: map[string]interface{}{
			"event_id": filter.EventID,
			"user_id":  filter.UserID,
			"group_id": filter.GroupID,
			"count":    count,
		}})
	})
	src.SetOnMessageAccumulated(func(entry types.BufferEntry) {
		emit(Event{Type: EventMessageAccumulated, Data: map[string]interface{}{
			"message_id":      entry.MessageID,
			"conversation_id": entry.ConversationID,
			"sender":          entry.Sender,
			"create_time":     entry.CreateTime,
		}})
	})
	src.SetOnEmbeddingCompleted(func(memoryID string, status types.EmbeddingStatus) {
		emit(Event{Type: EventEmbeddingCompleted, Data: map[string]interface{}{
			"event_id": memoryID,
			"status":   status,
		}})
	})
}

// ClientCount reports the connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Register adds a client to the hub.
func (h *WebSocketHub) Register(client clientInterface) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
	}
}

// Unregister removes a client from the hub.
func (h *WebSocketHub) Unregister(client clientInterface) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// ServeHTTP handles WebSocket upgrade requests. Accept rejects foreign
// origins with 403.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket: upgrade failed", "err", err)
		return
	}

	client := &Client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
	}
	h.Register(client)
	h.logger.Info("websocket: client attached", "client_id", client.id,
		"request_id", RequestIDFromContext(r.Context()))

	go client.pump(h.ctx)
}

// pump writes queued events until the peer goes away or the hub stops.
// Incoming frames are discarded; the read side only detects disconnects.
func (c *Client) pump(ctx context.Context) {
	defer c.hub.Unregister(c)
	ctx = c.conn.CloseRead(ctx)

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.Close(websocket.StatusNormalClosure, "")
			return
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.Close(websocket.StatusGoingAway, "")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, clientWriteTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				c.hub.logger.Debug("websocket: write failed", "client_id", c.id, "err", err)
				return
			}
		}
	}
}

// MockClient is a mock client for testing.
type MockClient struct {
	SendChan chan []byte
}

func (m *MockClient) getSendChannel() chan []byte {
	return m.SendChan
}

func (m *MockClient) close() {}
