package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Message is one dashboard push frame.
type Message struct {
	Type      string `json:"type"`
	ServiceID string `json:"service_id,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Hub fans state changes out to every connected dashboard.
type Hub struct {
	logger    *slog.Logger
	broadcast chan Message
	register  chan *websocket.Conn

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:    logger,
		broadcast: make(chan Message, 256),
		register:  make(chan *websocket.Conn),
		clients:   make(map[*websocket.Conn]bool),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				_ = conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				conns = append(conns, conn)
			}
			h.mu.RUnlock()
			for _, conn := range conns {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					if h.logger != nil {
						h.logger.Debug("websocket write failed", "err", err)
					}
					h.drop(conn)
				}
			}
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[conn] {
		delete(h.clients, conn)
		_ = conn.Close()
	}
}

// Publish queues a frame; it drops the frame when the queue is full.
func (h *Hub) Publish(kind, serviceID string, data any) {
	select {
	case h.broadcast <- Message{Type: kind, ServiceID: serviceID, Data: data}:
	default:
		if h.logger != nil {
			h.logger.Warn("websocket queue full, dropping update", "type", kind, "service_id", serviceID)
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// serve sends the initial snapshot, then keeps conn registered until the
// client goes away.
func (h *Hub) serve(ctx context.Context, conn *websocket.Conn, snapshot Message) {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(snapshot); err != nil {
		_ = conn.Close()
		return
	}
	select {
	case h.register <- conn:
	case <-ctx.Done():
		_ = conn.Close()
		return
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.drop(conn)
			return
		}
	}
}
