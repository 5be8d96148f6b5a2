// Package api - WebSocket stream of payment events
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/alexbotov/tegro/internal/domain"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSClient is a subscriber connection
type WSClient struct {
	conn       *websocket.Conn
	send       chan []byte
	operatorID string
}

// Hub fans domain events out to connected subscribers
type Hub struct {
	mu      sync.RWMutex
	clients map[*WSClient]struct{}
	logger  *zap.Logger
}

// NewHub creates an empty hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[*WSClient]struct{}),
		logger:  logger,
	}
}

// Publish sends event to every subscriber. Slow subscribers miss events
// rather than block the publisher.
func (h *Hub) Publish(event domain.Event) {
	msg, err := encodeMessage(event.Type, event)
	if err != nil {
		h.logger.Error("failed to encode event", zap.String("type", event.Type), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("dropping event for slow subscriber",
				zap.String("operator_id", c.operatorID), zap.String("type", event.Type))
		}
	}
}

// Subscribers returns the number of connected subscribers
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) register(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// HandleEvents handles GET /api/v1/ws/events
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	operator := operatorFromContext(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &WSClient{
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		operatorID: operator.ID,
	}
	h.hub.register(client)

	h.sendWS(client, "connected", map[string]any{
		"operator_id": operator.ID,
		"message":     "Subscribed to payment events",
	})

	go client.writePump()
	go h.readPump(client)
}

// writePump pumps messages from the send channel to the WebSocket connection
func (c *WSClient) writePump() {
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

// readPump answers pings until the subscriber goes away
func (h *Handler) readPump(c *WSClient) {
	defer func() {
		h.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket error", zap.String("operator_id", c.operatorID), zap.Error(err))
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.sendWS(c, "error", map[string]string{"code": "INVALID_MESSAGE", "message": "Invalid message format"})
			continue
		}

		switch msg.Type {
		case "ping":
			h.sendWS(c, "pong", map[string]any{"timestamp": time.Now().Unix()})
		case "payouts":
			h.sendWS(c, "payouts", h.control.Status())
		default:
			h.sendWS(c, "error", map[string]string{"code": "UNKNOWN_MESSAGE", "message": "Unknown message type: " + msg.Type})
		}
	}
}

// sendWS queues a message for one subscriber
func (h *Handler) sendWS(c *WSClient, msgType string, payload any) {
	msg, err := encodeMessage(msgType, payload)
	if err != nil {
		return
	}

	h.hub.mu.RLock()
	defer h.hub.mu.RUnlock()
	if _, ok := h.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func encodeMessage(msgType string, payload any) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WSMessage{Type: msgType, Payload: payloadBytes})
}
