package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/walink/pkg/bus"
	"github.com/sipeed/walink/pkg/logger"
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
		return true // auth is via token
	},
}

// Client represents a single WebSocket client connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans bus events out to WebSocket clients. It subscribes on creation so
// nothing published before Run is missed. It remembers the latest QR
// and state so late joiners and the QR endpoint see the current picture.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	msgBus     *bus.MessageBus
	events     chan bus.Event
	done       chan struct{}
	mu         sync.RWMutex

	snapMu    sync.RWMutex
	lastQR    *bus.Event
	lastState *bus.Event
}

func NewHub(msgBus *bus.MessageBus) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		msgBus:     msgBus,
		events:     msgBus.Subscribe(),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	events := h.events
	defer h.msgBus.Unsubscribe(events)
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			for _, snap := range h.snapshot() {
				h.deliver(client, snap)
			}
			logger.DebugC("dashboard", "WebSocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			logger.DebugC("dashboard", "WebSocket client disconnected")

		case event, ok := <-events:
			if !ok {
				return
			}
			h.remember(event)
			h.mu.RLock()
			for client := range h.clients {
				h.deliver(client, event)
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) deliver(client *Client, event bus.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
		// slow client, drop
	}
}

func (h *Hub) remember(event bus.Event) {
	h.snapMu.Lock()
	defer h.snapMu.Unlock()
	switch event.Type {
	case bus.EventQR:
		e := event
		h.lastQR = &e
	case bus.EventStateChanged:
		e := event
		h.lastState = &e
	case bus.EventReady:
		h.lastQR = nil
	}
}

func (h *Hub) snapshot() []bus.Event {
	h.snapMu.RLock()
	defer h.snapMu.RUnlock()
	var out []bus.Event
	if h.lastState != nil {
		out = append(out, *h.lastState)
	}
	if h.lastQR != nil {
		out = append(out, *h.lastQR)
	}
	return out
}

// LatestQR is the most recent QR payload not yet consumed by a login.
func (h *Hub) LatestQR() (string, bool) {
	h.snapMu.RLock()
	defer h.snapMu.RUnlock()
	if h.lastQR == nil || h.lastQR.QR == nil {
		return "", false
	}
	return h.lastQR.QR.Code, true
}

func (h *Hub) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.ErrorCF("dashboard", "WebSocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *Client) writePump() {
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
