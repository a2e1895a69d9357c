package server

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketBufferSize is the buffer size for the hub's broadcast and a
// client's per-connection send channel; allows pending messages to queue
// before a slow client gets dropped.
const WebSocketBufferSize = 256

// WSMessage is the envelope every realtime frame is wrapped in. Type
// matches the §6 taxonomy: metrics, alert, agent-result, chat:*,
// plugin:*, approval:*, plus the request-state/state control frames.
type WSMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Client is one connected WebSocket browser session.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans typed realtime events out to every connected dashboard
// client and answers request-state frames with a fresh snapshot.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	// Snapshot builds the state frame sent in response to request-state.
	// Set once at construction; nil means request-state gets no reply.
	Snapshot func() any
}

// NewHub creates a new, unstarted Hub.
func NewHub(snapshot func() any) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, WebSocketBufferSize),
		Snapshot:   snapshot,
	}
}

// Run is the hub's single-goroutine event loop; call it once in a
// background goroutine for the life of the process.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// Broadcast sends one typed frame to every connected client.
func (h *Hub) Broadcast(msgType string, data any) {
	encoded, err := json.Marshal(WSMessage{Type: msgType, Data: data})
	if err != nil {
		return
	}
	h.broadcast <- encoded
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// send writes one pre-encoded frame directly to a single client,
// bypassing the broadcast fan-out — used for the state reply to
// request-state, which only the requesting client should see.
func (h *Hub) send(c *Client, msgType string, data any) {
	encoded, err := json.Marshal(WSMessage{Type: msgType, Data: data})
	if err != nil {
		return
	}
	select {
	case c.send <- encoded:
	default:
	}
}

// readPump reads control frames from the browser. The only inbound
// frame type handled is request-state; anything else is ignored.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type == "request-state" && c.hub.Snapshot != nil {
			c.hub.send(c, "state", c.hub.Snapshot())
		}
	}
}

// writePump drains a client's send channel to its socket.
func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
