package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
	sendBuffer     = 256
)

var ErrHubBacklog = errors.New("websocket hub backlog full")

type hubMessage struct {
	channel string
	data    []byte
}

// Hub keeps websocket subscribers grouped by channel name (tickets,
// office.{id}, queue.{id}) and broadcasts notifications to them.
type Hub struct {
	clients    map[string]map[*hubClient]bool
	register   chan *hubClient
	unregister chan *hubClient
	broadcast  chan hubMessage
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

type hubClient struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	channel string
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[string]map[*hubClient]bool),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		broadcast:  make(chan hubMessage, sendBuffer),
		done:       make(chan struct{}),
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run processes registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for ch, clients := range h.clients {
				for c := range clients {
					close(c.send)
				}
				delete(h.clients, ch)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			if h.clients[c.channel] == nil {
				h.clients[c.channel] = make(map[*hubClient]bool)
			}
			h.clients[c.channel][c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			h.drop(c)
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients[msg.channel] {
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("dropping slow websocket subscriber", "channel", c.channel)
					h.drop(c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop must be called with mu held.
func (h *Hub) drop(c *hubClient) {
	clients, ok := h.clients[c.channel]
	if !ok || !clients[c] {
		return
	}
	delete(clients, c)
	close(c.send)
	if len(clients) == 0 {
		delete(h.clients, c.channel)
	}
}

// Subscribers returns the number of connected clients on a channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[channel])
}

// Emit queues the notification for every channel it belongs to. It never
// blocks; a full backlog is reported as ErrHubBacklog.
func (h *Hub) Emit(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	for _, ch := range n.Channels() {
		select {
		case h.broadcast <- hubMessage{channel: ch, data: data}:
		default:
			return ErrHubBacklog
		}
	}
	return nil
}

// ServeChannel upgrades the request and subscribes the connection to channel.
func (h *Hub) ServeChannel(w http.ResponseWriter, r *http.Request, channel string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "channel", channel, "error", err)
		return
	}
	c := &hubClient{hub: h, conn: conn, send: make(chan []byte, sendBuffer), channel: channel}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}
	go c.writePump()
	c.readPump()
}

// readPump only watches for disconnects; subscribers do not send anything.
func (c *hubClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
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

func (c *hubClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
