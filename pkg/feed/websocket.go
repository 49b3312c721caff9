// Package feed fans engine events out to websocket subscribers and NATS.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/perps"
)

// Message is the frame sent to websocket subscribers.
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Sequence  uint64      `json:"sequence,omitempty"`
}

// SubscribeRequest is the client-to-server subscription frame. Channels
// are "<market>.<symbol>" pairs, or "*" for everything.
type SubscribeRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// Config holds websocket server configuration.
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration
	SendBuffer      int
}

// DefaultConfig returns the default websocket configuration.
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  64 * 1024,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // must be less than PongTimeout
		SendBuffer:      256,
	}
}

// Hub manages websocket clients and broadcasts engine events to them.
type Hub struct {
	logger log.Logger
	config Config

	clients    map[*client]bool
	clientsMu  sync.RWMutex
	register   chan *client
	unregister chan *client
	broadcast  chan Message

	sequence    uint64
	clientCount int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	channels map[string]bool
	mu       sync.RWMutex
}

// NewHub creates a websocket hub.
func NewHub(logger log.Logger, config Config) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		logger:     logger,
		config:     config,
		clients:    make(map[*client]bool),
		register:   make(chan *client, 16),
		unregister: make(chan *client, 16),
		broadcast:  make(chan Message, 1024),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run drives the hub until Stop is called.
func (h *Hub) Run() {
	h.wg.Add(1)
	go h.runHub()
}

// Stop disconnects every client and stops the hub.
func (h *Hub) Stop() {
	h.cancel()
	h.wg.Wait()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	return int(atomic.LoadInt32(&h.clientCount))
}

// Publish broadcasts an engine event on its "<market>.<symbol>" channel.
// Slow consumers are skipped, never waited on.
func (h *Hub) Publish(ev perps.Event) {
	msg := Message{
		Type:      string(ev.Type),
		Channel:   fmt.Sprintf("%s.%s", ev.Market, ev.Symbol),
		Data:      ev,
		Timestamp: ev.TimestampMs,
		Sequence:  atomic.AddUint64(&h.sequence, 1),
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Broadcast queue full, dropping event", "type", ev.Type)
	}
}

func (h *Hub) runHub() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			h.clientsMu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*client]bool)
			h.clientsMu.Unlock()
			return

		case c := <-h.register:
			h.clientsMu.Lock()
			h.clients[c] = true
			h.clientsMu.Unlock()
			atomic.AddInt32(&h.clientCount, 1)
			h.logger.Debug("Client connected", "total", h.ClientCount())

		case c := <-h.unregister:
			h.clientsMu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				atomic.AddInt32(&h.clientCount, -1)
			}
			h.clientsMu.Unlock()
			h.logger.Debug("Client disconnected", "total", h.ClientCount())

		case msg := <-h.broadcast:
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			h.clientsMu.RLock()
			for c := range h.clients {
				if !c.subscribed(msg.Channel) {
					continue
				}
				select {
				case c.send <- payload:
				default:
					// Slow consumer; drop the frame.
				}
			}
			h.clientsMu.RUnlock()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the connection and attaches it to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, h.config.SendBuffer),
		channels: make(map[string]bool),
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *client) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.channels) == 0 || c.channels["*"] {
		return true
	}
	return c.channels[channel]
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	cfg := c.hub.config
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req SubscribeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		c.mu.Lock()
		switch req.Type {
		case "subscribe":
			for _, ch := range req.Channels {
				c.channels[ch] = true
			}
		case "unsubscribe":
			for _, ch := range req.Channels {
				delete(c.channels, ch)
			}
		}
		c.mu.Unlock()
	}
}

func (c *client) writePump() {
	cfg := c.hub.config
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
