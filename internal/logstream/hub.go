// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package logstream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	clientBuffer   = 256
	defaultBacklog = 200
)

type (
	// Hub fans log lines out to websocket subscribers. Streaming can be
	// paused; lines published while paused are dropped for subscribers but
	// still kept in the backlog.
	Hub struct {
		clients    map[*client]bool
		broadcast  chan []byte
		register   chan *client
		unregister chan *client
		done       chan struct{}
		paused     atomic.Bool
		running    atomic.Bool

		mu      sync.Mutex
		backlog [][]byte
		maxLog  int
	}

	client struct {
		hub  *Hub
		conn *websocket.Conn
		send chan []byte
	}
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, clientBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		clients:    make(map[*client]bool),
		maxLog:     defaultBacklog,
	}
}

// Run delivers published lines until ctx is done
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case message := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
		}
	}
}

// Publish queues a line for subscribers without ever blocking the caller
func (h *Hub) Publish(line []byte) {
	msg := append([]byte(nil), line...)
	h.mu.Lock()
	h.backlog = append(h.backlog, msg)
	if len(h.backlog) > h.maxLog {
		h.backlog = h.backlog[len(h.backlog)-h.maxLog:]
	}
	h.mu.Unlock()

	if h.paused.Load() {
		return
	}
	select {
	case h.broadcast <- msg:
	default:
	}
}

// Backlog returns the most recent lines, oldest first
func (h *Hub) Backlog() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	lines := make([]string, len(h.backlog))
	for i, l := range h.backlog {
		lines[i] = string(l)
	}
	return lines
}

func (h *Hub) Pause()        { h.paused.Store(true) }
func (h *Hub) Resume()       { h.paused.Store(false) }
func (h *Hub) Paused() bool  { return h.paused.Load() }
func (h *Hub) Running() bool { return h.running.Load() }

// ServeWs upgrades the request and streams log lines to the peer
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	if !h.Running() {
		http.Error(w, "log stream not running", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("failed to upgrade to websocket", "error", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, clientBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump only drains control frames; subscribers never send data.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
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
