package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/imgbatch/batch"
	"github.com/teranos/imgbatch/logger"
)

// WebSocket timeouts following the gorilla chat example
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Clients only send small control messages
	maxMessageSize = 4 * 1024

	clientSendBuffer = 16
)

// Message types pushed to and accepted from batch watchers
const (
	MessageBatchStatus = "batch_status"
	MessageRefresh     = "refresh"
)

// BatchUpdate is pushed to a watcher whenever a task of its batch changes state
type BatchUpdate struct {
	Type  string              `json:"type"`
	Batch *batch.StatusReport `json:"batch"`
}

// ClientMessage is a control message from a watcher
type ClientMessage struct {
	Type string `json:"type"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one websocket watcher of a single batch
type Client struct {
	server    *Server
	conn      *websocket.Conn
	send      chan *BatchUpdate
	batchID   string
	id        string
	closeOnce sync.Once
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// handleBatchWebSocket upgrades the connection and streams status reports
// for one batch until the peer goes away.
func (s *Server) handleBatchWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rep, err := s.status.Status(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.logger.Warnw("WebSocket upgrade failed", logger.FieldBatchID, shortID(id), logger.FieldError, err)
		return
	}

	client := &Client{
		server:  s,
		conn:    conn,
		send:    make(chan *BatchUpdate, clientSendBuffer),
		batchID: id,
		id:      fmt.Sprintf("%s_%d", r.RemoteAddr, time.Now().UnixNano()),
	}
	client.send <- &BatchUpdate{Type: MessageBatchStatus, Batch: rep}
	s.register(client)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
}

// readPump consumes control messages and keeps the read deadline alive
func (c *Client) readPump() {
	defer func() {
		c.server.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.server.logger.Debugw("Ignoring malformed client message", "client_id", c.id, logger.FieldError, err)
			continue
		}
		if msg.Type == MessageRefresh {
			c.server.pushStatus(c.batchID)
		}
	}
}

// handleReadError logs unexpected close errors. Normal closure is silent.
func (c *Client) handleReadError(err error) {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseNormalClosure,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		c.server.logger.Warnw("WebSocket read error", "client_id", c.id, logger.FieldError, err)
	}
}

// writePump writes updates and pings until the send channel closes
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			return
		case update, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(update); err != nil {
				c.server.logger.Debugw("WebSocket write failed", "client_id", c.id, logger.FieldError, err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
