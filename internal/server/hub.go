package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bazhil/SpeechTranscriber/internal/jobs"
	"github.com/bazhil/SpeechTranscriber/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

// Hub fans job events out to connected WebSocket clients. Clients may
// subscribe to a single job with the job_id query parameter.
type Hub struct {
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan jobs.Event
	done       chan struct{}

	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *metrics.Metrics
	count    atomic.Int64
}

type wsClient struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	jobID string
}

// NewHub creates a hub. Run must be called for events to be delivered.
func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan jobs.Event, 256),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  logger,
		metrics: m,
	}
}

// Run delivers events until ctx is cancelled, then disconnects all clients.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			h.logger.Info("WebSocket hub stopped")
			return nil

		case client := <-h.register:
			h.clients[client] = true
			h.updateCount()
			h.logger.Debug("WebSocket client connected",
				slog.String("job_id", client.jobID),
				slog.Int("clients", len(h.clients)),
			)

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
				h.logger.Debug("WebSocket client disconnected", slog.Int("clients", len(h.clients)))
			}

		case event := <-h.broadcast:
			message, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("Failed to encode event", slog.String("error", err.Error()))
				continue
			}
			for client := range h.clients {
				if client.jobID != "" && client.jobID != event.JobID {
					continue
				}
				select {
				case client.send <- message:
				default:
					h.logger.Warn("Dropping slow WebSocket client")
					h.drop(client)
				}
			}
		}
	}
}

// Publish queues an event for delivery. It never blocks the caller; events
// are dropped when the queue is full or the hub has stopped.
func (h *Hub) Publish(event jobs.Event) {
	select {
	case <-h.done:
		return
	default:
	}

	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("Event queue full, dropping event",
			slog.String("job_id", event.JobID),
			slog.String("type", string(event.Type)),
		)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// ServeWS upgrades the request and registers the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := &wsClient{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		jobID: r.URL.Query().Get("job_id"),
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

func (h *Hub) drop(client *wsClient) {
	delete(h.clients, client)
	close(client.send)
	h.updateCount()
}

func (h *Hub) updateCount() {
	h.count.Store(int64(len(h.clients)))
	if h.metrics != nil {
		h.metrics.SetWebSocketClients(len(h.clients))
	}
}

// readPump discards client messages and detects disconnects.
func (c *wsClient) readPump() {
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("WebSocket read error", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// writePump writes queued events and keeps the connection alive with pings.
func (c *wsClient) writePump() {
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
