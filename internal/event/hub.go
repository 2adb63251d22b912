package event

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ojforge/internal/model"
	"ojforge/pkg/utils/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 75 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512
	clientBacklog  = 32
)

// frame is the wire shape pushed to WebSocket clients.
type frame struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

type eventData struct {
	TaskID      string                 `json:"task_id"`
	ProblemID   string                 `json:"problem_id,omitempty"`
	Stage       string                 `json:"stage,omitempty"`
	Status      string                 `json:"status,omitempty"`
	ProgressPct int                    `json:"progress_pct,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

func marshalFrame(ev model.ProgressEvent) ([]byte, error) {
	return json.Marshal(frame{
		Type:      ev.Kind,
		Timestamp: ev.Timestamp,
		Data: eventData{
			TaskID:      ev.TaskID,
			ProblemID:   ev.ProblemID,
			Stage:       string(ev.Stage),
			Status:      string(ev.Status),
			ProgressPct: ev.Progress,
			Payload:     ev.Payload,
		},
	})
}

// Hub bridges the in-process bus to WebSocket clients. It is the bus's
// single WS-side subscriber; per-client fan-out happens here with bounded
// send buffers, so one stalled browser cannot stall the bus.
type Hub struct {
	bus        *Bus
	upgrader   websocket.Upgrader
	register   chan *client
	unregister chan *client
	clients    map[*client]struct{}
}

// NewHub creates a hub over the given bus.
func NewHub(bus *Bus) *Hub {
	return &Hub{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers connect from the bundled UI; origin policy is
			// enforced at the deployment proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		clients:    make(map[*client]struct{}),
	}
}

// Run pumps bus events to clients until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				c.closeSend()
				delete(h.clients, c)
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.closeSend()
			}
		case <-sub.Dropped():
			// The hub fell behind the bus; resubscribe with a clean slate.
			logger.Warn(ctx, "websocket hub dropped by event bus, resubscribing")
			h.bus.Unsubscribe(sub)
			sub = h.bus.Subscribe()
		case ev := <-sub.Events():
			data, err := marshalFrame(ev)
			if err != nil {
				logger.Error(ctx, "marshal event frame failed", zap.Error(err))
				continue
			}
			for c := range h.clients {
				if !c.trySend(data) {
					delete(h.clients, c)
					c.closeSend()
				}
			}
		}
	}
}

// HandleWS upgrades the connection and attaches it to the hub.
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}
	cl := &client{hub: h, conn: conn, send: make(chan []byte, clientBacklog)}
	h.register <- cl

	welcome, _ := json.Marshal(frame{
		Type:      "welcome",
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"heartbeat_seconds": int(pingPeriod / time.Second)},
	})
	cl.trySend(welcome)

	go cl.writePump()
	go cl.readPump()
}

type client struct {
	hub  *Hub
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// trySend queues a frame unless the client is closed or its buffer is
// full. The caller decides whether a failed send drops the client.
func (c *client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// readPump consumes client frames. The only meaningful inbound message is
// a textual "ping", answered with a "pong" frame; everything else is
// discarded. Protocol-level pongs extend the read deadline.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if string(message) == "ping" {
			pong, _ := json.Marshal(frame{Type: "pong", Timestamp: time.Now()})
			c.trySend(pong)
		}
	}
}

// writePump flushes queued frames and emits the heartbeat ping.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "backlog overflow"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
