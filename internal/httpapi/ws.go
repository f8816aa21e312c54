package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/derivpulse/derivpulse/internal/domain"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsSendBuffer   = 64
	wsPingInterval = 30 * time.Second
)

// AlertHub fans alert envelopes out to WebSocket subscribers. It implements
// the dispatcher sink contract, so it sits in the sink list next to the log
// and webhook destinations.
type AlertHub struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewAlertHub(log zerolog.Logger) *AlertHub {
	return &AlertHub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// Name implements the sink contract.
func (h *AlertHub) Name() string { return "websocket" }

// Deliver broadcasts the envelope to every connected subscriber. Slow
// subscribers are disconnected rather than allowed to stall the hub.
func (h *AlertHub) Deliver(_ context.Context, env *domain.AlertEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- body:
		default:
			delete(h.clients, c)
			c.conn.Close()
			close(c.send)
			h.log.Warn().Msg("dropping slow websocket alert subscriber")
		}
	}
	return nil
}

// Subscribers reports the connected client count.
func (h *AlertHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *AlertHub) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the error response
	}
	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debug().Str("remote", r.RemoteAddr).Msg("alert subscriber connected")

	go h.writeLoop(c)
	h.readLoop(c)
}

// writeLoop pushes broadcasts and pings until the send channel closes.
func (h *AlertHub) writeLoop(c *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case body, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
				h.drop(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

// readLoop discards inbound frames; its job is to notice disconnects.
func (h *AlertHub) readLoop(c *wsClient) {
	defer h.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *AlertHub) drop(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}
