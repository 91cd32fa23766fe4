package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/minasoft/vital-alerts/internal/db"
	"github.com/minasoft/vital-alerts/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	clientBuffer   = 64
	eventBuffer    = 1024
)

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	claims *Claims
	send   chan []byte
}

// Hub keeps the live dashboard connections and delivers each event to the sessions
// permitted to see it. It is a notify layer: slow sessions are disconnected and are
// expected to reload the open-alert snapshot after reconnecting.
type Hub struct {
	auth     *Authenticator
	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *metrics.Metrics

	register   chan *client
	unregister chan *client
	events     chan db.AlertEvent
	done       chan struct{}
	count      atomic.Int64
}

func NewHub(auth *Authenticator, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		auth: auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:     logger.Named("hub"),
		metrics:    m,
		register:   make(chan *client),
		unregister: make(chan *client),
		events:     make(chan db.AlertEvent, eventBuffer),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	clients := make(map[*client]struct{})
	drop := func(c *client) {
		if _, ok := clients[c]; ok {
			delete(clients, c)
			close(c.send)
			h.count.Add(-1)
			h.metrics.SetSubscribers(len(clients))
		}
	}

	for {
		select {
		case <-ctx.Done():
			for c := range clients {
				drop(c)
			}
			return
		case c := <-h.register:
			clients[c] = struct{}{}
			h.count.Add(1)
			h.metrics.SetSubscribers(len(clients))
			h.logger.Info("subscriber connected", zap.String("user_id", c.claims.UserID), zap.Strings("roles", c.claims.Roles))
		case c := <-h.unregister:
			drop(c)
		case ev := <-h.events:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("failed to encode event for subscribers", zap.Error(err))
				continue
			}
			for c := range clients {
				if !c.claims.CanSee(ev.Alert) {
					continue
				}
				select {
				case c.send <- data:
				default:
					h.logger.Warn("subscriber too slow, disconnecting", zap.String("user_id", c.claims.UserID))
					drop(c)
				}
			}
		}
	}
}

// Deliver hands an event to the hub without blocking.
func (h *Hub) Deliver(ev db.AlertEvent) {
	if ev.Alert == nil {
		return
	}
	select {
	case h.events <- ev:
	default:
		h.metrics.Dropped("hub")
		h.logger.Error("hub queue full, dropping event", zap.String("event", ev.Type), zap.String("alert_id", ev.Alert.ID))
	}
}

func (h *Hub) Count() int {
	return int(h.count.Load())
}

type rejection struct {
	Error string `json:"error"`
}

// ServeWS authenticates the request and only then upgrades it.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	claims, err := h.auth.Authenticate(TokenFromRequest(r))
	if err != nil {
		h.logger.Info("subscriber rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(StatusFor(err))
		json.NewEncoder(w).Encode(rejection{Error: err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{hub: h, conn: conn, claims: claims, send: make(chan []byte, clientBuffer)}
	hello, _ := json.Marshal(map[string]any{"type": "connected", "userId": claims.UserID})
	c.send <- hello

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
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
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
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
