package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pelletbridge/internal/chain"
	"pelletbridge/internal/game"
	"pelletbridge/internal/observability"
	"pelletbridge/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	sendQueueSize = 256
)

// Hub owns the realtime channel: one websocket client per session. It
// implements game.Notifier, so pellet and balance changes flow out
// through it. Delivery is at-least-once per connection with no
// ordering guarantee across message types; a client that cannot drain
// its queue has messages dropped rather than stalling the hub.
type Hub struct {
	mu      sync.Mutex
	clients map[uuid.UUID]*client

	registry *game.Registry
	field    *game.PelletField
	metrics  *observability.Metrics
	log      zerolog.Logger

	upgrader websocket.Upgrader
}

type client struct {
	id   uuid.UUID
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// trySend enqueues without blocking. The mutex pairs every send with
// the closed flag, so a broadcast holding a snapshot of this client
// can never hit a closed channel when the reader tears it down.
func (c *client) trySend(raw []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- raw:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// NewHub creates the hub. The pellet field is attached afterwards via
// SetField because the field needs the hub as its notifier.
func NewHub(registry *game.Registry, metrics *observability.Metrics, log zerolog.Logger) *Hub {
	return &Hub{
		clients:  make(map[uuid.UUID]*client),
		registry: registry,
		metrics:  metrics,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The browser client is served cross-origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetField attaches the pellet field the hub dispatches into.
func (h *Hub) SetField(field *game.PelletField) {
	h.field = field
}

// HandleWS upgrades an HTTP request into a session connection.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := h.registry.Connect()
	c := &client{id: id, conn: conn, send: make(chan []byte, sendQueueSize)}

	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()

	h.log.Info().Str("session", id.String()).Msg("session connected")

	// Initial state so the new session's view matches the
	// authoritative set.
	h.enqueue(c, protocol.TypeWelcome, protocol.MarshalWelcome(id.String()))
	h.enqueue(c, protocol.TypeBalance, protocol.MarshalBalance(0))
	h.enqueue(c, protocol.TypePelletsState, protocol.MarshalPelletsState(h.field.Snapshot()))

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer h.dropClient(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("session", c.id.String()).Msg("read error")
			}
			return
		}

		msg, err := protocol.ParseClientMessage(raw)
		if err != nil {
			h.log.Debug().Err(err).Str("session", c.id.String()).Msg("malformed client message")
			continue
		}
		h.dispatch(c, msg)
	}
}

func (h *Hub) dispatch(c *client, msg *protocol.ClientMessage) {
	switch msg.Type {
	case protocol.TypeAuth:
		// No ownership proof: the binding is a hint for payouts, never
		// authorization.
		if msg.Wallet != "" {
			h.registry.Bind(c.id, chain.Address(msg.Wallet))
		}

	case protocol.TypeSpawnPellets:
		if len(msg.Items) == 0 {
			return
		}
		items := make([]game.SpawnItem, 0, len(msg.Items))
		for _, it := range msg.Items {
			items = append(items, it.ToSpawnItem())
		}
		h.field.SpawnBatch(items, game.DefaultSpawnCap)

	case protocol.TypePickupPellet:
		if msg.ID == "" {
			return
		}
		h.field.Pickup(msg.ID, c.id)

	default:
		h.log.Debug().Str("type", msg.Type).Msg("unknown client message type")
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
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

func (h *Hub) dropClient(c *client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()

	c.close()
	c.conn.Close()

	// The unsettled balance dies with the session.
	h.registry.Disconnect(c.id)
	h.log.Info().Str("session", c.id.String()).Msg("session disconnected")
}

func (h *Hub) enqueue(c *client, msgType string, raw []byte) {
	if c.trySend(raw) {
		if h.metrics != nil {
			h.metrics.MessagesSent.WithLabelValues(msgType).Inc()
		}
		return
	}
	// Full queue or a client mid-teardown; either way the message is
	// dropped rather than stalling the caller.
	if h.metrics != nil {
		h.metrics.MessagesDropped.Inc()
	}
}

func (h *Hub) broadcast(msgType string, raw []byte) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		h.enqueue(c, msgType, raw)
	}
	if h.metrics != nil {
		h.metrics.BroadcastFanout.Observe(float64(len(targets)))
	}
}

// NotifyBalance implements game.Notifier.
func (h *Hub) NotifyBalance(sessionID uuid.UUID, balance int64) {
	h.mu.Lock()
	c, ok := h.clients[sessionID]
	h.mu.Unlock()
	if !ok {
		return
	}
	h.enqueue(c, protocol.TypeBalance, protocol.MarshalBalance(balance))
}

// BroadcastPelletsAdded implements game.Notifier.
func (h *Hub) BroadcastPelletsAdded(pellets []game.Pellet) {
	h.broadcast(protocol.TypePelletsAdded, protocol.MarshalPelletsAdded(pellets))
}

// BroadcastPelletsRemoved implements game.Notifier.
func (h *Hub) BroadcastPelletsRemoved(ids []string) {
	h.broadcast(protocol.TypePelletsRemoved, protocol.MarshalPelletsRemoved(ids))
}
