// Package realtime pushes message lifecycle events to dashboard clients over
// WebSocket. Delivery is best effort: a client that cannot keep up has its
// buffer dropped, never the event pipeline blocked.
package realtime

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/wasend/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second // must be less than pongWait

	sendBufferSize = 64
)

// envelope is the frame pushed to clients.
type envelope struct {
	Event     string `json:"event"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"ts"`
}

type client struct {
	id          int64
	workspaceID uuid.UUID
	conn        net.Conn
	send        chan []byte
	closeOnce   sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// Hub fans events out to the clients of each workspace.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]map[*client]struct{}

	nextID  atomic.Int64
	dropped atomic.Int64

	logger zerolog.Logger
}

// NewHub builds an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[uuid.UUID]map[*client]struct{}),
		logger:  logger.With().Str("component", "realtime").Logger(),
	}
}

// Notify pushes an event to every client of the workspace. Never blocks: a
// full client buffer means the frame is dropped for that client.
func (h *Hub) Notify(workspaceID uuid.UUID, event string, payload any) {
	data, err := json.Marshal(envelope{
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("Event marshal failed")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[workspaceID] {
		select {
		case c.send <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

// HandleUpgrade upgrades the connection and attaches it to the workspace.
// The caller has already authenticated the request.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request, workspaceID uuid.UUID) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{
		id:          h.nextID.Add(1),
		workspaceID: workspaceID,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
	}
	h.register(c)
	h.logger.Info().
		Int64("client_id", c.id).
		Stringer("workspace_id", workspaceID).
		Msg("Client connected")

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.workspaceID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.workspaceID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.workspaceID]
	if !ok {
		return
	}
	if _, present := set[c]; !present {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.workspaceID)
	}
	close(c.send)
}

// readPump drains client frames. Clients only send pings and close frames;
// text frames are ignored.
func (h *Hub) readPump(c *client) {
	defer logging.RecoverPanic(h.logger, "realtime-read", map[string]any{"client_id": c.id})
	defer func() {
		h.unregister(c)
		c.close()
		h.logger.Info().
			Int64("client_id", c.id).
			Stringer("workspace_id", c.workspaceID).
			Msg("Client disconnected")
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if op == ws.OpClose {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	defer logging.RecoverPanic(h.logger, "realtime-write", map[string]any{"client_id": c.id})
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, message); err != nil {
				h.logger.Debug().Int64("client_id", c.id).Err(err).Msg("Client write failed")
				h.unregisterSilently(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				h.unregisterSilently(c)
				return
			}
		}
	}
}

// unregisterSilently removes a client after a write failure; the read pump
// will observe the closed connection and log the disconnect.
func (h *Hub) unregisterSilently(c *client) {
	h.unregister(c)
}

// Shutdown closes every connection.
func (h *Hub) Shutdown(context.Context) {
	h.mu.Lock()
	var all []*client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()
	for _, c := range all {
		h.unregister(c)
		c.close()
	}
}

// ClientCount reports connected clients for a workspace.
func (h *Hub) ClientCount(workspaceID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[workspaceID])
}

// Dropped reports frames dropped on full client buffers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
