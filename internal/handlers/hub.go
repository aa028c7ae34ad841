package handlers

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/arena/internal/metrics"
	"github.com/eldtechnologies/arena/internal/models"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

type outbound struct {
	seq  int64
	data []byte
}

// wsClient is one connection subscribed to a room.
type wsClient struct {
	roomID  string
	conn    *websocket.Conn
	send    chan outbound
	once    sync.Once
	done    chan struct{}
	dropped atomic.Bool
}

func newWsClient(roomID string) *wsClient {
	return &wsClient{
		roomID: roomID,
		send:   make(chan outbound, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub fans appended messages out to the WebSocket clients of each room.
// A client whose send buffer is full is disconnected.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*wsClient]struct{}
	logger zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*wsClient]struct{}),
		logger: logger.With().Str("component", "ws").Logger(),
	}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.rooms[c.roomID]
	if !ok {
		set = make(map[*wsClient]struct{})
		h.rooms[c.roomID] = set
	}
	set[c] = struct{}{}
	metrics.WebSocketClients.Inc()
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.rooms[c.roomID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.rooms, c.roomID)
	}
	metrics.WebSocketClients.Dec()
}

// Clients returns the number of connections subscribed to roomID.
func (h *Hub) Clients(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Broadcast sends msg to every client of its room.
func (h *Hub) Broadcast(msg models.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[msg.RoomID] {
		select {
		case c.send <- outbound{seq: msg.Seq, data: data}:
		default:
			h.logger.Warn().Str("room_id", msg.RoomID).Msg("dropping slow websocket client")
			c.dropped.Store(true)
			c.close()
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, set := range h.rooms {
		for c := range set {
			c.close()
		}
	}
}

func (c *wsClient) write(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// writeLoop drains the client's send buffer until the client is closed.
// Messages at or below after were already delivered as history.
func (c *wsClient) writeLoop(ctx context.Context, after int64) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case out := <-c.send:
			if out.seq != 0 && out.seq <= after {
				continue
			}
			if err := c.write(ctx, out.data); err != nil {
				return err
			}
		}
	}
}
