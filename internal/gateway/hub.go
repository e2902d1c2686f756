// Package gateway implements the live channel: a hub of per-user and
// per-conversation rooms over gorilla/websocket connections.
package gateway

import (
	"context"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-messaging/internal/model"
	"github.com/capitalize-ai/marketplace-messaging/internal/service"
	"github.com/capitalize-ai/marketplace-messaging/pkg/logger"
	"github.com/capitalize-ai/marketplace-messaging/pkg/metrics"
)

const broadcastBuffer = 1024

// UserRoom names the personal room of a user.
func UserRoom(userID string) string { return "user:" + userID }

// ConversationRoom names the room of a conversation.
func ConversationRoom(conversationID string) string { return "conversation:" + conversationID }

// Frame is the wire envelope of every live-channel event.
type Frame struct {
	Event model.EventType `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals an outbound event.
func EncodeFrame(event model.EventType, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

type delivery struct {
	room  string
	event model.EventType
	frame []byte
}

// Hub tracks room membership for this process. It satisfies
// service.Broadcaster for single-instance deployments.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	clients map[*Client]struct{}

	broadcast chan delivery
	logger    *logger.Logger
}

// NewHub creates a new Hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		rooms:     make(map[string]map[*Client]struct{}),
		clients:   make(map[*Client]struct{}),
		broadcast: make(chan delivery, broadcastBuffer),
		logger:    log.Named("hub"),
	}
}

var _ service.Broadcaster = (*Hub)(nil)

// Serve delivers queued events until ctx is canceled, then closes every
// client. It implements suture.Service.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("hub stopped", zap.Error(ctx.Err()))
			return ctx.Err()
		case d := <-h.broadcast:
			h.deliver(d)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (h *Hub) String() string { return "gateway-hub" }

// EmitToUser implements service.Broadcaster.
func (h *Hub) EmitToUser(userID string, event model.EventType, payload interface{}) {
	h.emit(UserRoom(userID), event, payload)
}

// EmitToConversation implements service.Broadcaster.
func (h *Hub) EmitToConversation(conversationID string, event model.EventType, payload interface{}) {
	h.emit(ConversationRoom(conversationID), event, payload)
}

func (h *Hub) emit(room string, event model.EventType, payload interface{}) {
	frame, err := EncodeFrame(event, payload)
	if err != nil {
		h.logger.Error("failed to encode event", zap.String("event", string(event)), zap.Error(err))
		return
	}
	h.Deliver(room, event, frame)
}

// Deliver queues an encoded frame for every member of room.
func (h *Hub) Deliver(room string, event model.EventType, frame []byte) {
	select {
	case h.broadcast <- delivery{room: room, event: event, frame: frame}:
	default:
		metrics.GatewayDroppedTotal.WithLabelValues("hub_full").Inc()
		h.logger.Warn("broadcast queue full, dropping event",
			zap.String("room", room),
			zap.String("event", string(event)),
		)
	}
}

func (h *Hub) deliver(d delivery) {
	metrics.GatewayEventsTotal.WithLabelValues(string(d.event)).Inc()

	var slow []*Client
	h.mu.RLock()
	for c := range h.rooms[d.room] {
		select {
		case c.send <- d.frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		metrics.GatewayDroppedTotal.WithLabelValues("client_slow").Inc()
		h.logger.Warn("dropping slow client", zap.String("user_id", c.principal.UserID))
		h.unregister(c)
	}
}

// register adds c and joins it to its personal room.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.joinLocked(c, UserRoom(c.principal.UserID))
	total := len(h.clients)
	h.mu.Unlock()

	metrics.IncrementConnections()
	h.logger.Info("client connected",
		zap.String("user_id", c.principal.UserID),
		zap.Int("total_clients", total),
	)
}

// unregister drops c from every room and closes its send queue. Safe to
// call more than once.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	close(c.send)
	total := len(h.clients)
	h.mu.Unlock()

	metrics.DecrementConnections()
	h.logger.Info("client disconnected",
		zap.String("user_id", c.principal.UserID),
		zap.Int("total_clients", total),
	)
}

func (h *Hub) join(c *Client, room string) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		h.joinLocked(c, room)
	}
	h.mu.Unlock()
}

func (h *Hub) leave(c *Client, room string) {
	h.mu.Lock()
	h.leaveLocked(c, room)
	h.mu.Unlock()
}

func (h *Hub) joinLocked(c *Client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(c *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

// inRoom reports whether c has joined room.
func (h *Hub) inRoom(c *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

// RoomSize returns the number of local members of room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
	for _, c := range clients {
		h.unregister(c)
	}
}
