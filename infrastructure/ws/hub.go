package ws

import (
	"context"
	"sync"

	"chatsync/infrastructure/metrics"
	"chatsync/internal/entity"
	"chatsync/pkg/apperr"

	"go.uber.org/zap"
)

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*UserClient            // connection id -> client
	users   map[string]map[string]*UserClient // user id -> connection id -> client
	rooms   map[string]map[string]*UserClient // conversation id -> connection id -> client
	joined  map[string]map[string]struct{}    // connection id -> conversation ids

	broadcast chan entity.Event

	OnClientUnregister func(client *UserClient) error
	logger             *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:   make(map[string]*UserClient),
		users:     make(map[string]map[string]*UserClient),
		rooms:     make(map[string]map[string]*UserClient),
		joined:    make(map[string]map[string]struct{}),
		broadcast: make(chan entity.Event, 256),
		logger:    logger.Named("hub"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-h.broadcast:
			h.broadcastLocal(event)
		}
	}
}

func (h *Hub) RegisterClient(client *UserClient) {
	h.mu.Lock()
	h.clients[client.Id] = client
	if h.users[client.UserId] == nil {
		h.users[client.UserId] = make(map[string]*UserClient)
	}
	h.users[client.UserId][client.Id] = client
	h.mu.Unlock()

	metrics.Connections.Inc()
	h.logger.Debug("client connected", zap.String("user_id", client.UserId), zap.String("connection_id", client.Id))
}

func (h *Hub) UnregisterClient(client *UserClient) {
	h.mu.Lock()
	_, ok := h.clients[client.Id]
	if ok {
		delete(h.clients, client.Id)
		if conns := h.users[client.UserId]; conns != nil {
			delete(conns, client.Id)
			if len(conns) == 0 {
				delete(h.users, client.UserId)
			}
		}
		for conversationId := range h.joined[client.Id] {
			h.removeFromRoom(conversationId, client.Id)
		}
		delete(h.joined, client.Id)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	client.Close()
	metrics.Connections.Dec()
	h.logger.Debug("client disconnected", zap.String("user_id", client.UserId), zap.String("connection_id", client.Id))

	if h.OnClientUnregister != nil {
		if err := h.OnClientUnregister(client); err != nil {
			h.logger.Warn("OnClientUnregister error", zap.Error(err))
		}
	}
}

func (h *Hub) Join(conversationId, connectionId string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[connectionId]
	if !ok {
		return apperr.ErrTransportUnavailable
	}
	if h.rooms[conversationId] == nil {
		h.rooms[conversationId] = make(map[string]*UserClient)
	}
	h.rooms[conversationId][connectionId] = client
	if h.joined[connectionId] == nil {
		h.joined[connectionId] = make(map[string]struct{})
	}
	h.joined[connectionId][conversationId] = struct{}{}
	return nil
}

func (h *Hub) Leave(conversationId, connectionId string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeFromRoom(conversationId, connectionId)
	if rooms := h.joined[connectionId]; rooms != nil {
		delete(rooms, conversationId)
	}
}

// removeFromRoom expects h.mu held.
func (h *Hub) removeFromRoom(conversationId, connectionId string) {
	room := h.rooms[conversationId]
	if room == nil {
		return
	}
	delete(room, connectionId)
	if len(room) == 0 {
		delete(h.rooms, conversationId)
	}
}

func (h *Hub) Publish(conversationId string, event entity.Event, excludeConnectionId string) {
	h.publishLocal(conversationId, event, excludeConnectionId)
}

func (h *Hub) publishLocal(conversationId string, event entity.Event, excludeConnectionId string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for connectionId, client := range h.rooms[conversationId] {
		if connectionId == excludeConnectionId {
			continue
		}
		if !client.Deliver(event) {
			metrics.BusDropped.WithLabelValues("slow_consumer").Inc()
			h.logger.Debug("dropped room event", zap.String("conversation_id", conversationId), zap.String("connection_id", connectionId))
		}
	}
}

func (h *Hub) SendToUser(userId string, event entity.Event) {
	h.sendLocal(userId, event)
}

// sendLocal reports whether the user has a connection on this hub.
func (h *Hub) sendLocal(userId string, event entity.Event) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := h.users[userId]
	for _, client := range conns {
		if !client.Deliver(event) {
			metrics.BusDropped.WithLabelValues("slow_consumer").Inc()
		}
	}
	return len(conns) > 0
}

func (h *Hub) Broadcast(event entity.Event) {
	select {
	case h.broadcast <- event:
	default:
		metrics.BusDropped.WithLabelValues("broadcast_full").Inc()
	}
}

func (h *Hub) broadcastLocal(event entity.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		if !client.Deliver(event) {
			metrics.BusDropped.WithLabelValues("slow_consumer").Inc()
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RoomSize(conversationId string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationId])
}

func (h *Hub) SetOnClientUnregister(callback func(client *UserClient) error) {
	h.OnClientUnregister = callback
}
